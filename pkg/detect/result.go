package detect

import (
	"fmt"
	"math"
	"strings"
)

// Method identifies one of the ten detection heuristics.
type Method string

const (
	MethodMissingTransactions Method = "missing_transactions"
	MethodFeeRate             Method = "fee_rate_analysis"
	MethodBlockFullness       Method = "block_fullness_analysis"
	MethodOrdering            Method = "transaction_ordering"
	MethodTransactionAge      Method = "transaction_age_analysis"
	MethodSizePreference      Method = "size_preference_analysis"
	MethodFeeDensity          Method = "fee_density_analysis"
	MethodHistorical          Method = "historical_pattern_analysis"
	MethodAddressPatterns     Method = "address_pattern_analysis"
	MethodConfirmationTime    Method = "confirmation_time_analysis"
)

// methodOrder is the canonical run/report order of the heuristics.
var methodOrder = []Method{
	MethodMissingTransactions,
	MethodFeeRate,
	MethodBlockFullness,
	MethodOrdering,
	MethodTransactionAge,
	MethodSizePreference,
	MethodFeeDensity,
	MethodHistorical,
	MethodAddressPatterns,
	MethodConfirmationTime,
}

// criticalMethods carry a confidence bonus: they tie the block directly to
// the suspected transactions rather than to statistical block shape.
var criticalMethods = map[Method]bool{
	MethodMissingTransactions: true,
	MethodFeeRate:             true,
	MethodConfirmationTime:    true,
}

// MethodResult is the fixed-shape outcome of one heuristic. A method that
// could not fetch its data reports Triggered=false with Err set; it never
// aborts the run.
type MethodResult struct {
	Method         Method   `json:"method"`
	Triggered      bool     `json:"triggered"`
	EvidencePoints int      `json:"evidence_points"`
	Err            string   `json:"error,omitempty"`
	Missing        []string `json:"missing,omitempty"`
	ExcludedFeeBTC float64  `json:"excluded_fee_btc,omitempty"`
	Ratio          float64  `json:"ratio,omitempty"`
	AverageSeconds float64  `json:"average_seconds,omitempty"`
	AverageBytes   float64  `json:"average_bytes,omitempty"`
	Count          int      `json:"count,omitempty"`
}

// Result is the combined outcome of a detection run. Ephemeral; never
// persisted.
type Result struct {
	IsCensored          bool                    `json:"is_censored"`
	Confidence          float64                 `json:"confidence"`
	EvidenceCount       int                     `json:"evidence_count"`
	MissingTransactions []string                `json:"missing_transactions"`
	ExcludedFeeBTC      float64                 `json:"excluded_fee_btc"`
	Methods             []Method                `json:"detection_methods"`
	Details             map[Method]MethodResult `json:"details"`
	Message             string                  `json:"message"`
}

// Confidence weighting. The scheme is monotone: more triggered methods or
// evidence points can only raise the score, and each term is capped so no
// single heuristic can dominate.
const (
	methodWeight   = 0.15
	methodCap      = 0.6
	evidenceWeight = 0.05
	evidenceCap    = 0.4
	criticalWeight = 0.1
	criticalCap    = 0.3

	// DefaultMinConfidence is the default threshold above which a run is
	// flagged as censorship.
	DefaultMinConfidence = 0.7
)

func confidenceScore(triggered []Method, evidenceCount int) float64 {
	if len(triggered) == 0 {
		return 0
	}

	methodScore := math.Min(float64(len(triggered))*methodWeight, methodCap)
	evidenceScore := math.Min(float64(evidenceCount)*evidenceWeight, evidenceCap)

	criticalBonus := 0.0
	for _, m := range triggered {
		if criticalMethods[m] {
			criticalBonus += criticalWeight
		}
	}
	criticalBonus = math.Min(criticalBonus, criticalCap)

	total := math.Min(methodScore+evidenceScore+criticalBonus, 1.0)
	return math.Round(total*100) / 100
}

// methodSummaries maps each triggered method to its message fragment.
var methodSummaries = map[Method]string{
	MethodFeeRate:          "high-fee transactions excluded",
	MethodBlockFullness:    "block not full with high-fee txs available",
	MethodOrdering:         "suspicious transaction ordering detected",
	MethodTransactionAge:   "older high-fee transactions excluded",
	MethodSizePreference:   "size preference bias detected",
	MethodFeeDensity:       "fee density inconsistencies found",
	MethodHistorical:       "deviates from historical patterns",
	MethodAddressPatterns:  "unusual address clustering patterns",
	MethodConfirmationTime: "excessive confirmation delays",
}

func buildMessage(isCensored bool, confidence float64, triggered []Method, missing []string) string {
	if !isCensored {
		return fmt.Sprintf("Censorship not detected (confidence: %.0f%%)", confidence*100)
	}

	parts := []string{fmt.Sprintf("Censorship detected with %.0f%% confidence", confidence*100)}
	for _, m := range triggered {
		if m == MethodMissingTransactions {
			parts = append(parts, fmt.Sprintf("%d transactions missing from block", len(missing)))
			continue
		}
		if summary, ok := methodSummaries[m]; ok {
			parts = append(parts, summary)
		}
	}
	return strings.Join(parts, ". ") + "."
}
