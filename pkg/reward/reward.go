// Package reward maps evidence kind and evidence volume to a bounty
// amount. Pure and deterministic: the same report always yields the same
// amount, so settlement can recompute it at any point.
package reward

import (
	"math"

	"github.com/minesentry/minesentry/pkg/report"
)

// Base amounts in satoshis per evidence kind. Double-spend attempts pay
// the most: they are the hardest to fabricate and the most damaging.
var baseSats = map[report.EvidenceKind]int64{
	report.KindCensorship:            100_000,
	report.KindDoubleSpendAttempt:    500_000,
	report.KindSelfishMining:         200_000,
	report.KindBlockReordering:       150_000,
	report.KindTransactionCensorship: 75_000,
	report.KindUnusualBlockTemplate:  50_000,
	report.KindOther:                 25_000,
}

const (
	// FloorSats is the minimum bounty for any verified report.
	FloorSats int64 = 10_000

	// Each evidence transaction adds 10% to the base, capped at 2x.
	evidenceBonus = 0.1
	maxMultiplier = 2.0
)

// Calculate returns the bounty in satoshis for the given evidence kind and
// number of evidence transactions. Non-decreasing in txidCount up to the
// multiplier cap, never below FloorSats.
func Calculate(kind report.EvidenceKind, txidCount int) int64 {
	base, ok := baseSats[kind]
	if !ok {
		base = baseSats[report.KindOther]
	}

	multiplier := math.Min(1+evidenceBonus*float64(txidCount), maxMultiplier)
	amount := int64(math.Round(float64(base) * multiplier))

	return max(amount, FloorSats)
}

// ForReport computes the bounty for a report.
func ForReport(r *report.Report) int64 {
	return Calculate(r.EvidenceKind, len(r.TransactionIDs))
}
