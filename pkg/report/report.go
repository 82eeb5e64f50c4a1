package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EvidenceKind is the closed set of alleged mining pool misbehavior
// categories. New kinds must be added here and to the reward base table.
type EvidenceKind string

const (
	KindCensorship            EvidenceKind = "censorship"
	KindDoubleSpendAttempt    EvidenceKind = "double_spend_attempt"
	KindSelfishMining         EvidenceKind = "selfish_mining"
	KindBlockReordering       EvidenceKind = "block_reordering"
	KindTransactionCensorship EvidenceKind = "transaction_censorship"
	KindUnusualBlockTemplate  EvidenceKind = "unusual_block_template"
	KindOther                 EvidenceKind = "other"
)

// Kinds lists all evidence kinds.
func Kinds() []EvidenceKind {
	return []EvidenceKind{
		KindCensorship,
		KindDoubleSpendAttempt,
		KindSelfishMining,
		KindBlockReordering,
		KindTransactionCensorship,
		KindUnusualBlockTemplate,
		KindOther,
	}
}

func (k EvidenceKind) Valid() bool {
	switch k {
	case KindCensorship, KindDoubleSpendAttempt, KindSelfishMining,
		KindBlockReordering, KindTransactionCensorship,
		KindUnusualBlockTemplate, KindOther:
		return true
	}
	return false
}

// Status is the lifecycle state of a report.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusVerified    Status = "verified"
	StatusRejected    Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// Report is an allegation of mining pool misbehavior at a specific block.
type Report struct {
	ID              uuid.UUID    `json:"report_id"`
	ReporterAddress string       `json:"reporter_address"`
	PoolAddress     string       `json:"pool_address"`
	PoolName        string       `json:"pool_name,omitempty"`
	BlockHeight     int64        `json:"block_height"`
	EvidenceKind    EvidenceKind `json:"evidence_kind"`
	TransactionIDs  []string     `json:"transaction_ids"`
	BlockHash       string       `json:"block_hash,omitempty"`
	Description     string       `json:"description,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	Status          Status       `json:"status"`
	BountySats      int64        `json:"bounty_sats"`
	SettlementTxid  string       `json:"settlement_txid,omitempty"`
	VerifiedBy      string       `json:"verified_by,omitempty"`
	VerifiedAt      *time.Time   `json:"verified_at,omitempty"`
}

// New creates a pending report with a fresh id.
func New(reporterAddress, poolAddress string, blockHeight int64, kind EvidenceKind, createdAt time.Time) *Report {
	return &Report{
		ID:              uuid.New(),
		ReporterAddress: reporterAddress,
		PoolAddress:     poolAddress,
		BlockHeight:     blockHeight,
		EvidenceKind:    kind,
		CreatedAt:       createdAt,
		Status:          StatusPending,
	}
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (r *Report) Clone() *Report {
	out := *r
	out.TransactionIDs = append([]string(nil), r.TransactionIDs...)
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		out.VerifiedAt = &t
	}
	return &out
}

func (r *Report) String() string {
	return fmt.Sprintf("report %s (%s, block %d, %s)", r.ID, r.EvidenceKind, r.BlockHeight, r.Status)
}
