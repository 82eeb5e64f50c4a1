package report

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no report exists with the requested id.
	ErrNotFound = errors.New("report: not found")

	// ErrVerifiedImmutable is returned when deleting a verified report.
	// Verified reports are the audit trail behind payouts and must be kept.
	ErrVerifiedImmutable = errors.New("report: verified reports cannot be deleted")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Kind   EvidenceKind
	Limit  int
	Offset int
}

// Stats aggregates the stored reports.
type Stats struct {
	Total           int                  `json:"total_reports"`
	ByStatus        map[Status]int       `json:"by_status"`
	ByKind          map[EvidenceKind]int `json:"by_evidence_kind"`
	TotalBountySats int64                `json:"total_bounty_sats"`
}

// Store is the persistent home of reports. Implementations must refuse to
// delete verified reports and must hand out copies, never shared pointers.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Report, error)
	Put(ctx context.Context, r *Report) error
	Update(ctx context.Context, id uuid.UUID, mutate func(*Report) error) (*Report, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter) ([]*Report, error)
	Stats(ctx context.Context) (*Stats, error)
}
