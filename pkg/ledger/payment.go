package ledger

import "time"

// PaymentStatus is the lifecycle state of a bounty payment.
//
// Allowed transitions:
//
//	PENDING  -> APPROVED -> PAID
//	PENDING  -> REJECTED (terminal)
//	APPROVED -> FAILED   (terminal, funds stay reserved)
//
// Every other transition is refused.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRejected PaymentStatus = "rejected"
	PaymentFailed   PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentPaid, PaymentRejected, PaymentFailed:
		return true
	}
	return false
}

// Payment is a bounty payment request moving through the multi-signature
// approval flow. It lives in the ledger queue until terminal, then moves
// to history (FAILED stays queued pending operator reconciliation).
type Payment struct {
	ID               string        `json:"payment_id"`
	ReportID         string        `json:"report_id"`
	RecipientAddress string        `json:"recipient_address"`
	AmountSats       int64         `json:"amount_sats"`
	Status           PaymentStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ApprovedAt       *time.Time    `json:"approved_at,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	Txid             string        `json:"txid,omitempty"`
	Approvers        []string      `json:"approvers"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`
}

// ApprovedBy reports whether the signer already approved this payment.
func (p *Payment) ApprovedBy(signer string) bool {
	for _, a := range p.Approvers {
		if a == signer {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots cannot be mutated by callers.
func (p *Payment) Clone() *Payment {
	out := *p
	out.Approvers = append([]string(nil), p.Approvers...)
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		out.ApprovedAt = &t
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		out.PaidAt = &t
	}
	return &out
}
