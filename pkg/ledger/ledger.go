// Package ledger owns the bounty funds accounting and the multi-signature
// payment state machine. A Ledger is the single mutable money resource of
// a deployment: every mutating operation runs under one mutex, so no
// interleaving can break the funds invariant
//
//	funded >= paid + reserved
//
// or release a reservation twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/minesentry/minesentry/pkg/metrics"
	"github.com/minesentry/minesentry/pkg/report"
	"github.com/minesentry/minesentry/pkg/reward"
)

var (
	// ErrInsufficientFunds is returned when a payment request exceeds the
	// available (unreserved, unpaid) funds. No partial reservation is made.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUnauthorized is returned when a non-signer tries to approve or
	// reject a payment. No state changes.
	ErrUnauthorized = errors.New("ledger: unauthorized signer")

	// ErrInvalidTransition is returned for any operation against a payment
	// or ledger in the wrong state. No state changes.
	ErrInvalidTransition = errors.New("ledger: invalid transition")

	// ErrPaymentNotFound is returned when no queued payment has the id.
	ErrPaymentNotFound = errors.New("ledger: payment not found")

	// ErrSettlementFailed is returned when the send-funds call fails
	// during execution. The payment is FAILED and its funds stay reserved
	// until an operator reconciles.
	ErrSettlementFailed = errors.New("ledger: settlement failed")
)

// State is the lifecycle state of the ledger itself.
type State string

const (
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateClosed  State = "closed"
	StateFunding State = "funding"
)

// Payer is the external send-funds capability, satisfied by the Bitcoin
// oracle client.
type Payer interface {
	SendToAddress(ctx context.Context, address string, amountBTC float64, comment string) (string, error)
}

type Config struct {
	Logger            *slog.Logger
	Clock             clockwork.Clock
	Payer             Payer
	LedgerID          string
	MinSignatures     int
	AuthorizedSigners []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Payer == nil {
		return errors.New("payer is required")
	}
	if cfg.LedgerID == "" {
		cfg.LedgerID = "minesentry_bounty_v1"
	}
	if cfg.MinSignatures <= 0 {
		cfg.MinSignatures = 2
	}
	if len(cfg.AuthorizedSigners) < cfg.MinSignatures {
		return fmt.Errorf("at least %d authorized signers are required", cfg.MinSignatures)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Snapshot is a consistent read-only view of the ledger state.
type Snapshot struct {
	LedgerID          string    `json:"ledger_id"`
	State             State     `json:"state"`
	FundedSats        int64     `json:"total_funded_sats"`
	PaidSats          int64     `json:"total_paid_sats"`
	ReservedSats      int64     `json:"total_reserved_sats"`
	AvailableSats     int64     `json:"available_sats"`
	MinSignatures     int       `json:"min_signatures"`
	AuthorizedSigners []string  `json:"authorized_signers"`
	QueuedPayments    int       `json:"queued_payments"`
	HistoryPayments   int       `json:"history_payments"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Ledger is the funds-accounting and payment state machine.
type Ledger struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	state     State
	funded    int64
	paid      int64
	reserved  int64
	queue     []*Payment
	history   []*Payment
	createdAt time.Time
	updatedAt time.Time
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Clock.Now().UTC()
	l := &Ledger{
		log:       cfg.Logger,
		cfg:       cfg,
		state:     StateActive,
		createdAt: now,
		updatedAt: now,
	}
	l.publishFundsMetrics()
	return l, nil
}

// CreatePaymentRequest reserves funds for a verified report and enqueues a
// PENDING payment. Only one live payment per report is allowed, so a
// report can never reserve funds twice.
func (l *Ledger) CreatePaymentRequest(r *report.Report, recipientAddress string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive {
		return nil, fmt.Errorf("%w: ledger is %s, not active", ErrInvalidTransition, l.state)
	}
	if r.Status != report.StatusVerified {
		return nil, fmt.Errorf("%w: report %s is %s, must be verified", ErrInvalidTransition, r.ID, r.Status)
	}
	if recipientAddress == "" {
		recipientAddress = r.ReporterAddress
	}

	reportID := r.ID.String()
	for _, p := range l.queue {
		if p.ReportID == reportID && !p.Status.Terminal() {
			return nil, fmt.Errorf("%w: report %s already has payment %s (%s)", ErrInvalidTransition, reportID, p.ID, p.Status)
		}
	}

	amount := r.BountySats
	if amount <= 0 {
		amount = reward.ForReport(r)
	}

	available := l.funded - l.paid - l.reserved
	if amount > available {
		return nil, fmt.Errorf("%w: need %d sats, have %d sats available", ErrInsufficientFunds, amount, available)
	}

	now := l.cfg.Clock.Now().UTC()
	p := &Payment{
		ID:               fmt.Sprintf("%s_%s_%d_%s", l.cfg.LedgerID, reportID, now.Unix(), uuid.NewString()[:8]),
		ReportID:         reportID,
		RecipientAddress: recipientAddress,
		AmountSats:       amount,
		Status:           PaymentPending,
		CreatedAt:        now,
	}

	l.reserved += amount
	l.queue = append(l.queue, p)
	l.touch(now)

	metrics.PaymentsTotal.WithLabelValues(string(PaymentPending)).Inc()
	l.log.Info("ledger: payment request created",
		"payment_id", p.ID, "report_id", reportID, "amount_sats", amount, "available_sats", available-amount)
	return p.Clone(), nil
}

// ApprovalResult reports the outcome of an approval.
type ApprovalResult struct {
	Payment  *Payment `json:"payment"`
	Approved bool     `json:"approved"`
	Message  string   `json:"message"`
}

// ApprovePayment records one signer's approval. Duplicate approvals by the
// same signer are no-ops; the payment becomes APPROVED exactly when the
// distinct approver count first reaches the quorum.
func (l *Ledger) ApprovePayment(paymentID, signer string) (*ApprovalResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isAuthorized(signer) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, signer)
	}
	p := l.findQueued(paymentID)
	if p == nil {
		if settled := l.findSettled(paymentID); settled != nil {
			return nil, fmt.Errorf("%w: payment %s is already %s", ErrInvalidTransition, paymentID, settled.Status)
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if p.Status != PaymentPending {
		return nil, fmt.Errorf("%w: payment %s is already %s", ErrInvalidTransition, paymentID, p.Status)
	}

	if !p.ApprovedBy(signer) {
		p.Approvers = append(p.Approvers, signer)
	}

	now := l.cfg.Clock.Now().UTC()
	l.touch(now)

	if len(p.Approvers) >= l.cfg.MinSignatures {
		p.Status = PaymentApproved
		p.ApprovedAt = &now
		metrics.PaymentsTotal.WithLabelValues(string(PaymentApproved)).Inc()
		l.log.Info("ledger: payment approved", "payment_id", p.ID, "approvers", len(p.Approvers))
		return &ApprovalResult{
			Payment:  p.Clone(),
			Approved: true,
			Message:  "payment approved and ready to execute",
		}, nil
	}

	return &ApprovalResult{
		Payment:  p.Clone(),
		Approved: false,
		Message:  fmt.Sprintf("approval added (%d/%d signatures)", len(p.Approvers), l.cfg.MinSignatures),
	}, nil
}

// RejectPayment rejects a PENDING payment, releasing its reservation and
// moving it to history.
func (l *Ledger) RejectPayment(paymentID, signer, reason string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isAuthorized(signer) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, signer)
	}
	p := l.findQueued(paymentID)
	if p == nil {
		if settled := l.findSettled(paymentID); settled != nil {
			return nil, fmt.Errorf("%w: payment %s is already %s", ErrInvalidTransition, paymentID, settled.Status)
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if p.Status != PaymentPending {
		return nil, fmt.Errorf("%w: payment %s is %s, only pending payments can be rejected", ErrInvalidTransition, paymentID, p.Status)
	}

	p.Status = PaymentRejected
	p.RejectionReason = reason
	l.reserved -= p.AmountSats
	l.moveToHistory(p)
	l.touch(l.cfg.Clock.Now().UTC())

	metrics.PaymentsTotal.WithLabelValues(string(PaymentRejected)).Inc()
	l.log.Info("ledger: payment rejected", "payment_id", p.ID, "signer", signer, "reason", reason)

	if err := l.invariantLocked(); err != nil {
		l.log.Error("ledger: funds invariant broken after reject", "error", err)
	}
	return p.Clone(), nil
}

// ExecutePayment sends the funds for an APPROVED payment. The send-funds
// capability is called exactly once; on failure the payment is FAILED in
// place and its funds stay reserved for operator reconciliation. The
// ledger lock is held across the send so no other mutation can observe a
// mid-transition state.
func (l *Ledger) ExecutePayment(ctx context.Context, paymentID string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.findQueued(paymentID)
	if p == nil {
		if settled := l.findSettled(paymentID); settled != nil {
			return nil, fmt.Errorf("%w: payment %s is already %s", ErrInvalidTransition, paymentID, settled.Status)
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if p.Status != PaymentApproved {
		return nil, fmt.Errorf("%w: payment %s is %s, only approved payments can be executed", ErrInvalidTransition, paymentID, p.Status)
	}

	amountBTC := float64(p.AmountSats) / 1e8
	comment := fmt.Sprintf("bounty payment for report %s", p.ReportID)

	txid, err := l.cfg.Payer.SendToAddress(ctx, p.RecipientAddress, amountBTC, comment)
	if err != nil {
		p.Status = PaymentFailed
		l.touch(l.cfg.Clock.Now().UTC())
		metrics.PaymentsTotal.WithLabelValues(string(PaymentFailed)).Inc()
		l.log.Error("ledger: payment execution failed, funds remain reserved",
			"payment_id", p.ID, "amount_sats", p.AmountSats, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	now := l.cfg.Clock.Now().UTC()
	p.Status = PaymentPaid
	p.Txid = txid
	p.PaidAt = &now
	l.paid += p.AmountSats
	l.reserved -= p.AmountSats
	l.moveToHistory(p)
	l.touch(now)

	metrics.PaymentsTotal.WithLabelValues(string(PaymentPaid)).Inc()
	l.log.Info("ledger: payment executed",
		"payment_id", p.ID, "amount_sats", p.AmountSats, "txid", txid)

	if err := l.invariantLocked(); err != nil {
		l.log.Error("ledger: funds invariant broken after execute", "error", err)
	}
	return p.Clone(), nil
}

// Fund adds funds to the ledger.
func (l *Ledger) Fund(amountSats int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amountSats <= 0 {
		return fmt.Errorf("%w: fund amount must be positive, got %d", ErrInvalidTransition, amountSats)
	}
	if l.state == StateClosed {
		return fmt.Errorf("%w: ledger is closed", ErrInvalidTransition)
	}

	l.funded += amountSats
	l.touch(l.cfg.Clock.Now().UTC())
	l.log.Info("ledger: funded", "amount_sats", amountSats, "total_funded_sats", l.funded)
	return nil
}

// Pause stops acceptance of new payment requests.
func (l *Ledger) Pause() error {
	return l.transition(StateActive, StatePaused)
}

// Resume reactivates a paused ledger.
func (l *Ledger) Resume() error {
	return l.transition(StatePaused, StateActive)
}

// Close permanently closes the ledger. Queued payments can still be
// approved and executed; no new requests are accepted.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive && l.state != StatePaused {
		return fmt.Errorf("%w: cannot close ledger in state %s", ErrInvalidTransition, l.state)
	}
	l.state = StateClosed
	l.touch(l.cfg.Clock.Now().UTC())
	l.log.Info("ledger: closed")
	return nil
}

func (l *Ledger) transition(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != from {
		return fmt.Errorf("%w: ledger is %s, expected %s", ErrInvalidTransition, l.state, from)
	}
	l.state = to
	l.touch(l.cfg.Clock.Now().UTC())
	l.log.Info("ledger: state changed", "from", from, "to", to)
	return nil
}

// GetState returns a consistent snapshot of the ledger.
func (l *Ledger) GetState() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Snapshot{
		LedgerID:          l.cfg.LedgerID,
		State:             l.state,
		FundedSats:        l.funded,
		PaidSats:          l.paid,
		ReservedSats:      l.reserved,
		AvailableSats:     l.funded - l.paid - l.reserved,
		MinSignatures:     l.cfg.MinSignatures,
		AuthorizedSigners: append([]string(nil), l.cfg.AuthorizedSigners...),
		QueuedPayments:    len(l.queue),
		HistoryPayments:   len(l.history),
		CreatedAt:         l.createdAt,
		UpdatedAt:         l.updatedAt,
	}
}

// PaymentQueue returns copies of the queued payments in creation order.
func (l *Ledger) PaymentQueue() []*Payment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Payment, 0, len(l.queue))
	for _, p := range l.queue {
		out = append(out, p.Clone())
	}
	return out
}

// PaymentHistory returns copies of the terminal payments, oldest first.
func (l *Ledger) PaymentHistory() []*Payment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Payment, 0, len(l.history))
	for _, p := range l.history {
		out = append(out, p.Clone())
	}
	return out
}

// GetPayment looks up a payment in the queue or history.
func (l *Ledger) GetPayment(paymentID string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p := l.findQueued(paymentID); p != nil {
		return p.Clone(), nil
	}
	for _, p := range l.history {
		if p.ID == paymentID {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
}

// Invariant verifies the funds accounting. A non-nil return means the
// ledger state is corrupt; tests treat it as fatal.
func (l *Ledger) Invariant() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invariantLocked()
}

func (l *Ledger) invariantLocked() error {
	if l.reserved < 0 {
		return fmt.Errorf("reserved is negative: %d", l.reserved)
	}
	if l.paid < 0 {
		return fmt.Errorf("paid is negative: %d", l.paid)
	}
	if l.funded < l.paid+l.reserved {
		return fmt.Errorf("funded %d < paid %d + reserved %d", l.funded, l.paid, l.reserved)
	}
	return nil
}

func (l *Ledger) isAuthorized(signer string) bool {
	for _, s := range l.cfg.AuthorizedSigners {
		if s == signer {
			return true
		}
	}
	return false
}

func (l *Ledger) findQueued(paymentID string) *Payment {
	for _, p := range l.queue {
		if p.ID == paymentID {
			return p
		}
	}
	return nil
}

func (l *Ledger) findSettled(paymentID string) *Payment {
	for _, p := range l.history {
		if p.ID == paymentID {
			return p
		}
	}
	return nil
}

func (l *Ledger) moveToHistory(p *Payment) {
	for i, q := range l.queue {
		if q.ID == p.ID {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	l.history = append(l.history, p)
}

func (l *Ledger) touch(now time.Time) {
	l.updatedAt = now
	l.publishFundsMetrics()
}

func (l *Ledger) publishFundsMetrics() {
	metrics.LedgerFundsSats.WithLabelValues("funded").Set(float64(l.funded))
	metrics.LedgerFundsSats.WithLabelValues("paid").Set(float64(l.paid))
	metrics.LedgerFundsSats.WithLabelValues("reserved").Set(float64(l.reserved))
	metrics.LedgerFundsSats.WithLabelValues("available").Set(float64(l.funded - l.paid - l.reserved))
}
