// Package settle orchestrates the report lifecycle end to end: intake,
// validation, human verification, and bounty settlement through the
// ledger.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/minesentry/minesentry/pkg/ledger"
	"github.com/minesentry/minesentry/pkg/metrics"
	"github.com/minesentry/minesentry/pkg/report"
	"github.com/minesentry/minesentry/pkg/reward"
	"github.com/minesentry/minesentry/pkg/validate"
)

// ReportValidator is the validation capability the orchestrator consumes.
type ReportValidator interface {
	Validate(ctx context.Context, r *report.Report, useDetection bool) *validate.Outcome
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     report.Store
	Validator ReportValidator
	Ledger    *ledger.Ledger

	// RevalidateOnSettle re-scores censorship reports at payment
	// creation; a no-longer-confident score refuses the payment.
	RevalidateOnSettle bool

	// ValidateTimeout bounds the background validation run after submit.
	ValidateTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("report store is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ValidateTimeout == 0 {
		cfg.ValidateTimeout = 2 * time.Minute
	}
	return nil
}

// Orchestrator wires the report store, validator, and ledger together.
type Orchestrator struct {
	log *slog.Logger
	cfg Config

	wg sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// SubmitReport persists a new report as PENDING with a provisional bounty
// and kicks off validation in the background. The caller gets an ack
// immediately; the verdict lands in the store.
func (o *Orchestrator) SubmitReport(ctx context.Context, r *report.Report) (*report.Report, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = o.cfg.Clock.Now().UTC()
	}
	r.Status = report.StatusPending
	r.BountySats = reward.ForReport(r)

	if err := o.cfg.Store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to persist report: %w", err)
	}

	metrics.ReportsSubmittedTotal.WithLabelValues(string(r.EvidenceKind)).Inc()
	o.log.Info("settle: report submitted",
		"report_id", r.ID, "evidence_kind", r.EvidenceKind, "block_height", r.BlockHeight, "bounty_sats", r.BountySats)

	id := r.ID
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		vctx, cancel := context.WithTimeout(context.Background(), o.cfg.ValidateTimeout)
		defer cancel()
		if _, _, err := o.ValidateReport(vctx, id, true); err != nil {
			o.log.Error("settle: background validation failed", "report_id", id, "error", err)
		}
	}()

	return r.Clone(), nil
}

// Wait blocks until all background validations have finished. Used on
// shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ValidateReport runs the validator against a stored report and records
// the verdict: UNDER_REVIEW on success, REJECTED on failure. Verified
// reports are immutable and are not re-validated.
func (o *Orchestrator) ValidateReport(ctx context.Context, id uuid.UUID, useDetection bool) (*report.Report, *validate.Outcome, error) {
	r, err := o.cfg.Store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if r.Status == report.StatusVerified {
		return nil, nil, fmt.Errorf("report %s is already verified", id)
	}

	out := o.cfg.Validator.Validate(ctx, r, useDetection)

	updated, err := o.cfg.Store.Update(ctx, id, func(stored *report.Report) error {
		stored.Status = out.Status
		if stored.BlockHash == "" {
			stored.BlockHash = r.BlockHash // resolved from height during validation
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record validation verdict: %w", err)
	}
	return updated, out, nil
}

// VerifyReport marks an UNDER_REVIEW report as VERIFIED by a human
// reviewer and finalizes its bounty.
func (o *Orchestrator) VerifyReport(ctx context.Context, id uuid.UUID, verifier string) (*report.Report, error) {
	if verifier == "" {
		return nil, errors.New("verifier is required")
	}
	now := o.cfg.Clock.Now().UTC()
	r, err := o.cfg.Store.Update(ctx, id, func(stored *report.Report) error {
		if stored.Status != report.StatusUnderReview {
			return fmt.Errorf("report is %s, only under_review reports can be verified", stored.Status)
		}
		stored.Status = report.StatusVerified
		stored.VerifiedBy = verifier
		stored.VerifiedAt = &now
		stored.BountySats = reward.ForReport(stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("settle: report verified",
		"report_id", id, "verified_by", verifier, "bounty_sats", r.BountySats)
	return r, nil
}

// CreatePayment reserves a bounty payment for a verified report. With
// RevalidateOnSettle on, censorship reports are re-scored first and a
// failed re-score refuses the payment.
func (o *Orchestrator) CreatePayment(ctx context.Context, reportID uuid.UUID, recipientAddress string) (*ledger.Payment, error) {
	r, err := o.cfg.Store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}

	if o.cfg.RevalidateOnSettle && r.EvidenceKind == report.KindCensorship {
		if out := o.cfg.Validator.Validate(ctx, r.Clone(), true); !out.Valid {
			return nil, fmt.Errorf("%w: re-validation before settlement failed: %s", ledger.ErrInvalidTransition, out.Message)
		}
	}

	return o.cfg.Ledger.CreatePaymentRequest(r, recipientAddress)
}

// ApprovePayment adds one signature to a pending payment.
func (o *Orchestrator) ApprovePayment(paymentID, signer string) (*ledger.ApprovalResult, error) {
	return o.cfg.Ledger.ApprovePayment(paymentID, signer)
}

// RejectPayment rejects a pending payment and releases its reservation.
func (o *Orchestrator) RejectPayment(paymentID, signer, reason string) (*ledger.Payment, error) {
	return o.cfg.Ledger.RejectPayment(paymentID, signer, reason)
}

// ExecutePayment settles an approved payment and records the settlement
// txid on the report. Settlement failures are reported upstream.
func (o *Orchestrator) ExecutePayment(ctx context.Context, paymentID string) (*ledger.Payment, error) {
	p, err := o.cfg.Ledger.ExecutePayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrSettlementFailed) {
			sentry.CaptureException(err)
		}
		return nil, err
	}

	if reportID, perr := uuid.Parse(p.ReportID); perr == nil {
		if _, uerr := o.cfg.Store.Update(ctx, reportID, func(stored *report.Report) error {
			stored.SettlementTxid = p.Txid
			return nil
		}); uerr != nil {
			o.log.Error("settle: payment settled but report update failed",
				"payment_id", p.ID, "report_id", p.ReportID, "txid", p.Txid, "error", uerr)
		}
	}
	return p, nil
}

// Fund adds funds to the bounty ledger.
func (o *Orchestrator) Fund(amountSats int64) (ledger.Snapshot, error) {
	if err := o.cfg.Ledger.Fund(amountSats); err != nil {
		return ledger.Snapshot{}, err
	}
	return o.cfg.Ledger.GetState(), nil
}

func (o *Orchestrator) LedgerState() ledger.Snapshot      { return o.cfg.Ledger.GetState() }
func (o *Orchestrator) PaymentQueue() []*ledger.Payment   { return o.cfg.Ledger.PaymentQueue() }
func (o *Orchestrator) PaymentHistory() []*ledger.Payment { return o.cfg.Ledger.PaymentHistory() }

func (o *Orchestrator) GetPayment(paymentID string) (*ledger.Payment, error) {
	return o.cfg.Ledger.GetPayment(paymentID)
}

func (o *Orchestrator) GetReport(ctx context.Context, id uuid.UUID) (*report.Report, error) {
	return o.cfg.Store.Get(ctx, id)
}

func (o *Orchestrator) ListReports(ctx context.Context, f report.Filter) ([]*report.Report, error) {
	return o.cfg.Store.List(ctx, f)
}

func (o *Orchestrator) DeleteReport(ctx context.Context, id uuid.UUID) error {
	return o.cfg.Store.Delete(ctx, id)
}

func (o *Orchestrator) ReportStats(ctx context.Context) (*report.Stats, error) {
	return o.cfg.Store.Stats(ctx)
}
