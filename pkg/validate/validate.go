// Package validate checks misbehavior reports structurally, against the
// evidence requirements of their kind, and against chain data, and runs
// the censorship detector for censorship claims.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minesentry/minesentry/pkg/bitcoin"
	"github.com/minesentry/minesentry/pkg/detect"
	"github.com/minesentry/minesentry/pkg/metrics"
	"github.com/minesentry/minesentry/pkg/report"
)

// ChainReader is the oracle capability the validator consumes.
type ChainReader interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlockHeader(ctx context.Context, hash string) (*bitcoin.BlockHeader, error)
	GetRawTransaction(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error)
	TxInBlock(ctx context.Context, txid, blockHash string) (bool, error)
	CoinbaseInfo(ctx context.Context, blockHash string) (*bitcoin.CoinbaseInfo, error)
	ValidateAddress(ctx context.Context, address string) (*bitcoin.AddressInfo, error)
}

// Detector runs censorship scoring for censorship-kind reports.
type Detector interface {
	Detect(ctx context.Context, p detect.Params) (*detect.Result, error)
}

// OverridePolicy decides how a detection verdict combines with the
// structural checks for censorship reports.
type OverridePolicy string

const (
	// OverrideVerdict lets the detection verdict replace the structural
	// verdict in both directions: a confident detection validates the
	// report, an unconfident one rejects it.
	OverrideVerdict OverridePolicy = "override"

	// AugmentOnly records the detection result without changing the
	// structural verdict.
	AugmentOnly OverridePolicy = "augment"
)

type Config struct {
	Logger   *slog.Logger
	Chain    ChainReader
	Detector Detector // optional; censorship reports skip scoring when nil
	Network  bitcoin.Network
	Policy   OverridePolicy
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain reader is required")
	}
	if cfg.Network == "" {
		cfg.Network = bitcoin.NetworkMainnet
	}
	if cfg.Policy == "" {
		cfg.Policy = OverrideVerdict
	}
	return nil
}

// Data carries the diagnostic evidence gathered during validation.
type Data struct {
	BlockVerified bool                  `json:"block_verified"`
	VerifiedTxids []string              `json:"verified_txids,omitempty"`
	TxInBlock     map[string]bool       `json:"tx_in_block,omitempty"`
	Coinbase      *bitcoin.CoinbaseInfo `json:"coinbase,omitempty"`
	Detection     *detect.Result        `json:"detection,omitempty"`
}

// Outcome is the validator's verdict on one report.
type Outcome struct {
	Valid   bool          `json:"valid"`
	Message string        `json:"message"`
	Status  report.Status `json:"status"` // under_review on success, rejected on failure
	Data    *Data         `json:"data,omitempty"`
}

// Validator cross-checks reports. Stateless and safe for concurrent use.
type Validator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{log: cfg.Logger, cfg: cfg}, nil
}

// Validate runs the full check pipeline, short-circuiting on the first
// failure. On success it may fill in the report's block hash resolved from
// its height. useDetection toggles the scoring stage for censorship
// reports.
func (v *Validator) Validate(ctx context.Context, r *report.Report, useDetection bool) *Outcome {
	out := v.validate(ctx, r, useDetection)
	metrics.ReportsValidatedTotal.WithLabelValues(string(out.Status)).Inc()
	v.log.Debug("validate: verdict", "report_id", r.ID, "valid", out.Valid, "message", out.Message)
	return out
}

func (v *Validator) validate(ctx context.Context, r *report.Report, useDetection bool) *Outcome {
	if o := v.structural(ctx, r); !o.Valid {
		return o
	}
	if o := v.evidence(r); !o.Valid {
		return o
	}
	o := v.chainCheck(ctx, r)
	if !o.Valid {
		return o
	}

	if useDetection && r.EvidenceKind == report.KindCensorship && v.cfg.Detector != nil {
		if det := v.runDetection(ctx, r, o); det != nil {
			return det
		}
	}

	o.Message = "report validated successfully"
	return o
}

func reject(format string, args ...any) *Outcome {
	return &Outcome{
		Valid:   false,
		Message: fmt.Sprintf(format, args...),
		Status:  report.StatusRejected,
	}
}

func (v *Validator) structural(ctx context.Context, r *report.Report) *Outcome {
	if r.ReporterAddress == "" {
		return reject("reporter address is required")
	}
	if r.PoolAddress == "" {
		return reject("pool address is required")
	}
	if r.BlockHeight <= 0 {
		return reject("valid block height is required")
	}
	if !r.EvidenceKind.Valid() {
		return reject("unknown evidence kind %q", r.EvidenceKind)
	}

	// Address checks prefer the node but must not hard-fail on an oracle
	// outage alone; fall back to local decoding.
	info, err := v.cfg.Chain.ValidateAddress(ctx, r.ReporterAddress)
	if err != nil {
		v.log.Debug("validate: validateaddress unavailable, using local decode", "error", err)
		if !bitcoin.CheckAddressOffline(r.ReporterAddress, v.cfg.Network) {
			return reject("reporter address format appears invalid")
		}
	} else if !info.IsValid {
		return reject("invalid reporter address")
	}

	// Reject heights beyond the chain tip; skip the check if the tip is
	// unknown.
	if height, err := v.cfg.Chain.GetBlockCount(ctx); err == nil && r.BlockHeight > height {
		return reject("block height %d exceeds current height %d", r.BlockHeight, height)
	}

	return &Outcome{Valid: true, Status: report.StatusUnderReview}
}

func (v *Validator) evidence(r *report.Report) *Outcome {
	switch r.EvidenceKind {
	case report.KindCensorship:
		if len(r.TransactionIDs) == 0 {
			return reject("transaction ids required for censorship evidence")
		}
		if r.BlockHash == "" {
			return reject("block hash required for censorship evidence")
		}
	case report.KindDoubleSpendAttempt:
		if len(r.TransactionIDs) < 2 {
			return reject("at least 2 transaction ids required for double spend evidence")
		}
	case report.KindSelfishMining:
		if r.BlockHash == "" {
			return reject("block hash required for selfish mining evidence")
		}
	case report.KindTransactionCensorship:
		if len(r.TransactionIDs) == 0 {
			return reject("transaction ids required for transaction censorship evidence")
		}
	case report.KindBlockReordering, report.KindUnusualBlockTemplate, report.KindOther:
		if len(r.TransactionIDs) == 0 {
			return reject("transaction ids required for evidence kind %s", r.EvidenceKind)
		}
	}
	return &Outcome{Valid: true, Status: report.StatusUnderReview}
}

func (v *Validator) chainCheck(ctx context.Context, r *report.Report) *Outcome {
	data := &Data{}

	// Establish block identity: hash and height must agree. This is the
	// only stage where oracle unavailability is fatal; without a block
	// there is nothing to check evidence against.
	if r.BlockHash != "" {
		header, err := v.cfg.Chain.GetBlockHeader(ctx, r.BlockHash)
		if err != nil {
			return reject("block not found or inaccessible: %v", err)
		}
		if header.Height != r.BlockHeight {
			return reject("block height mismatch: header says %d, report says %d", header.Height, r.BlockHeight)
		}
	} else {
		hash, err := v.cfg.Chain.GetBlockHash(ctx, r.BlockHeight)
		if err != nil {
			return reject("could not retrieve block at height %d: %v", r.BlockHeight, err)
		}
		r.BlockHash = hash
	}
	data.BlockVerified = true

	// Verify each evidence tx is independently retrievable. Per-tx
	// failures are tolerated; all of them failing is not.
	if len(r.TransactionIDs) > 0 {
		data.TxInBlock = make(map[string]bool)
		for _, txid := range r.TransactionIDs {
			tx, err := v.cfg.Chain.GetRawTransaction(ctx, txid, "")
			if err != nil || tx == nil {
				continue
			}
			data.VerifiedTxids = append(data.VerifiedTxids, txid)
			if inBlock, err := v.cfg.Chain.TxInBlock(ctx, txid, r.BlockHash); err == nil {
				data.TxInBlock[txid] = inBlock
			}
		}
		if len(data.VerifiedTxids) == 0 {
			return reject("none of the provided transaction ids could be verified")
		}
	}

	// Coinbase metadata identifies the pool; attach opportunistically.
	if coinbase, err := v.cfg.Chain.CoinbaseInfo(ctx, r.BlockHash); err == nil {
		data.Coinbase = coinbase
	}

	return &Outcome{
		Valid:   true,
		Message: "blockchain verification passed",
		Status:  report.StatusUnderReview,
		Data:    data,
	}
}

// runDetection scores a censorship report. A detector failure is caught
// and ignored, falling back to the structural verdict (nil return). Under
// OverrideVerdict the detection verdict replaces the structural one.
func (v *Validator) runDetection(ctx context.Context, r *report.Report, structural *Outcome) *Outcome {
	result, err := v.cfg.Detector.Detect(ctx, detect.Params{
		BlockHeight:    r.BlockHeight,
		BlockHash:      r.BlockHash,
		SuspectedTxids: r.TransactionIDs,
	})
	if err != nil {
		v.log.Debug("validate: detection failed, keeping structural verdict", "report_id", r.ID, "error", err)
		return nil
	}

	structural.Data.Detection = result

	if v.cfg.Policy == AugmentOnly {
		return nil
	}

	status := report.StatusUnderReview
	if !result.IsCensored {
		status = report.StatusRejected
	}
	return &Outcome{
		Valid:   result.IsCensored,
		Message: result.Message,
		Status:  status,
		Data:    structural.Data,
	}
}
