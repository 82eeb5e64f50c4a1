// Package detect scores how plausibly a block's contents show transaction
// censorship by a mining pool. Ten independent heuristics each examine a
// bounded prefix of the block's data and vote with evidence points; the
// combiner folds the votes into a bounded confidence score.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/minesentry/minesentry/pkg/bitcoin"
	"github.com/minesentry/minesentry/pkg/metrics"
)

// ChainReader is the oracle capability the detector consumes.
type ChainReader interface {
	GetBlock(ctx context.Context, hash string) (*bitcoin.Block, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetRawTransaction(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error)
}

type Config struct {
	Logger *slog.Logger
	Chain  ChainReader

	// MinConfidence is the threshold at or above which a run is flagged
	// as censorship. Defaults to DefaultMinConfidence.
	MinConfidence float64

	// MaxConcurrency bounds how many heuristics run in parallel.
	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain reader is required")
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = len(methodOrder)
	}
	return nil
}

// Detector runs the censorship heuristics. Stateless and safe for
// concurrent use across blocks.
type Detector struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{log: cfg.Logger, cfg: cfg}, nil
}

// Params identifies the block under analysis and the reporter's evidence.
type Params struct {
	BlockHeight    int64
	BlockHash      string // resolved from height when empty
	SuspectedTxids []string
	MempoolBefore  []string // optional mempool snapshot taken before the block
}

// Detect runs all heuristics against one block. It fails only when the
// block itself cannot be fetched; individual heuristic failures degrade to
// zero-score results recorded in Details.
func (d *Detector) Detect(ctx context.Context, p Params) (*Result, error) {
	blockHash := p.BlockHash
	if blockHash == "" {
		var err error
		blockHash, err = d.cfg.Chain.GetBlockHash(ctx, p.BlockHeight)
		if err != nil {
			metrics.DetectionRunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to resolve block hash at height %d: %w", p.BlockHeight, err)
		}
	}

	block, err := d.cfg.Chain.GetBlock(ctx, blockHash)
	if err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to fetch block %s: %w", blockHash, err)
	}

	run := &runContext{
		chain:     d.cfg.Chain,
		block:     block,
		suspected: p.SuspectedTxids,
		mempool:   p.MempoolBefore,
	}

	// The heuristics are independent; run them concurrently and wait for
	// all of them. Each writes its own slot, so no partial score is ever
	// observable and a slow RPC in one method does not serialize the rest.
	results := make([]MethodResult, len(methodOrder))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, m := range methodOrder {
		g.Go(func() error {
			results[i] = run.runMethod(gctx, m)
			return nil
		})
	}
	// Methods never return errors; they degrade in place.
	_ = g.Wait()

	return d.combine(results), nil
}

func (d *Detector) combine(results []MethodResult) *Result {
	var triggered []Method
	var missing []string
	var excludedFee float64
	evidenceCount := 0
	details := make(map[Method]MethodResult)

	for _, mr := range results {
		if !mr.Triggered {
			continue
		}
		triggered = append(triggered, mr.Method)
		evidenceCount += mr.EvidencePoints
		details[mr.Method] = mr
		if mr.Method == MethodMissingTransactions {
			missing = append(missing, mr.Missing...)
		}
		if mr.Method == MethodFeeRate {
			excludedFee += mr.ExcludedFeeBTC
		}
	}

	confidence := confidenceScore(triggered, evidenceCount)
	isCensored := confidence >= d.cfg.MinConfidence

	metrics.DetectionRunsTotal.WithLabelValues("ok").Inc()
	metrics.DetectionConfidence.Observe(confidence)
	d.log.Debug("detect: run complete",
		"confidence", confidence,
		"censored", isCensored,
		"triggered", len(triggered),
		"evidence_points", evidenceCount)

	return &Result{
		IsCensored:          isCensored,
		Confidence:          confidence,
		EvidenceCount:       evidenceCount,
		MissingTransactions: missing,
		ExcludedFeeBTC:      excludedFee,
		Methods:             triggered,
		Details:             details,
		Message:             buildMessage(isCensored, confidence, triggered, missing),
	}
}
