package settle

import (
	"context"
	"log/slog"
)

// FastRail is a secondary low-latency payment rail. Implementations
// report availability per send; the payer falls back to the on-chain
// rail whenever the fast rail is unavailable or fails.
type FastRail interface {
	Available(ctx context.Context) bool
	Send(ctx context.Context, address string, amountBTC float64, memo string) (string, error)
}

// UnavailableFastRail is the placeholder rail used until a real fast
// rail is wired in. It is never available.
type UnavailableFastRail struct{}

func (UnavailableFastRail) Available(context.Context) bool { return false }

func (UnavailableFastRail) Send(context.Context, string, float64, string) (string, error) {
	return "", context.Canceled
}

// OnchainPayer is the on-chain send capability, satisfied by the
// bitcoin client.
type OnchainPayer interface {
	SendToAddress(ctx context.Context, address string, amountBTC float64, comment string) (string, error)
}

// Payer routes bounty payouts: fast rail first when available, on-chain
// otherwise. It satisfies the ledger's payer capability.
type Payer struct {
	log   *slog.Logger
	chain OnchainPayer
	fast  FastRail
}

func NewPayer(log *slog.Logger, chain OnchainPayer, fast FastRail) *Payer {
	if fast == nil {
		fast = UnavailableFastRail{}
	}
	return &Payer{log: log, chain: chain, fast: fast}
}

func (p *Payer) SendToAddress(ctx context.Context, address string, amountBTC float64, comment string) (string, error) {
	if p.fast.Available(ctx) {
		txid, err := p.fast.Send(ctx, address, amountBTC, comment)
		if err == nil {
			return txid, nil
		}
		p.log.Warn("settle: fast rail send failed, falling back to on-chain", "error", err)
	}
	return p.chain.SendToAddress(ctx, address, amountBTC, comment)
}
