package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network selects the chain parameters used for local address decoding.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

func (n Network) Params() *chaincfg.Params {
	switch n {
	case NetworkTestnet:
		return &chaincfg.TestNet3Params
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Address length bounds for the format heuristic used when neither the
// node nor local decoding is conclusive.
const (
	minAddressLen = 26
	maxAddressLen = 62
)

// CheckAddress reports whether the address looks valid. It asks the node
// first; if the node is unreachable it decodes the address locally, and as
// a last resort applies a length heuristic so that an oracle outage alone
// never rejects a report.
func (c *Client) CheckAddress(ctx context.Context, address string, network Network) bool {
	info, err := c.ValidateAddress(ctx, address)
	if err == nil {
		return info.IsValid
	}
	c.log.Debug("bitcoin: validateaddress unavailable, falling back to local decode", "error", err)
	return CheckAddressOffline(address, network)
}

// CheckAddressOffline validates an address without a node: btcutil decode
// against the network parameters, falling back to a length check for
// formats btcutil does not know.
func CheckAddressOffline(address string, network Network) bool {
	if len(address) < minAddressLen || len(address) > maxAddressLen {
		return false
	}
	addr, err := btcutil.DecodeAddress(address, network.Params())
	if err != nil {
		// Unknown encoding; the length bound already passed.
		return true
	}
	return addr.IsForNet(network.Params())
}
