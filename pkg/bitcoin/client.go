package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minesentry/minesentry/pkg/metrics"
	"github.com/minesentry/minesentry/pkg/retry"
)

// ErrNotFound is returned when the node does not know the requested
// block or transaction.
var ErrNotFound = errors.New("bitcoin: not found")

// Bitcoin Core JSON-RPC error codes the client maps to ErrNotFound.
const (
	rpcErrInvalidAddressOrKey = -5 // block/tx not found
	rpcErrInvalidParameter    = -8
)

// RPCError is a JSON-RPC 2.0 error returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error: %s (code %d)", e.Message, e.Code)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type Config struct {
	Logger   *slog.Logger
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	Retry    retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client is a Bitcoin Core JSON-RPC client. It is safe for concurrent use.
type Client struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	start := time.Now()
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		return c.callOnce(ctx, method, params, out)
	})
	metrics.OracleRequestDuration.Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OracleRequestsTotal.WithLabelValues(method, status).Inc()
	return err
}

func (c *Client) callOnce(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// Bitcoin Core returns 500 with a JSON-RPC error body for application
	// errors, so decode the body before checking the status code.
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcErrInvalidAddressOrKey || rpcResp.Error.Code == rpcErrInvalidParameter {
			return fmt.Errorf("%w: %s", ErrNotFound, rpcResp.Error.Message)
		}
		return rpcResp.Error
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// GetBlock fetches a block by hash at verbosity 2 (full tx objects).
func (c *Client) GetBlock(ctx context.Context, hash string) (*Block, error) {
	var block Block
	if err := c.call(ctx, "getblock", []any{hash, 2}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlockByHeight resolves the hash at the given height and fetches the block.
func (c *Client) GetBlockByHeight(ctx context.Context, height int64) (*Block, error) {
	hash, err := c.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	return c.GetBlock(ctx, hash)
}

// GetBlockHash returns the hash of the block at the given height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.call(ctx, "getblockhash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlockHeader fetches a verbose block header by hash.
func (c *Client) GetBlockHeader(ctx context.Context, hash string) (*BlockHeader, error) {
	var header BlockHeader
	if err := c.call(ctx, "getblockheader", []any{hash, true}, &header); err != nil {
		return nil, err
	}
	return &header, nil
}

// GetBestBlockHash returns the hash of the chain tip.
func (c *Client) GetBestBlockHash(ctx context.Context) (string, error) {
	var hash string
	if err := c.call(ctx, "getbestblockhash", nil, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlockCount returns the current chain height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := c.call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetRawTransaction fetches a verbose transaction. blockHash narrows the
// lookup for nodes without txindex; pass "" to search the index/mempool.
// Returns ErrNotFound if the node does not know the transaction.
func (c *Client) GetRawTransaction(ctx context.Context, txid string, blockHash string) (*TxInfo, error) {
	params := []any{txid, true}
	if blockHash != "" {
		params = append(params, blockHash)
	}
	var tx TxInfo
	if err := c.call(ctx, "getrawtransaction", params, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetRawMempool returns the txids currently in the node's mempool.
func (c *Client) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.call(ctx, "getrawmempool", []any{false}, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

// ValidateAddress asks the node whether the address is valid.
func (c *Client) ValidateAddress(ctx context.Context, address string) (*AddressInfo, error) {
	var info AddressInfo
	if err := c.call(ctx, "validateaddress", []any{address}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EstimateSmartFee estimates the fee rate for confirmation within the
// given number of blocks.
func (c *Client) EstimateSmartFee(ctx context.Context, blocks int) (*FeeEstimate, error) {
	var est FeeEstimate
	if err := c.call(ctx, "estimatesmartfee", []any{blocks}, &est); err != nil {
		return nil, err
	}
	return &est, nil
}

// SendToAddress sends the given amount (in BTC) to the address and returns
// the txid. Used for bounty payouts.
func (c *Client) SendToAddress(ctx context.Context, address string, amountBTC float64, comment string) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []any{address, amountBTC, comment}, &txid); err != nil {
		return "", err
	}
	c.log.Info("bitcoin: sent payment", "address", address, "amount_btc", amountBTC, "txid", txid)
	return txid, nil
}

// TxInBlock reports whether the transaction is included in the given block.
func (c *Client) TxInBlock(ctx context.Context, txid, blockHash string) (bool, error) {
	block, err := c.GetBlock(ctx, blockHash)
	if err != nil {
		return false, err
	}
	return block.HasTx(txid), nil
}

// CoinbaseInfo extracts pool identification data from the block's coinbase
// transaction, if present.
func (c *Client) CoinbaseInfo(ctx context.Context, blockHash string) (*CoinbaseInfo, error) {
	block, err := c.GetBlock(ctx, blockHash)
	if err != nil {
		return nil, err
	}
	if len(block.Tx) == 0 {
		return nil, fmt.Errorf("%w: block %s has no transactions", ErrNotFound, blockHash)
	}
	coinbase := block.Tx[0]
	return &CoinbaseInfo{
		Txid:        coinbase.Txid,
		CoinbaseHex: coinbase.Hex,
	}, nil
}
