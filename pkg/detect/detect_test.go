package detect

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minesentry/minesentry/pkg/bitcoin"
	"github.com/minesentry/minesentry/pkg/testutil"
)

type mockChain struct {
	GetBlockFunc          func(ctx context.Context, hash string) (*bitcoin.Block, error)
	GetBlockHashFunc      func(ctx context.Context, height int64) (string, error)
	GetRawTransactionFunc func(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error)
}

func (m *mockChain) GetBlock(ctx context.Context, hash string) (*bitcoin.Block, error) {
	return m.GetBlockFunc(ctx, hash)
}

func (m *mockChain) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return m.GetBlockHashFunc(ctx, height)
}

func (m *mockChain) GetRawTransaction(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error) {
	return m.GetRawTransactionFunc(ctx, txid, blockHash)
}

func TestMineSentry_Detect_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			d, err := New(Config{Chain: &mockChain{}})
			require.Error(t, err)
			require.Nil(t, d)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing chain", func(t *testing.T) {
			t.Parallel()
			d, err := New(Config{Logger: testutil.NewLogger()})
			require.Error(t, err)
			require.Nil(t, d)
			require.Contains(t, err.Error(), "chain reader is required")
		})
	})

	t.Run("fills in defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Logger: testutil.NewLogger(), Chain: &mockChain{}}
		require.NoError(t, cfg.Validate())
		require.Equal(t, DefaultMinConfidence, cfg.MinConfidence)
		require.Equal(t, len(methodOrder), cfg.MaxConcurrency)
	})
}

func TestMineSentry_Detect_BlockFetchFailures(t *testing.T) {
	t.Parallel()

	t.Run("returns error when block hash cannot be resolved", func(t *testing.T) {
		t.Parallel()
		d, err := New(Config{
			Logger: testutil.NewLogger(),
			Chain: &mockChain{
				GetBlockHashFunc: func(ctx context.Context, height int64) (string, error) {
					return "", errors.New("connection refused")
				},
			},
		})
		require.NoError(t, err)

		result, err := d.Detect(context.Background(), Params{BlockHeight: 850000})
		require.Error(t, err)
		require.Nil(t, result)
		require.Contains(t, err.Error(), "failed to resolve block hash")
	})

	t.Run("returns error when block cannot be fetched", func(t *testing.T) {
		t.Parallel()
		d, err := New(Config{
			Logger: testutil.NewLogger(),
			Chain: &mockChain{
				GetBlockFunc: func(ctx context.Context, hash string) (*bitcoin.Block, error) {
					return nil, bitcoin.ErrNotFound
				},
			},
		})
		require.NoError(t, err)

		result, err := d.Detect(context.Background(), Params{BlockHeight: 850000, BlockHash: "deadbeef"})
		require.Error(t, err)
		require.Nil(t, result)
		require.Contains(t, err.Error(), "failed to fetch block")
	})
}

// suspiciousBlock is a small, underfull block of young, tiny transactions
// with fees well below the suspected transactions'.
func suspiciousBlock() *bitcoin.Block {
	b := &bitcoin.Block{
		Hash:   "suspicious",
		Height: 850000,
		Time:   1700000000,
	}
	b.Tx = append(b.Tx, bitcoin.BlockTx{
		Txid: "coinbase",
		Vin:  []bitcoin.TxIn{{Coinbase: "03abcdef"}},
	})
	for i := 0; i < 9; i++ {
		b.Tx = append(b.Tx, bitcoin.BlockTx{
			Txid:  fmt.Sprintf("blocktx%d", i),
			Size:  200,
			VSize: 200,
			Fee:   0.00001 * float64(i+1), // increasing, so ordering looks normal
			Vout: []bitcoin.TxOut{{
				Value:        0.5,
				ScriptPubKey: bitcoin.ScriptPubKey{Address: fmt.Sprintf("bc1qaddr%d", i)},
			}},
		})
	}
	b.NTx = len(b.Tx)
	return b
}

func TestMineSentry_Detect_CensoredBlock(t *testing.T) {
	t.Parallel()

	block := suspiciousBlock()
	prevBlock := &bitcoin.Block{Hash: "prev", Height: 849999, Time: 1699999400}
	prevBlock.Tx = append(prevBlock.Tx, bitcoin.BlockTx{Txid: "prevcoinbase", Vin: []bitcoin.TxIn{{Coinbase: "03"}}})
	for i := 0; i < 20; i++ {
		prevBlock.Tx = append(prevBlock.Tx, bitcoin.BlockTx{
			Txid: fmt.Sprintf("prevtx%d", i), Size: 200, VSize: 200, Fee: 0.00002,
		})
	}

	suspected := []string{"excluded1", "excluded2"}

	chain := &mockChain{
		GetBlockFunc: func(ctx context.Context, hash string) (*bitcoin.Block, error) {
			switch hash {
			case block.Hash:
				return block, nil
			case prevBlock.Hash:
				return prevBlock, nil
			}
			return nil, bitcoin.ErrNotFound
		},
		GetBlockHashFunc: func(ctx context.Context, height int64) (string, error) {
			switch height {
			case block.Height:
				return block.Hash, nil
			case prevBlock.Height:
				return prevBlock.Hash, nil
			}
			return "", bitcoin.ErrNotFound
		},
		GetRawTransactionFunc: func(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error) {
			// The suspected transactions are known to the node, pay far
			// above the block's average fee rate, and waited hours.
			return &bitcoin.TxInfo{
				Txid:      txid,
				Size:      200,
				VSize:     200,
				Fee:       0.0002,
				Time:      1699990000,
				BlockTime: 1700000000,
			}, nil
		},
	}

	d, err := New(Config{Logger: testutil.NewLogger(), Chain: chain})
	require.NoError(t, err)

	result, err := d.Detect(context.Background(), Params{
		BlockHeight:    block.Height,
		SuspectedTxids: suspected,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	require.True(t, result.IsCensored)
	require.InDelta(t, 1.0, result.Confidence, 1e-9)
	require.Equal(t, 9, result.EvidenceCount)
	require.Equal(t, suspected, result.MissingTransactions)
	require.InDelta(t, 0.0004, result.ExcludedFeeBTC, 1e-9)

	require.Contains(t, result.Methods, MethodMissingTransactions)
	require.Contains(t, result.Methods, MethodFeeRate)
	require.Contains(t, result.Methods, MethodBlockFullness)
	require.Contains(t, result.Methods, MethodConfirmationTime)
	require.NotContains(t, result.Methods, MethodOrdering)

	require.Contains(t, result.Message, "Censorship detected with 100% confidence")
	require.Contains(t, result.Message, "2 transactions missing from block")

	// Details hold only triggered methods.
	for m, mr := range result.Details {
		require.True(t, mr.Triggered, "method %s in details but not triggered", m)
	}
}

func TestMineSentry_Detect_NormalBlock(t *testing.T) {
	t.Parallel()

	// A full block with uniform fees, diverse addresses, and the suspected
	// transactions included: nothing to see.
	block := &bitcoin.Block{Hash: "normal", Height: 850000, Time: 1700000000}
	block.Tx = append(block.Tx, bitcoin.BlockTx{Txid: "coinbase", Vin: []bitcoin.TxIn{{Coinbase: "03"}}})
	for i := 0; i < 2499; i++ {
		block.Tx = append(block.Tx, bitcoin.BlockTx{
			Txid:  fmt.Sprintf("tx%d", i),
			Size:  300,
			VSize: 300,
			Fee:   0.0001,
			Vout: []bitcoin.TxOut{{
				Value:        0.1,
				ScriptPubKey: bitcoin.ScriptPubKey{Address: fmt.Sprintf("bc1qnormal%d", i)},
			}},
		})
	}

	chain := &mockChain{
		GetBlockFunc: func(ctx context.Context, hash string) (*bitcoin.Block, error) {
			return block, nil
		},
		GetBlockHashFunc: func(ctx context.Context, height int64) (string, error) {
			return block.Hash, nil
		},
		GetRawTransactionFunc: func(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error) {
			return &bitcoin.TxInfo{
				Txid: txid, Size: 300, VSize: 300, Fee: 0.0001,
				Time: 1699999700, BlockTime: 1700000000,
			}, nil
		},
	}

	d, err := New(Config{Logger: testutil.NewLogger(), Chain: chain})
	require.NoError(t, err)

	result, err := d.Detect(context.Background(), Params{
		BlockHeight:    block.Height,
		BlockHash:      block.Hash,
		SuspectedTxids: []string{"tx1", "tx2"},
	})
	require.NoError(t, err)

	require.False(t, result.IsCensored)
	require.Zero(t, result.Confidence)
	require.Empty(t, result.Methods)
	require.Empty(t, result.MissingTransactions)
	require.Contains(t, result.Message, "Censorship not detected")
}

func TestMineSentry_Detect_MethodFailureDegrades(t *testing.T) {
	t.Parallel()

	// The previous block is unreachable: historical analysis records its
	// error and the run still completes.
	block := suspiciousBlock()
	chain := &mockChain{
		GetBlockFunc: func(ctx context.Context, hash string) (*bitcoin.Block, error) {
			if hash == block.Hash {
				return block, nil
			}
			return nil, errors.New("connection refused")
		},
		GetBlockHashFunc: func(ctx context.Context, height int64) (string, error) {
			if height == block.Height {
				return block.Hash, nil
			}
			return "", errors.New("connection refused")
		},
		GetRawTransactionFunc: func(ctx context.Context, txid, blockHash string) (*bitcoin.TxInfo, error) {
			return nil, bitcoin.ErrNotFound
		},
	}

	d, err := New(Config{Logger: testutil.NewLogger(), Chain: chain})
	require.NoError(t, err)

	result, err := d.Detect(context.Background(), Params{
		BlockHeight:    block.Height,
		BlockHash:      block.Hash,
		SuspectedTxids: []string{"unknown1"},
	})
	require.NoError(t, err)
	require.NotContains(t, result.Methods, MethodHistorical)
	require.NotContains(t, result.Methods, MethodMissingTransactions)
}

func TestMineSentry_Detect_ConfidenceScore(t *testing.T) {
	t.Parallel()

	t.Run("no triggered methods scores zero", func(t *testing.T) {
		t.Parallel()
		require.Zero(t, confidenceScore(nil, 0))
		require.Zero(t, confidenceScore(nil, 50))
	})

	t.Run("single critical method", func(t *testing.T) {
		t.Parallel()
		// 0.15 method + 0.05 evidence + 0.1 critical bonus.
		score := confidenceScore([]Method{MethodMissingTransactions}, 1)
		require.InDelta(t, 0.3, score, 1e-9)
	})

	t.Run("single non-critical method", func(t *testing.T) {
		t.Parallel()
		score := confidenceScore([]Method{MethodBlockFullness}, 1)
		require.InDelta(t, 0.2, score, 1e-9)
	})

	t.Run("all terms cap at one", func(t *testing.T) {
		t.Parallel()
		score := confidenceScore(methodOrder, 100)
		require.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("more evidence never lowers the score", func(t *testing.T) {
		t.Parallel()
		triggered := []Method{MethodMissingTransactions, MethodFeeRate}
		prev := 0.0
		for evidence := 0; evidence <= 30; evidence++ {
			score := confidenceScore(triggered, evidence)
			require.GreaterOrEqual(t, score, prev)
			prev = score
		}
	})

	t.Run("more methods never lower the score", func(t *testing.T) {
		t.Parallel()
		prev := 0.0
		for n := 1; n <= len(methodOrder); n++ {
			score := confidenceScore(methodOrder[:n], 5)
			require.GreaterOrEqual(t, score, prev)
			prev = score
		}
	})

	t.Run("rounds to two decimals", func(t *testing.T) {
		t.Parallel()
		score := confidenceScore([]Method{MethodOrdering}, 3)
		require.Equal(t, 0.3, score)
	})
}
