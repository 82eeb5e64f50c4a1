package detect

import (
	"context"
	"slices"
	"sort"

	"github.com/minesentry/minesentry/pkg/bitcoin"
)

// Bounds keeping each heuristic to a small prefix of the block's data, so
// a detection run costs a bounded number of lookups regardless of block
// size. Values match the reference analysis parameters.
const (
	blockFeeRateSample = 100 // block txs sampled for the average fee rate
	outsideTxSample    = 50  // outside (mempool/suspected) txs compared
	orderingSample     = 20  // leading non-coinbase txs for ordering/age
	sizeSample         = 50  // leading non-coinbase txs for size/density/addresses
	confirmationSample = 20  // suspected txs checked for confirmation delay

	maxBlockBytes       = 1_000_000
	fullnessThreshold   = 0.9
	avgTxSizeEstimate   = 250
	fullBlockTxCount    = 2000
	sizeBiasTxCount     = 1500
	youngBlockAgeSecs   = 600
	smallAvgTxBytes     = 250
	densityRatioFloor   = 0.3
	feeDropRatio        = 0.5
	concentrationFloor  = 0.6
	diverseAddressCount = 20
	slowConfirmSecs     = 3600
	outputsPerTx        = 5
)

// runContext carries the shared inputs of one detection run.
type runContext struct {
	chain     ChainReader
	block     *bitcoin.Block
	suspected []string
	mempool   []string
}

func (r *runContext) runMethod(ctx context.Context, m Method) MethodResult {
	switch m {
	case MethodMissingTransactions:
		return r.missingTransactions(ctx)
	case MethodFeeRate:
		return r.feeRateDiscrepancy(ctx)
	case MethodBlockFullness:
		return r.blockFullness()
	case MethodOrdering:
		return r.transactionOrdering()
	case MethodTransactionAge:
		return r.transactionAge()
	case MethodSizePreference:
		return r.sizePreference()
	case MethodFeeDensity:
		return r.feeDensity()
	case MethodHistorical:
		return r.historicalPattern(ctx)
	case MethodAddressPatterns:
		return r.addressPatterns()
	case MethodConfirmationTime:
		return r.confirmationTime(ctx)
	}
	return MethodResult{Method: m}
}

// nonCoinbase returns up to n transactions after the coinbase.
func (r *runContext) nonCoinbase(n int) []bitcoin.BlockTx {
	txs := r.block.Tx
	if len(txs) <= 1 {
		return nil
	}
	txs = txs[1:]
	if len(txs) > n {
		txs = txs[:n]
	}
	return txs
}

// missingTransactions checks whether the suspected transactions are absent
// from the block yet known to the network: still unconfirmed, or confirmed
// in some later block. Either way the pool skipped a spendable tx.
func (r *runContext) missingTransactions(ctx context.Context) MethodResult {
	out := MethodResult{Method: MethodMissingTransactions}
	if len(r.suspected) == 0 {
		return out
	}

	var verifiedMissing []string
	for _, txid := range r.suspected {
		if r.block.HasTx(txid) {
			continue
		}
		tx, err := r.chain.GetRawTransaction(ctx, txid, "")
		if err != nil || tx == nil {
			// Unknown to the node; cannot corroborate.
			continue
		}
		verifiedMissing = append(verifiedMissing, txid)
	}

	out.Triggered = len(verifiedMissing) > 0
	out.EvidencePoints = len(verifiedMissing)
	out.Missing = verifiedMissing
	out.Count = len(r.suspected)
	return out
}

// feeRateDiscrepancy compares the fee rates of an outside reference set
// (prior mempool snapshot, or the suspected txs) against the block's own
// average. Every outside tx beating the block average is one point.
func (r *runContext) feeRateDiscrepancy(ctx context.Context) MethodResult {
	out := MethodResult{Method: MethodFeeRate}

	reference := r.mempool
	if len(reference) == 0 {
		reference = r.suspected
	}
	if len(reference) == 0 {
		return out
	}

	var blockRates []float64
	for i, tx := range r.block.Tx {
		if i >= blockFeeRateSample {
			break
		}
		if tx.VSize > 0 || tx.Size > 0 {
			blockRates = append(blockRates, tx.FeeRate())
		}
	}
	if len(blockRates) == 0 {
		return out
	}
	avgBlockRate := mean(blockRates)

	higherCount := 0
	excludedFee := 0.0
	for i, txid := range reference {
		if i >= outsideTxSample {
			break
		}
		if r.block.HasTx(txid) {
			continue
		}
		tx, err := r.chain.GetRawTransaction(ctx, txid, "")
		if err != nil || tx == nil {
			continue
		}
		if tx.FeeRate() > avgBlockRate {
			higherCount++
			excludedFee += tx.Fee
		}
	}

	out.Triggered = higherCount > 0
	out.EvidencePoints = higherCount
	out.ExcludedFeeBTC = excludedFee
	out.Ratio = avgBlockRate
	return out
}

// blockFullness flags a block with obvious spare room: an underfull block
// has no capacity excuse for leaving fee-paying transactions out.
func (r *runContext) blockFullness() MethodResult {
	out := MethodResult{Method: MethodBlockFullness}

	txCount := len(r.block.Tx)
	estimatedSize := txCount * avgTxSizeEstimate
	fullness := float64(estimatedSize) / maxBlockBytes

	suspicious := fullness < fullnessThreshold && txCount < fullBlockTxCount
	out.Triggered = suspicious
	if suspicious {
		out.EvidencePoints = 1
	}
	out.Ratio = fullness
	out.Count = txCount
	return out
}

// transactionOrdering flags blocks whose leading transactions run mostly
// high-fee to low-fee. Fee-optimal templates are not strictly sorted, but
// a mostly-decreasing prefix suggests manual reordering.
func (r *runContext) transactionOrdering() MethodResult {
	out := MethodResult{Method: MethodOrdering}

	var rates []float64
	for _, tx := range r.nonCoinbase(orderingSample) {
		if tx.VSize > 0 || tx.Size > 0 {
			rates = append(rates, tx.FeeRate())
		}
	}
	if len(rates) < 2 {
		return out
	}

	decreasing := 0
	for i := 1; i < len(rates); i++ {
		if rates[i] < rates[i-1] {
			decreasing++
		}
	}
	ratio := float64(decreasing) / float64(len(rates)-1)

	out.Triggered = ratio > 0.5
	if out.Triggered {
		out.EvidencePoints = 1
	}
	out.Ratio = ratio
	return out
}

// transactionAge flags an underfull block built almost entirely from very
// fresh transactions, suggesting older waiting transactions were skipped.
func (r *runContext) transactionAge() MethodResult {
	out := MethodResult{Method: MethodTransactionAge}

	blockTime := r.block.Time
	if blockTime == 0 {
		return out
	}

	var ages []float64
	for _, tx := range r.nonCoinbase(orderingSample) {
		txTime := tx.Time
		if txTime == 0 {
			txTime = blockTime
		}
		ages = append(ages, float64(blockTime-txTime))
	}
	if len(ages) < 2 {
		return out
	}
	avgAge := mean(ages)

	out.Triggered = avgAge < youngBlockAgeSecs && len(r.block.Tx) < fullBlockTxCount
	if out.Triggered {
		out.EvidencePoints = 1
	}
	out.AverageSeconds = avgAge
	return out
}

// sizePreference flags an underfull block biased toward very small
// transactions, a shape consistent with excluding larger valid ones.
func (r *runContext) sizePreference() MethodResult {
	out := MethodResult{Method: MethodSizePreference}

	var sizes []float64
	for _, tx := range r.nonCoinbase(sizeSample) {
		size := tx.VSize
		if size == 0 {
			size = tx.Size
		}
		if size > 0 {
			sizes = append(sizes, float64(size))
		}
	}
	if len(sizes) < 5 {
		return out
	}
	avgSize := mean(sizes)

	out.Triggered = avgSize < smallAvgTxBytes && len(r.block.Tx) < sizeBiasTxCount
	if out.Triggered {
		out.EvidencePoints = 1
	}
	out.AverageBytes = avgSize
	return out
}

// feeDensity compares the bottom and top fee-per-byte quartiles of the
// leading transactions; a very large spread suggests inclusion wasn't
// driven by fees alone.
func (r *runContext) feeDensity() MethodResult {
	out := MethodResult{Method: MethodFeeDensity}

	var densities []float64
	for _, tx := range r.nonCoinbase(sizeSample) {
		size := tx.VSize
		if size == 0 {
			size = tx.Size
		}
		if size > 0 && tx.Fee > 0 {
			densities = append(densities, tx.Fee/float64(size))
		}
	}
	if len(densities) < 10 {
		return out
	}

	sort.Float64s(densities)
	quartile := len(densities) / 4
	bottomAvg := mean(densities[:quartile])
	topAvg := mean(densities[len(densities)-quartile:])
	if topAvg == 0 {
		return out
	}

	ratio := bottomAvg / topAvg
	out.Triggered = ratio < densityRatioFloor
	if out.Triggered {
		out.EvidencePoints = 1
	}
	out.Ratio = ratio
	return out
}

// historicalPattern compares the block with its predecessor: average fees
// halved while the transaction count also dropped is an abrupt deviation.
func (r *runContext) historicalPattern(ctx context.Context) MethodResult {
	out := MethodResult{Method: MethodHistorical}

	if r.block.Height <= 1 {
		return out
	}
	prevHash, err := r.chain.GetBlockHash(ctx, r.block.Height-1)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	prevBlock, err := r.chain.GetBlock(ctx, prevHash)
	if err != nil {
		out.Err = err.Error()
		return out
	}

	currentFees := leadingFees(r.block, orderingSample)
	prevFees := leadingFees(prevBlock, orderingSample)
	if len(currentFees) == 0 || len(prevFees) == 0 {
		return out
	}

	prevAvg := mean(prevFees)
	if prevAvg == 0 {
		return out
	}
	feeRatio := mean(currentFees) / prevAvg

	out.Triggered = feeRatio < feeDropRatio && len(r.block.Tx) < len(prevBlock.Tx)
	if out.Triggered {
		out.EvidencePoints = 1
	}
	out.Ratio = feeRatio
	out.Count = len(r.block.Tx) - len(prevBlock.Tx)
	return out
}

// addressPatterns flags blocks whose leading outputs concentrate on a
// handful of addresses, a clustering shape normal templates rarely show.
func (r *runContext) addressPatterns() MethodResult {
	out := MethodResult{Method: MethodAddressPatterns}

	addressCounts := make(map[string]int)
	total := 0
	for _, tx := range r.nonCoinbase(sizeSample) {
		outputs := tx.Vout
		if len(outputs) > outputsPerTx {
			outputs = outputs[:outputsPerTx]
		}
		for _, o := range outputs {
			if o.ScriptPubKey.Address == "" {
				continue
			}
			addressCounts[o.ScriptPubKey.Address]++
			total++
		}
	}
	if len(addressCounts) < 2 || total == 0 {
		return out
	}

	counts := make([]int, 0, len(addressCounts))
	for _, c := range addressCounts {
		counts = append(counts, c)
	}
	slices.SortFunc(counts, func(a, b int) int { return b - a })
	if len(counts) > 5 {
		counts = counts[:5]
	}
	topSum := 0
	for _, c := range counts {
		topSum += c
	}
	concentration := float64(topSum) / float64(total)

	out.Triggered = concentration > concentrationFloor && len(addressCounts) < diverseAddressCount
	if out.Triggered {
		out.EvidencePoints = 1
	}
	out.Ratio = concentration
	out.Count = len(addressCounts)
	return out
}

// confirmationTime measures how long the suspected transactions waited
// between broadcast and confirmation. Delays over an hour weigh double.
func (r *runContext) confirmationTime(ctx context.Context) MethodResult {
	out := MethodResult{Method: MethodConfirmationTime}
	if len(r.suspected) == 0 {
		return out
	}

	var waits []float64
	for i, txid := range r.suspected {
		if i >= confirmationSample {
			break
		}
		tx, err := r.chain.GetRawTransaction(ctx, txid, "")
		if err != nil || tx == nil {
			continue
		}
		if tx.Time > 0 && tx.BlockTime > 0 {
			if wait := tx.BlockTime - tx.Time; wait > 0 {
				waits = append(waits, float64(wait))
			}
		}
	}
	if len(waits) == 0 {
		return out
	}
	avgWait := mean(waits)

	out.Triggered = avgWait > slowConfirmSecs
	if out.Triggered {
		out.EvidencePoints = 2
	}
	out.AverageSeconds = avgWait
	out.Count = len(waits)
	return out
}

func leadingFees(b *bitcoin.Block, n int) []float64 {
	var fees []float64
	txs := b.Tx
	if len(txs) <= 1 {
		return nil
	}
	txs = txs[1:]
	if len(txs) > n {
		txs = txs[:n]
	}
	for _, tx := range txs {
		if tx.Fee > 0 {
			fees = append(fees, tx.Fee)
		}
	}
	return fees
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
