package bitcoin

// Block is the decoded result of a getblock call at verbosity 2, carrying
// full transaction objects.
type Block struct {
	Hash              string    `json:"hash"`
	Height            int64     `json:"height"`
	Time              int64     `json:"time"`
	MedianTime        int64     `json:"mediantime"`
	Size              int64     `json:"size"`
	Weight            int64     `json:"weight"`
	NTx               int       `json:"nTx"`
	PreviousBlockHash string    `json:"previousblockhash"`
	NextBlockHash     string    `json:"nextblockhash"`
	Tx                []BlockTx `json:"tx"`
}

// TxIDs returns the transaction ids of the block in block order.
func (b *Block) TxIDs() []string {
	ids := make([]string, 0, len(b.Tx))
	for _, tx := range b.Tx {
		ids = append(ids, tx.Txid)
	}
	return ids
}

// HasTx reports whether the block contains the given transaction id.
func (b *Block) HasTx(txid string) bool {
	for _, tx := range b.Tx {
		if tx.Txid == txid {
			return true
		}
	}
	return false
}

// BlockTx is a transaction embedded in a verbosity-2 block. Fee is in BTC
// and is only populated by nodes with txindex or for recent blocks; zero
// means unknown.
type BlockTx struct {
	Txid  string  `json:"txid"`
	Hash  string  `json:"hash"`
	Size  int64   `json:"size"`
	VSize int64   `json:"vsize"`
	Fee   float64 `json:"fee"`
	Time  int64   `json:"time"`
	Hex   string  `json:"hex"`
	Vin   []TxIn  `json:"vin"`
	Vout  []TxOut `json:"vout"`
}

// FeeRate returns the fee rate in sat/vB, or 0 if size or fee is unknown.
func (tx *BlockTx) FeeRate() float64 {
	size := tx.VSize
	if size == 0 {
		size = tx.Size
	}
	if size == 0 {
		return 0
	}
	return tx.Fee / float64(size) * 1e8
}

// IsCoinbase reports whether the transaction is the block's coinbase.
func (tx *BlockTx) IsCoinbase() bool {
	return len(tx.Vin) == 1 && tx.Vin[0].Coinbase != ""
}

// TxIn is a transaction input.
type TxIn struct {
	Txid     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Coinbase string `json:"coinbase"`
}

// TxOut is a transaction output.
type TxOut struct {
	Value        float64      `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ScriptPubKey is the locking script of an output.
type ScriptPubKey struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// TxInfo is the decoded result of a verbose getrawtransaction call.
type TxInfo struct {
	Txid          string  `json:"txid"`
	BlockHash     string  `json:"blockhash"`
	BlockHeight   int64   `json:"blockheight"`
	Confirmations int64   `json:"confirmations"`
	Size          int64   `json:"size"`
	VSize         int64   `json:"vsize"`
	Fee           float64 `json:"fee"`
	Time          int64   `json:"time"`
	BlockTime     int64   `json:"blocktime"`
	Vin           []TxIn  `json:"vin"`
	Vout          []TxOut `json:"vout"`
}

// FeeRate returns the fee rate in sat/vB, or 0 if size or fee is unknown.
func (tx *TxInfo) FeeRate() float64 {
	size := tx.VSize
	if size == 0 {
		size = tx.Size
	}
	if size == 0 {
		return 0
	}
	return tx.Fee / float64(size) * 1e8
}

// Confirmed reports whether the transaction has been mined.
func (tx *TxInfo) Confirmed() bool {
	return tx.BlockHash != "" || tx.Confirmations > 0
}

// BlockHeader is the decoded result of a verbose getblockheader call.
type BlockHeader struct {
	Hash              string `json:"hash"`
	Height            int64  `json:"height"`
	Time              int64  `json:"time"`
	Confirmations     int64  `json:"confirmations"`
	NTx               int    `json:"nTx"`
	PreviousBlockHash string `json:"previousblockhash"`
}

// AddressInfo is the decoded result of a validateaddress call.
type AddressInfo struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
	Type    string `json:"type,omitempty"`
}

// FeeEstimate is the decoded result of an estimatesmartfee call.
type FeeEstimate struct {
	FeeRate float64  `json:"feerate"` // BTC per kvB
	Blocks  int      `json:"blocks"`
	Errors  []string `json:"errors"`
}

// CoinbaseInfo carries pool identification data extracted from a block's
// coinbase transaction. Pools commonly tag the coinbase scriptSig.
type CoinbaseInfo struct {
	Txid        string `json:"txid"`
	CoinbaseHex string `json:"coinbase_hex"`
}
