package validator

import (
	"sync"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// TxFlags change how a transaction is accepted to the mempool.
type TxFlags uint32

const (
	// FlagRejectAbsurdFee rejects transactions paying far more than the minimum relay fee,
	// used for transactions submitted locally.
	FlagRejectAbsurdFee TxFlags = 1 << iota

	// FlagNoFeeCheck skips the minimum fee and the free relay rate limiter.
	FlagNoFeeCheck

	// FlagFromMempool marks transactions returned to the mempool from disconnected blocks.
	// They bypass the recent rejects filter.
	FlagFromMempool
)

// TxValidationState is a transaction submitted for mempool acceptance. The result resolves
// exactly once: the empty string when the transaction was accepted, otherwise the reject
// code and reason, e.g. "16: bad-txns-inputs-duplicate".
type TxValidationState struct {
	Tx         *bt.Tx
	TxID       chainhash.Hash
	Flags      TxFlags
	OriginPeer int64 // -1 for local submissions

	result chan string
	once   sync.Once
}

func NewTxValidationState(tx *bt.Tx, flags TxFlags, originPeer int64) *TxValidationState {
	return &TxValidationState{
		Tx:         tx,
		TxID:       *tx.TxIDChainHash(),
		Flags:      flags,
		OriginPeer: originPeer,
		result:     make(chan string, 1),
	}
}

// Result returns the channel the outcome is delivered on.
func (s *TxValidationState) Result() <-chan string {
	return s.result
}

// Resolve delivers the outcome. Only the first call has an effect.
func (s *TxValidationState) Resolve(err error) {
	s.once.Do(func() {
		s.result <- errors.RejectReason(err)
		close(s.result)
	})
}
