package blockvalidation

import (
	"sync"
	"time"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"go.uber.org/atomic"
)

// CheckFlags select the checks run on a submitted block.
type CheckFlags uint32

const (
	// CheckPoW verifies the header hash against its claimed target.
	CheckPoW CheckFlags = 1 << iota

	// CheckMerkleRoot verifies the merkle root against the transactions.
	CheckMerkleRoot

	// CheckTransactionValidity runs the context free block and transaction checks.
	CheckTransactionValidity

	// CheckValidityOnly validates the block on top of the current tip without storing it
	// or changing the UTXO set. Used to test block templates.
	CheckValidityOnly

	// CheckMemPool removes the transactions of the connected block from the mempool.
	CheckMemPool
)

// DefaultCheckFlags is the full validation of a block received from a peer.
const DefaultCheckFlags = CheckPoW | CheckMerkleRoot | CheckTransactionValidity | CheckMemPool

// stateStatus is the set of stages a block has passed. Bits are only ever added.
type stateStatus uint32

const (
	statusValidHeader stateStatus = 1 << iota
	statusValidTree
	statusValidParent
	statusValidChainHeaders
	statusValidTransactions
	statusInvalid
)

// statePhase tells the strand what a state is waiting for.
type statePhase int

const (
	phaseChecks         statePhase = iota // a stage is queued or running on the pool
	phaseOrphan                           // waiting for the parent header
	phaseReady                            // stored and checked, waiting for the parent to connect
	phaseValidityQueued                   // validity only, waiting for the UTXO set to be idle
	phaseConnecting                       // UTXO and script checks running
)

// BlockValidationState is one block submission travelling through the stages of the engine.
//
// The engine keeps in-flight states in an arena keyed by block hash; relations between states
// (children waiting for their parent) are stored as keys. Fields without synchronisation are
// owned by whichever stage currently runs: stages hand the state over by posting to the
// pool or the strand.
type BlockValidationState struct {
	hash       chainhash.Hash
	blockBytes []byte
	pos        model.DiskPos
	fromDisk   bool
	scheduled  bool // created by the engine for a stored block, index preset
	headerOnly bool

	header *model.BlockHeader
	block  *model.Block

	index          *model.BlockIndex
	indexCommitted bool // the index is in the block tree, otherwise it is owned by this state

	originPeer int64
	flags      CheckFlags
	settings   *ValidationSettings

	status           atomic.Uint32
	txChunksToStart  atomic.Int32
	txChunksToFinish atomic.Int32
	fees             atomic.Uint64
	sigChecks        atomic.Int64
	legacySigOps     int64

	errMu sync.Mutex
	err   error

	validationFlags validator.ValidationFlags
	assumeValid     bool

	// undo.Txs[i] is written by the chunk validating transaction i+1 only
	undo         *model.BlockUndo
	utxoInserted bool

	// validity only mode: outputs created by the block and outpoints spent by it
	created map[model.Outpoint]*model.Coin
	spentMu sync.Mutex
	spent   map[model.Outpoint]struct{}

	children []chainhash.Hash

	phase           statePhase
	inArena         bool
	holdsHeaderSlot bool
	holdsBlockSlot  bool
	released        atomic.Bool
	startedAt       time.Time
}

func newBlockValidationState(flags CheckFlags, originPeer int64) *BlockValidationState {
	return &BlockValidationState{
		pos:        model.NullDiskPos,
		originPeer: originPeer,
		flags:      flags,
		startedAt:  time.Now(),
	}
}

func (s *BlockValidationState) hasFlag(flag CheckFlags) bool {
	return s.flags&flag != 0
}

func (s *BlockValidationState) validityOnly() bool {
	return s.hasFlag(CheckValidityOnly)
}

// addStatus sets bits, returning false when they were all already set.
func (s *BlockValidationState) addStatus(bits stateStatus) bool {
	for {
		old := s.status.Load()
		updated := old | uint32(bits)

		if updated == old {
			return false
		}

		if s.status.CompareAndSwap(old, updated) {
			return true
		}
	}
}

func (s *BlockValidationState) hasStatus(bits stateStatus) bool {
	return stateStatus(s.status.Load())&bits == bits
}

func (s *BlockValidationState) isInvalid() bool {
	return s.hasStatus(statusInvalid)
}

// fail marks the state invalid. The first error is kept, later ones are dropped.
func (s *BlockValidationState) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	s.addStatus(statusInvalid)
}

func (s *BlockValidationState) getError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

func (s *BlockValidationState) height() int32 {
	if s.index == nil {
		return -1
	}

	return s.index.Height
}

// markSpent records an outpoint spent in validity only mode, false when it already was.
func (s *BlockValidationState) markSpent(outpoint model.Outpoint) bool {
	s.spentMu.Lock()
	defer s.spentMu.Unlock()

	if _, ok := s.spent[outpoint]; ok {
		return false
	}

	s.spent[outpoint] = struct{}{}

	return true
}
