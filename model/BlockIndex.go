package model

import (
	"fmt"
	"math/big"

	"github.com/bsv-blockchain/chainvalidator/util"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"go.uber.org/atomic"
)

// BlockStatus is the bitmask of validation levels reached and storage flags of a block.
type BlockStatus uint32

const (
	// StatusValidUnknown means nothing has been validated yet.
	StatusValidUnknown BlockStatus = 0

	// StatusValidHeader: parsed, version ok, hash satisfies claimed PoW, timestamp not in
	// the future.
	StatusValidHeader BlockStatus = 1

	// StatusValidTree: all parent headers found, difficulty matches, timestamp >= median
	// previous, checkpoint. Implies all parents are also at least TREE.
	StatusValidTree BlockStatus = 2

	// StatusValidTransactions: only the first tx is coinbase, coinbase and transaction
	// sizes ok, merkle root ok.
	StatusValidTransactions BlockStatus = 3

	// StatusValidChain: outputs do not overspend inputs, no double spends, coinbase output
	// ok, no immature coinbase spends, BIP30.
	StatusValidChain BlockStatus = 4

	// StatusValidScripts: scripts and signatures ok.
	StatusValidScripts BlockStatus = 5

	// StatusValidityMask covers all validity levels.
	StatusValidityMask BlockStatus = StatusValidHeader | StatusValidTree | StatusValidTransactions |
		StatusValidChain | StatusValidScripts

	StatusHaveData     BlockStatus = 8  // full block available in blk*.dat
	StatusHaveUndo     BlockStatus = 16 // undo data available in rev*.dat
	StatusFailed       BlockStatus = 32 // stage after last reached validness failed
	StatusFailedParent BlockStatus = 64 // descends from failed block

	StatusFailedMask = StatusFailed | StatusFailedParent
)

// DiskPos locates a record in the block or undo files. A negative File is the null position.
type DiskPos struct {
	File   int32
	Offset uint32
}

// NullDiskPos is the position of data that has not been written.
var NullDiskPos = DiskPos{File: -1}

func (p DiskPos) IsNull() bool {
	return p.File < 0
}

func (p DiskPos) String() string {
	return fmt.Sprintf("(file %d, offset %d)", p.File, p.Offset)
}

// BlockIndex is a node of the block tree. Nodes are linked to their parent and carry a skip
// pointer for O(log n) ancestor lookups.
//
// Height and ChainWork are only written while the node is linked, before it is published to
// other goroutines. Status is updated atomically.
type BlockIndex struct {
	Hash      chainhash.Hash
	Header    *BlockHeader
	Prev      *BlockIndex
	Skip      *BlockIndex
	Height    int32
	ChainWork *big.Int
	TxCount   uint32
	DataPos   DiskPos
	UndoPos   DiskPos

	status atomic.Uint32
}

// NewBlockIndex creates an unlinked node for header. Its height is -1 until it is linked to
// a parent.
func NewBlockIndex(header *BlockHeader) *BlockIndex {
	return &BlockIndex{
		Hash:      *header.Hash(),
		Header:    header,
		Height:    -1,
		ChainWork: big.NewInt(0),
		DataPos:   NullDiskPos,
		UndoPos:   NullDiskPos,
	}
}

// Link attaches the node to prev (nil for genesis) and derives height, chain work and the
// skip pointer.
func (bi *BlockIndex) Link(prev *BlockIndex) {
	bi.Prev = prev
	work := bi.Header.Bits.CalcWork()

	if prev == nil {
		bi.Height = 0
		bi.ChainWork = work
		bi.Skip = nil

		return
	}

	bi.Height = prev.Height + 1
	bi.ChainWork = new(big.Int).Add(prev.ChainWork, work)
	bi.Skip = prev.GetAncestor(getSkipHeight(bi.Height))
}

// IsLinked reports whether the node is connected to genesis.
func (bi *BlockIndex) IsLinked() bool {
	return bi.Height >= 0
}

func (bi *BlockIndex) GetTime() uint32 {
	return bi.Header.Timestamp
}

func (bi *BlockIndex) Bits() NBit {
	return bi.Header.Bits
}

// Status returns the current status bits.
func (bi *BlockIndex) Status() BlockStatus {
	return BlockStatus(bi.status.Load())
}

// SetStatus overwrites the status, it is used when loading the index from storage.
func (bi *BlockIndex) SetStatus(s BlockStatus) {
	bi.status.Store(uint32(s))
}

// AddStatus sets flags, returning false if they were all already set.
func (bi *BlockIndex) AddStatus(flags BlockStatus) bool {
	for {
		old := bi.status.Load()

		updated := old | uint32(flags)
		if updated == old {
			return false
		}

		if bi.status.CompareAndSwap(old, updated) {
			return true
		}
	}
}

// RemoveStatus clears flags. It is only used when an operator reconsiders a block.
func (bi *BlockIndex) RemoveStatus(flags BlockStatus) {
	for {
		old := bi.status.Load()
		if bi.status.CompareAndSwap(old, old&^uint32(flags)) {
			return
		}
	}
}

// RaiseValidity raises the validity level to at least level. It returns false when the
// block has failed or the level was already reached.
func (bi *BlockIndex) RaiseValidity(level BlockStatus) bool {
	for {
		old := bi.status.Load()

		if BlockStatus(old)&StatusFailedMask != 0 {
			return false
		}

		if BlockStatus(old)&StatusValidityMask >= level {
			return false
		}

		updated := (old &^ uint32(StatusValidityMask)) | uint32(level)
		if bi.status.CompareAndSwap(old, updated) {
			return true
		}
	}
}

// IsValid reports whether the block reached level and has not failed.
func (bi *BlockIndex) IsValid(level BlockStatus) bool {
	s := bi.Status()
	if s&StatusFailedMask != 0 {
		return false
	}

	return s&StatusValidityMask >= level
}

func (bi *BlockIndex) HasFailed() bool {
	return bi.Status()&StatusFailedMask != 0
}

func (bi *BlockIndex) HaveData() bool {
	return bi.Status()&StatusHaveData != 0
}

func (bi *BlockIndex) HaveUndo() bool {
	return bi.Status()&StatusHaveUndo != 0
}

// GetAncestor returns the ancestor at height, or nil when height is out of range.
func (bi *BlockIndex) GetAncestor(height int32) *BlockIndex {
	if height > bi.Height || height < 0 {
		return nil
	}

	walk := bi
	heightWalk := bi.Height

	for heightWalk > height {
		heightSkip := getSkipHeight(heightWalk)
		heightSkipPrev := getSkipHeight(heightWalk - 1)

		// only follow the skip pointer when it does not overshoot, or when the previous
		// node's skip pointer is not better than this one
		if walk.Skip != nil && (heightSkip == height ||
			(heightSkip > height && !(heightSkipPrev < heightSkip-2 && heightSkipPrev >= height))) {
			walk = walk.Skip
			heightWalk = heightSkip
		} else {
			walk = walk.Prev
			heightWalk--
		}
	}

	return walk
}

// MedianTimePast returns the median timestamp of this block and up to ten of its ancestors.
func (bi *BlockIndex) MedianTimePast() int64 {
	timestamps := make([]int64, 0, util.MedianTimeBlocks)

	for walk := bi; walk != nil && len(timestamps) < util.MedianTimeBlocks; walk = walk.Prev {
		timestamps = append(timestamps, int64(walk.Header.Timestamp))
	}

	median, _ := util.CalcPastMedianTime(timestamps)

	return median
}

func (bi *BlockIndex) String() string {
	return fmt.Sprintf("%s (height %d)", bi.Hash, bi.Height)
}

// BlockIndexRecord is the persisted form of a BlockIndex. Chain work and the tree links are
// not stored, they are rebuilt when the index is loaded.
type BlockIndexRecord struct {
	Header  *BlockHeader
	Height  int32
	Status  BlockStatus
	TxCount uint32
	DataPos DiskPos
	UndoPos DiskPos
}

// Record captures the persisted fields of the node.
func (bi *BlockIndex) Record() *BlockIndexRecord {
	return &BlockIndexRecord{
		Header:  bi.Header,
		Height:  bi.Height,
		Status:  bi.Status(),
		TxCount: bi.TxCount,
		DataPos: bi.DataPos,
		UndoPos: bi.UndoPos,
	}
}

// LastCommonAncestor returns the fork point of a and b, nil if they share none.
func LastCommonAncestor(a, b *BlockIndex) *BlockIndex {
	if a == nil || b == nil {
		return nil
	}

	if a.Height > b.Height {
		a = a.GetAncestor(b.Height)
	} else if b.Height > a.Height {
		b = b.GetAncestor(a.Height)
	}

	for a != b && a != nil && b != nil {
		a = a.Prev
		b = b.Prev
	}

	return a
}

// turn the lowest set bit of n off
func invertLowestOne(n int32) int32 {
	return n & (n - 1)
}

// getSkipHeight computes what height to jump back to with the skip pointer.
func getSkipHeight(height int32) int32 {
	if height < 2 {
		return 0
	}

	// Determine which height to jump back to. Any number strictly lower than height is
	// acceptable, but the following expression seems to perform well in simulations
	// (max 110 steps to go back up to 2**18 blocks).
	if height&1 != 0 {
		return invertLowestOne(invertLowestOne(height-1)) + 1
	}

	return invertLowestOne(height)
}
