package validator

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
)

// BIP68 relative lock time encoding of the input sequence number.
const (
	SequenceLockTimeDisableFlag = 1 << 31
	SequenceLockTimeTypeFlag    = 1 << 22
	SequenceLockTimeMask        = 0x0000ffff
	SequenceLockTimeGranularity = 9
)

// SequenceLock is the last block height and median time past at which a transaction is still
// locked by the relative lock times of its inputs. -1 means unconstrained.
type SequenceLock struct {
	MinHeight int32
	MinTime   int64
}

// CalculateSequenceLocks computes the relative locks of tx for a block built on prev.
// coinHeights[i] is the height of the block that created the coin spent by input i; coins
// still in the mempool use the height of the next block. Locks are only enforced for
// transactions of version 2 and above, and only when enforce is set.
func CalculateSequenceLocks(tx *bt.Tx, coinHeights []int32, prev *model.BlockIndex, enforce bool) SequenceLock {
	lock := SequenceLock{MinHeight: -1, MinTime: -1}

	if !enforce || tx.Version < 2 || prev == nil {
		return lock
	}

	for i, input := range tx.Inputs {
		if input.SequenceNumber&SequenceLockTimeDisableFlag != 0 || i >= len(coinHeights) {
			continue
		}

		coinHeight := coinHeights[i]
		value := int64(input.SequenceNumber & SequenceLockTimeMask)

		if input.SequenceNumber&SequenceLockTimeTypeFlag != 0 {
			ancestorHeight := coinHeight - 1
			if ancestorHeight < 0 {
				ancestorHeight = 0
			}

			coinTime := prev.MedianTimePast()
			if ancestor := prev.GetAncestor(ancestorHeight); ancestor != nil {
				coinTime = ancestor.MedianTimePast()
			}

			// the lock is expressed as the last invalid time, hence the -1
			if t := coinTime + value<<SequenceLockTimeGranularity - 1; t > lock.MinTime {
				lock.MinTime = t
			}

			continue
		}

		if h := coinHeight + int32(value) - 1; h > lock.MinHeight { //nolint:gosec // masked to 16 bits
			lock.MinHeight = h
		}
	}

	return lock
}

// EvaluateSequenceLocks reports whether a block built on prev satisfies lock.
func EvaluateSequenceLocks(prev *model.BlockIndex, lock SequenceLock) bool {
	return lock.MinHeight < prev.Height+1 && lock.MinTime < prev.MedianTimePast()
}

// CheckSequenceLocks returns a reject error when tx cannot be included in a block built on
// prev. reason is the reject token to use.
func CheckSequenceLocks(tx *bt.Tx, coinHeights []int32, prev *model.BlockIndex, code errors.RejectCode, punishment int, reason string) (SequenceLock, error) {
	lock := CalculateSequenceLocks(tx, coinHeights, prev, true)

	if !EvaluateSequenceLocks(prev, lock) {
		return lock, errors.NewTxRejectError(code, punishment, reason, errors.NewTxLockTimeError("relative lock not satisfied at height %d", prev.Height+1))
	}

	return lock, nil
}
