package util

import (
	"math/big"
	"testing"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcPastMedianTime(t *testing.T) {
	median, err := CalcPastMedianTime([]int64{5, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), median)

	// even counts take the upper middle element
	median, err = CalcPastMedianTime([]int64{4, 1, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), median)

	_, err = CalcPastMedianTime(nil)
	require.Error(t, err)

	_, err = CalcPastMedianTime(make([]int64, 12))
	require.Error(t, err)
}

type timed uint32

func (t timed) GetTime() uint32 { return uint32(t) }

func TestSortForDifficultyAdjustment(t *testing.T) {
	perms := [][]timed{
		{1, 2, 3}, {1, 3, 2}, {2, 1, 3}, {2, 3, 1}, {3, 1, 2}, {3, 2, 1},
	}

	for _, p := range perms {
		s := append([]timed(nil), p...)
		SortForDifficultyAdjustment(s)
		assert.Equal(t, []timed{1, 2, 3}, s)
	}
}

func TestCalculateWork(t *testing.T) {
	assert.Equal(t, int64(0), CalculateWork(big.NewInt(0)).Int64())

	// the genesis target represents 0x100010001 hashes
	target := new(big.Int).Lsh(big.NewInt(0xffff), 208)
	assert.Equal(t, "4295032833", CalculateWork(target).String())
}

func TestValidLockTime(t *testing.T) {
	tests := []struct {
		name     string
		lockTime uint32
		height   int32
		cutoff   int64
		want     bool
	}{
		{name: "height below block", lockTime: 99, height: 100, want: true},
		{name: "height equal to block", lockTime: 100, height: 100, want: false},
		{name: "time before cutoff", lockTime: LockTimeThreshold + 10, height: 1, cutoff: LockTimeThreshold + 11, want: true},
		{name: "time at cutoff", lockTime: LockTimeThreshold + 10, height: 1, cutoff: LockTimeThreshold + 10, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidLockTime(tt.lockTime, tt.height, tt.cutoff))
		})
	}
}

func TestIsFinalTx(t *testing.T) {
	tx := bt.NewTx()
	tx.Inputs = append(tx.Inputs, &bt.Input{SequenceNumber: 0})

	assert.True(t, IsFinalTx(tx, 10, 0))

	tx.LockTime = 20
	assert.False(t, IsFinalTx(tx, 10, 0))
	assert.True(t, IsFinalTx(tx, 21, 0))

	// final sequences disable the lock time
	tx.Inputs[0].SequenceNumber = SequenceFinal
	assert.True(t, IsFinalTx(tx, 10, 0))
}
