package pow

import (
	"math/big"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
)

// edaThreshold is the median time past gap over six blocks that triggers the emergency
// difficulty adjustment.
const edaThreshold = 12 * 60 * 60

// nextEDAWorkRequired computes the next required proof of work using the legacy Bitcoin
// difficulty adjustment plus the Emergency Difficulty Adjustment (EDA).
func nextEDAWorkRequired(prev *model.BlockIndex, header *model.BlockHeader, params *chaincfg.Params) (model.NBit, error) {
	interval := params.RetargetInterval()
	height := prev.Height + 1

	// only change once per difficulty adjustment interval
	if height%interval == 0 {
		first := prev.GetAncestor(height - interval)
		if first == nil {
			return 0, errors.NewProcessingError("no retarget ancestor at height %d", height-interval)
		}

		return CalculateNextWorkRequired(prev, int64(first.GetTime()), params)
	}

	powLimitBits := model.NBit(params.PowLimitBits)

	if params.ReduceMinDifficulty {
		if allowMinDifficultyBlock(prev, header, params) {
			return powLimitBits, nil
		}

		// return the last non-special-min-difficulty-rules-block
		walk := prev
		for walk.Prev != nil && walk.Height%interval != 0 && walk.Bits() == powLimitBits {
			walk = walk.Prev
		}

		return walk.Bits(), nil
	}

	bits := prev.Bits()

	// EDA only exists since the August 2017 fork, and can't go below the minimum anyway
	if prev.Height < params.UAHFHeight || bits == powLimitBits {
		return bits, nil
	}

	ancestor6 := prev.GetAncestor(height - 7)
	if ancestor6 == nil {
		return bits, nil
	}

	// if producing the last 6 blocks took less than 12h, keep the same difficulty
	if prev.MedianTimePast()-ancestor6.MedianTimePast() < edaThreshold {
		return bits, nil
	}

	// increase the target by 1/4, which reduces the difficulty by 20%, so the chain does not
	// get stuck when hash rate disappears abruptly
	target, err := validReferenceTarget(bits, params)
	if err != nil {
		return 0, err
	}

	target.Add(target, new(big.Int).Rsh(target, 2))

	return clampToPowLimit(target, params), nil
}

// CalculateNextWorkRequired performs the interval retarget: the previous target is scaled by
// the time the last interval took, clamped to a factor of RetargetAdjustmentFactor.
func CalculateNextWorkRequired(prev *model.BlockIndex, firstBlockTime int64, params *chaincfg.Params) (model.NBit, error) {
	if params.NoDifficultyAdjustment {
		return prev.Bits(), nil
	}

	targetTimespan := int64(params.TargetTimespan.Seconds())
	minTimespan := targetTimespan / params.RetargetAdjustmentFactor
	maxTimespan := targetTimespan * params.RetargetAdjustmentFactor

	actualTimespan := int64(prev.GetTime()) - firstBlockTime
	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	} else if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	target, err := validReferenceTarget(prev.Bits(), params)
	if err != nil {
		return 0, err
	}

	target.Mul(target, big.NewInt(actualTimespan))
	target.Div(target, big.NewInt(targetTimespan))

	return clampToPowLimit(target, params), nil
}
