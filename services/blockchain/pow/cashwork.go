package pow

import (
	"math/big"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/util"
)

// DifficultyAdjustmentWindow is the number of blocks the cash work algorithm averages over.
const DifficultyAdjustmentWindow = 144

// nextCashWorkRequired computes the next required proof of work using a weighted average of
// the estimated hash rate per block (CW144).
//
// Using a weighted average ensures that the timestamp parameter cancels out in most of the
// calculation, except for the timestamp of the first and last block. Because timestamps are
// the least trustworthy information we have as input, this makes the algorithm more resistant
// to malicious inputs.
func nextCashWorkRequired(prev *model.BlockIndex, header *model.BlockHeader, params *chaincfg.Params) (model.NBit, error) {
	if allowMinDifficultyBlock(prev, header, params) {
		return model.NBit(params.PowLimitBits), nil
	}

	if prev.Height < params.RetargetInterval() {
		return 0, errors.NewProcessingError("cash work needs %d blocks of history, have %d", params.RetargetInterval(), prev.Height)
	}

	last, err := suitableBlock(prev)
	if err != nil {
		return 0, err
	}

	first, err := suitableBlock(prev.GetAncestor(prev.Height - DifficultyAdjustmentWindow))
	if err != nil {
		return 0, err
	}

	target, err := computeTarget(first, last, params)
	if err != nil {
		return 0, err
	}

	return clampToPowLimit(target, params), nil
}

// computeTarget computes a target based on the work done between two blocks and the time
// required to produce that work.
func computeTarget(first, last *model.BlockIndex, params *chaincfg.Params) (*big.Int, error) {
	if last.Height <= first.Height {
		return nil, errors.NewProcessingError("last block %d must be above first block %d", last.Height, first.Height)
	}

	spacing := targetSpacing(params)

	// from the total work done and the time it took to produce that much work, deduce how
	// much work is expected in the target time between blocks
	work := new(big.Int).Sub(last.ChainWork, first.ChainWork)
	work.Mul(work, big.NewInt(spacing))

	// bound the amplitude of the adjustment to avoid difficulty cliffs
	actualTimespan := int64(last.GetTime()) - int64(first.GetTime())
	if actualTimespan > 288*spacing {
		actualTimespan = 288 * spacing
	} else if actualTimespan < 72*spacing {
		actualTimespan = 72 * spacing
	}

	work.Div(work, big.NewInt(actualTimespan))

	if work.Sign() <= 0 {
		return nil, errors.NewProcessingError("no work between blocks %d and %d", first.Height, last.Height)
	}

	// T = (2^256 / W) - 1, which 256-bit arithmetic expresses as (2^256 - W) / W
	target := new(big.Int).Div(oneLsh256, work)

	return target.Sub(target, bigOne), nil
}

// suitableBlock selects the median of the 3 top most blocks as a starting point, so a block
// with a very skewed timestamp does not have too much influence.
func suitableBlock(idx *model.BlockIndex) (*model.BlockIndex, error) {
	if idx == nil || idx.Height < 3 {
		return nil, errors.NewProcessingError("suitable block needs at least 3 ancestors")
	}

	blocks := []*model.BlockIndex{idx.Prev.Prev, idx.Prev, idx}
	util.SortForDifficultyAdjustment(blocks)

	return blocks[1], nil
}
