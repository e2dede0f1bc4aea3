package pow

import (
	"math/big"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
)

// nextASERTWorkRequired computes the target with the absolutely scheduled exponentially
// rising targets algorithm (aserti3-2d), measured from the anchor block.
func nextASERTWorkRequired(prev *model.BlockIndex, header *model.BlockHeader, params *chaincfg.Params, anchor *AnchorCache) (model.NBit, error) {
	if allowMinDifficultyBlock(prev, header, params) {
		return model.NBit(params.PowLimitBits), nil
	}

	var (
		anchorHeight   int32
		anchorBits     model.NBit
		anchorPrevTime int64
	)

	if params.ASERTAnchor != nil {
		anchorHeight = params.ASERTAnchor.Height
		anchorBits = model.NBit(params.ASERTAnchor.Bits)
		anchorPrevTime = params.ASERTAnchor.PrevBlockTime
	} else {
		anchorBlock := anchor.Get(prev, params)
		if anchorBlock == nil {
			return 0, errors.NewProcessingError("no ASERT anchor below height %d", prev.Height)
		}

		anchorHeight = anchorBlock.Height
		anchorBits = anchorBlock.Bits()

		// the anchor is timed by its parent, genesis has none so it times itself
		anchorPrevTime = int64(anchorBlock.GetTime())
		if anchorBlock.Prev != nil {
			anchorPrevTime = int64(anchorBlock.Prev.GetTime())
		}
	}

	refTarget, err := validReferenceTarget(anchorBits, params)
	if err != nil {
		return 0, err
	}

	timeDiff := int64(prev.GetTime()) - anchorPrevTime
	heightDiff := int64(prev.Height - anchorHeight)

	target, err := CalculateASERT(refTarget, targetSpacing(params), timeDiff, heightDiff, params.PowLimit, params.ASERTHalfLife)
	if err != nil {
		return 0, err
	}

	return model.NBit(model.BigToCompact(target)), nil
}

// CalculateASERT returns refTarget * 2^((timeDiff - spacing*(heightDiff+1)) / halfLife),
// computed in fixed point so every node gets the same result. The result is clamped to
// [1, powLimit].
func CalculateASERT(refTarget *big.Int, spacing, timeDiff, heightDiff int64, powLimit *big.Int, halfLife int64) (*big.Int, error) {
	if refTarget.Sign() <= 0 || refTarget.Cmp(powLimit) > 0 {
		return nil, errors.NewProcessingError("ASERT reference target outside (0, powLimit]")
	}

	if heightDiff < 0 {
		return nil, errors.NewProcessingError("ASERT height difference %d is negative", heightDiff)
	}

	if halfLife <= 0 {
		return nil, errors.NewProcessingError("ASERT half life %d must be positive", halfLife)
	}

	// 16.16 fixed point exponent, Go division truncates toward zero like the reference
	exponent := ((timeDiff - spacing*(heightDiff+1)) * 65536) / halfLife

	// arithmetic shift, so the integer part is rounded toward negative infinity and the
	// fractional part is always positive
	shifts := exponent >> 16
	frac := uint64(uint16(exponent)) //nolint:gosec // keeps the low 16 bits on purpose

	// 2^x ~= 1 + 0.695502049*x + 0.2262698*x^2 + 0.0782318*x^3 for 0 <= x < 1, error
	// below 0.013%
	factor := 65536 + ((195766423245049*frac + 971821376*frac*frac + 5127*frac*frac*frac + (1 << 47)) >> 48)

	next := new(big.Int).Mul(refTarget, new(big.Int).SetUint64(factor))

	// the factor carries 16 fractional bits
	shifts -= 16
	if shifts <= 0 {
		next.Rsh(next, uint(-shifts))
	} else {
		// anything shifted past 256 bits overflows and clamps to the limit
		if shifts > 256 {
			return new(big.Int).Set(powLimit), nil
		}

		next.Lsh(next, uint(shifts))
	}

	if next.Sign() == 0 {
		return big.NewInt(1), nil
	}

	if next.Cmp(powLimit) > 0 {
		return new(big.Int).Set(powLimit), nil
	}

	return next, nil
}
