// Package pow computes the proof-of-work target a block must meet and checks headers against
// it. The target depends on the parent block only, so every function here is a pure function
// of the block tree and the network parameters, apart from the ASERT anchor cache the caller
// owns.
package pow

import (
	"math/big"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

var (
	// bigOne is 1 represented as a big.Int.  It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// oneLsh256 is 1 shifted left 256 bits.  It is defined here to avoid
	// the overhead of creating it multiple times.
	oneLsh256 = new(big.Int).Lsh(bigOne, 256)
)

// NextWorkRequired returns the compact target required for the block following prev.
// header is the candidate block, only its timestamp is used. anchor may be nil, in which case
// the ASERT anchor is looked up without caching.
func NextWorkRequired(prev *model.BlockIndex, header *model.BlockHeader, params *chaincfg.Params, anchor *AnchorCache) (model.NBit, error) {
	if prev == nil {
		return model.NBit(params.PowLimitBits), nil
	}

	// regtest never retargets
	if params.NoDifficultyAdjustment {
		return prev.Bits(), nil
	}

	switch {
	case prev.Height >= params.AxionHeight:
		return nextASERTWorkRequired(prev, header, params, anchor)
	case prev.Height >= params.DAAHeight:
		return nextCashWorkRequired(prev, header, params)
	default:
		return nextEDAWorkRequired(prev, header, params)
	}
}

// CheckProofOfWork checks that bits is a valid target for the network and that hash meets it.
func CheckProofOfWork(hash *chainhash.Hash, bits model.NBit, params *chaincfg.Params) error {
	target, negative, overflow := model.CompactToBigChecked(uint32(bits))

	if negative || overflow || target.Sign() <= 0 || target.Cmp(params.PowLimit) > 0 {
		return errors.NewBlockRejectError(errors.RejectInvalid, 50, "bad-diffbits")
	}

	if HashToBig(hash).Cmp(target) > 0 {
		return errors.NewBlockRejectError(errors.RejectInvalid, 50, "high-hash")
	}

	return nil
}

// HashToBig converts a chainhash.Hash into a big.Int that can be used to perform math
// comparisons.
func HashToBig(hash *chainhash.Hash) *big.Int {
	// A Hash is in little-endian, but the big package wants the bytes in big-endian, so
	// reverse them.
	buf := *hash
	blen := len(buf)

	for i := 0; i < blen/2; i++ {
		buf[i], buf[blen-1-i] = buf[blen-1-i], buf[i]
	}

	return new(big.Int).SetBytes(buf[:])
}

func clampToPowLimit(target *big.Int, params *chaincfg.Params) model.NBit {
	if target.Cmp(params.PowLimit) > 0 {
		return model.NBit(params.PowLimitBits)
	}

	return model.NBit(model.BigToCompact(target))
}

func validReferenceTarget(bits model.NBit, params *chaincfg.Params) (*big.Int, error) {
	target := bits.CalculateTarget()
	if target.Sign() <= 0 || target.Cmp(params.PowLimit) > 0 {
		return nil, errors.NewProcessingError("reference target %s outside (0, powLimit]", bits)
	}

	return target, nil
}

func targetSpacing(params *chaincfg.Params) int64 {
	return int64(params.TargetTimePerBlock.Seconds())
}

// allowMinDifficultyBlock implements the testnet rule that a block arriving more than twice
// the target spacing after its parent may be mined at the minimum difficulty.
func allowMinDifficultyBlock(prev *model.BlockIndex, header *model.BlockHeader, params *chaincfg.Params) bool {
	if !params.ReduceMinDifficulty || header == nil {
		return false
	}

	return int64(header.Timestamp) > int64(prev.GetTime())+2*targetSpacing(params)
}
