package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/util"
)

// NBit is the compact representation of a proof-of-work target as found in the block header.
type NBit uint32

var maxDifficultyTarget = CompactToBig(0x1d00ffff)

// NewNBitFromString parses the big-endian hex form used in explorers, e.g. "1d00ffff".
func NewNBitFromString(s string) (NBit, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errors.NewInvalidArgumentError("invalid nbit %q", s, err)
	}

	if len(b) != 4 {
		return 0, errors.NewInvalidArgumentError("nbit should be 4 bytes, got %d", len(b))
	}

	return NBit(binary.BigEndian.Uint32(b)), nil
}

func (n NBit) String() string {
	return fmt.Sprintf("%08x", uint32(n))
}

// CalculateTarget expands the compact bits into the full 256-bit target.
func (n NBit) CalculateTarget() *big.Int {
	return CompactToBig(uint32(n))
}

// CalculateDifficulty returns the difficulty relative to the genesis target.
func (n NBit) CalculateDifficulty() *big.Float {
	target := n.CalculateTarget()
	if target.Sign() <= 0 {
		return new(big.Float)
	}

	return new(big.Float).Quo(new(big.Float).SetInt(maxDifficultyTarget), new(big.Float).SetInt(target))
}

// CalcWork returns the expected number of hashes needed to meet the target.
func (n NBit) CalcWork() *big.Int {
	return util.CalculateWork(CompactToBig(uint32(n)))
}

// CompactToBig converts a compact representation of a whole number N to an unsigned 256-bit
// number. The representation is similar to IEEE754 floating point numbers: the most
// significant 8 bits are the base-256 exponent, bit 23 is the sign bit and the remaining 23
// bits are the mantissa.
//
//	-------------------------------------------------
//	|   Exponent     |    Sign    |    Mantissa     |
//	-------------------------------------------------
//	| 8 bits [31-24] | 1 bit [23] | 23 bits [22-00] |
//	-------------------------------------------------
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int

	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn = bn.Neg(bn)
	}

	return bn
}

// CompactToBigChecked is CompactToBig that also reports the negative and overflow
// conditions the consensus rules reject.
func CompactToBigChecked(compact uint32) (target *big.Int, negative bool, overflow bool) {
	mantissa := compact & 0x007fffff
	exponent := compact >> 24

	negative = mantissa != 0 && compact&0x00800000 != 0
	overflow = mantissa != 0 && (exponent > 34 ||
		(mantissa > 0xff && exponent > 33) ||
		(mantissa > 0xffff && exponent > 32))

	return CompactToBig(compact), negative, overflow
}

// BigToCompact converts a whole number N to a compact representation using an unsigned
// 32-bit number. The compact representation only provides 23 bits of precision, so values
// larger than (2^23 - 1) only encode the most significant digits of the number.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32

	exponent := uint(len(n.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(n.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		tn := new(big.Int).Set(n)
		mantissa = uint32(tn.Rsh(tn, 8*(exponent-3)).Bits()[0])
	}

	// When the mantissa already has the sign bit set, the number is too large to fit into
	// the available 23 bits, so divide the number by 256 and increment the exponent.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa //nolint:gosec // exponent is at most 33
	if n.Sign() < 0 {
		compact |= 0x00800000
	}

	return compact
}
