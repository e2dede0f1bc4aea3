package util

import (
	"math/big"
)

var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// CalculateWork returns the work represented by a target: 2^256 / (target+1).
// A non-positive target represents no work.
func CalculateWork(target *big.Int) *big.Int {
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}

	denominator := new(big.Int).Add(target, big.NewInt(1))

	return new(big.Int).Div(oneLsh256, denominator)
}
