package pyroswap

import (
	"fmt"
	"math/big"
)

// MulDivFloor computes a*b/denominator over big integers so intermediate
// products cannot overflow u64. Settlement math never touches floating point.
func MulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	left := new(big.Int).SetUint64(a)
	left.Mul(left, new(big.Int).SetUint64(b))
	left.Div(left, new(big.Int).SetUint64(denominator))
	if left.Sign() < 0 || !left.IsUint64() {
		return 0, fmt.Errorf("mulDiv overflow")
	}
	return left.Uint64(), nil
}
