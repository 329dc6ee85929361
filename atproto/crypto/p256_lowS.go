package crypto

import (
	"crypto/elliptic"
	"math/big"
)

var (
	curveN         = elliptic.P256().Params().N
	curveHalfOrder = new(big.Int).Rsh(curveN, 1)
)

func isLowS(s *big.Int) bool {
	return s.Cmp(curveHalfOrder) != 1
}

// s := N - s when s is in the upper half
func toLowS(s *big.Int) *big.Int {
	if !isLowS(s) {
		s.Sub(curveN, s)
	}
	return s
}
