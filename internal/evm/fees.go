package evm

import (
	"errors"
	"math"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("evm: invalid fee args")

// Calc1559Fees derives EIP-1559 caps from the latest base fee.
//
//	tipCap = max(suggestedTipCap, minTipCap)
//	feeCap = 2*baseFee + tipCap
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}
	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)
	return tip, fee, nil
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}
