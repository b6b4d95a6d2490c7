package evm

import (
	"errors"
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestCalc1559Fees(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name             string
		base, tip, min   int64
		wantTip, wantFee int64
	}{
		{name: "min tip wins", base: 100, tip: 2, min: 5, wantTip: 5, wantFee: 205},
		{name: "suggested wins", base: 100, tip: 9, min: 5, wantTip: 9, wantFee: 209},
		{name: "zero base fee", base: 0, tip: 1, min: 0, wantTip: 1, wantFee: 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tip, fee, err := Calc1559Fees(bi(tc.base), bi(tc.tip), bi(tc.min))
			if err != nil {
				t.Fatalf("Calc1559Fees: %v", err)
			}
			if tip.Int64() != tc.wantTip || fee.Int64() != tc.wantFee {
				t.Fatalf("got tip=%s fee=%s want tip=%d fee=%d", tip, fee, tc.wantTip, tc.wantFee)
			}
		})
	}

	if _, _, err := Calc1559Fees(nil, bi(1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("expected ErrInvalidFeeArgs, got %v", err)
	}
}

func TestApplyGasMultiplier(t *testing.T) {
	t.Parallel()

	if got := applyGasMultiplier(50_000, 1.2); got != 60_000 {
		t.Fatalf("got %d want 60000", got)
	}
	if got := applyGasMultiplier(50_000, 0.5); got != 50_000 {
		t.Fatalf("got %d want 50000", got)
	}
}
