package chain

import (
	"fmt"
	"math/big"
)

// ConvertAmount rescales an amount in smallest units between two decimal
// precisions. Scaling down truncates toward zero so the destination mint
// never exceeds the value actually burned; the truncation loss is
// accepted and not refunded.
func ConvertAmount(amount *big.Int, fromDecimals, toDecimals int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	if fromDecimals < 0 || toDecimals < 0 {
		return nil, fmt.Errorf("decimals must be non-negative")
	}

	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount), nil
	}

	ten := big.NewInt(10)
	if toDecimals > fromDecimals {
		scale := new(big.Int).Exp(ten, big.NewInt(int64(toDecimals-fromDecimals)), nil)
		return new(big.Int).Mul(amount, scale), nil
	}

	scale := new(big.Int).Exp(ten, big.NewInt(int64(fromDecimals-toDecimals)), nil)
	return new(big.Int).Quo(amount, scale), nil
}
