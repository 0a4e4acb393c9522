package utils

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// ToEther converts a wei amount to the chain's native unit.
func ToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -etherDecimals)
}

// ToWei converts a native unit amount to wei, truncating anything below 1 wei.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(etherDecimals).BigInt()
}

// ToGwei renders a fee for logs.
func ToGwei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Div(decimal.NewFromInt(params.GWei))
}

func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}
