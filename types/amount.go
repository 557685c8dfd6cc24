package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToAtomic converts a chain-independent USDT amount to atomic units for a
// network with the given decimal count. Amounts with more precision than the
// chain can represent are rejected rather than silently truncated.
func ToAtomic(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, E(ErrInvalidArgument, "amount must be positive")
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, E(ErrInvalidArgument,
			fmt.Sprintf("amount %s has more than %d decimal places", amount, decimals))
	}
	return shifted.BigInt(), nil
}

// FromAtomic converts atomic units back to a chain-independent amount.
func FromAtomic(atomic *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(atomic, 0).Shift(-decimals)
}
