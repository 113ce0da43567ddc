package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// UnitPlaces is the number of decimal places the exchange accepts for units.
const UnitPlaces = 4

var (
	UnitStep = decimal.New(1, -UnitPlaces)
	MinUnits = UnitStep
)

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundUnits truncates units to the exchange lot step.
func RoundUnits(units decimal.Decimal) decimal.Decimal {
	return RoundDown(units, UnitStep)
}

// UnitsFor sizes an order spending amount KRW at price, truncated to the lot step.
func UnitsFor(amount decimal.Decimal, price int64) decimal.Decimal {
	if price <= 0 {
		return decimal.Zero
	}
	return RoundUnits(amount.Div(decimal.NewFromInt(price)))
}

func ValidateUnits(units decimal.Decimal) error {
	if units.Cmp(MinUnits) < 0 {
		return fmt.Errorf("%w: units=%s min=%s", ErrBelowMinUnits, units, MinUnits)
	}
	return nil
}
