package domain

import "github.com/shopspring/decimal"

// RoundPrice floors a price to the symbol's tick size. Rounding is always
// toward zero so an order never violates the filter on the aggressive side.
func (f *SymbolFilters) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if f.TickSize.IsZero() {
		return price
	}
	return price.Div(f.TickSize).Floor().Mul(f.TickSize)
}

// RoundQuantity floors a quantity to the symbol's step size.
func (f *SymbolFilters) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	if f.StepSize.IsZero() {
		return qty
	}
	return qty.Div(f.StepSize).Floor().Mul(f.StepSize)
}

// MeetsMinimums reports whether a rounded order clears the exchange's
// quantity and notional floors.
func (f *SymbolFilters) MeetsMinimums(price, qty decimal.Decimal) bool {
	if qty.LessThan(f.MinQty) {
		return false
	}
	return price.Mul(qty).GreaterThanOrEqual(f.MinNotional)
}
