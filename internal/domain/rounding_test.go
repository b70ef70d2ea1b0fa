package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vkotik/dripfeed/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoundingFloorsTowardZero(t *testing.T) {
	f := &domain.SymbolFilters{
		TickSize:    d("0.01"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("10"),
	}

	if got := f.RoundPrice(d("123.456789")); !got.Equal(d("123.45")) {
		t.Errorf("RoundPrice = %s, want 123.45", got)
	}
	if got := f.RoundQuantity(d("0.0029")); !got.Equal(d("0.002")) {
		t.Errorf("RoundQuantity = %s, want 0.002", got)
	}
	// Already aligned values pass through unchanged.
	if got := f.RoundPrice(d("100.10")); !got.Equal(d("100.10")) {
		t.Errorf("aligned RoundPrice = %s", got)
	}
}

func TestMeetsMinimums(t *testing.T) {
	f := &domain.SymbolFilters{
		StepSize:    d("0.001"),
		MinQty:      d("0.01"),
		MinNotional: d("10"),
	}

	// 0.01 * 1000 = 10: exactly at the notional floor passes.
	if !f.MeetsMinimums(d("1000"), d("0.01")) {
		t.Error("exact minimum notional should pass")
	}
	if f.MeetsMinimums(d("1000"), d("0.009")) {
		t.Error("below min quantity should fail")
	}
	if f.MeetsMinimums(d("100"), d("0.05")) {
		t.Error("5 USDT notional should fail the 10 floor")
	}
}
