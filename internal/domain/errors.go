package domain

import "errors"

var (
	// ErrOrderNotFound is returned by repositories when no row matches.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidSymbol marks a symbol the exchange rejected; the symbol is
	// excluded from future cycles until re-validated.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrBelowMinNotional is returned when a rounded order would fall under
	// the exchange's minimum notional filter.
	ErrBelowMinNotional = errors.New("order below minimum notional")

	// ErrReserveViolation is returned when an order would push available
	// capital under the configured reserve floor.
	ErrReserveViolation = errors.New("order would violate reserve balance")
)
