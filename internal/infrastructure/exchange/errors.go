package exchange

import (
	"errors"

	"github.com/adshao/go-binance/v2/common"

	"github.com/vkotik/dripfeed/internal/domain"
)

// Binance numeric error codes the gateways interpret rather than bubble up
// verbatim.
const (
	codeInvalidSymbol  = -1121
	codeClockSkew      = -1021
	codeOrderNotExist  = -2013
	codeNoNeedToChange = -4046 // margin type already set
)

// mapAPIError translates well-known Binance API errors into domain errors so
// callers don't depend on exchange error codes.
func mapAPIError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case codeInvalidSymbol:
		return domain.ErrInvalidSymbol
	case codeOrderNotExist:
		return domain.ErrOrderNotFound
	}
	return err
}

// isClockSkew reports whether the error is the timestamp-outside-recv-window
// rejection that a server-time resync fixes.
func isClockSkew(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeClockSkew
}

// isMarginNoChange reports the "no need to change margin type" rejection,
// which setup treats as success.
func isMarginNoChange(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChange
}
