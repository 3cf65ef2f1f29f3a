package tracker

import (
	"errors"

	"nuha.dev/famtrack/internal/connstate"
)

var (
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrOutOfOrder           = errors.New("out of order")
	ErrInvalidCoordinates   = errors.New("invalid coordinates")
	ErrInvalidFix           = errors.New("invalid fix")
	ErrTransportFailure     = errors.New("transport failure")
	ErrRetryBudgetExhausted = connstate.ErrRetryBudgetExhausted
	ErrNoTargetDevice       = errors.New("no target device")
)

// Reply codes sent back to a submitter.
const (
	CodeOK                 string = "ok"
	CodeRateLimited        string = "rate_limited"
	CodeUnauthenticated    string = "unauthenticated"
	CodeOutOfOrder         string = "out_of_order"
	CodeInvalidCoordinates string = "invalid_coordinates"
	CodeInvalidFix         string = "invalid_fix"
	CodeTransportFailure   string = "transport_failure"
	CodeInternal           string = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrRateLimited, CodeRateLimited},
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrOutOfOrder, CodeOutOfOrder},
	{ErrInvalidCoordinates, CodeInvalidCoordinates},
	{ErrInvalidFix, CodeInvalidFix},
	{ErrTransportFailure, CodeTransportFailure},
}

func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Recoverable reports whether the sender may keep its connection after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrInvalidCoordinates) || errors.Is(err, ErrInvalidFix)
}
