package common

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors every gateway maps venue failures onto. Callers decide
// retry/fail policy by class, never by venue-specific codes.
var (
	// ErrRateLimited: the venue throttled the request. Transient.
	ErrRateLimited = errors.New("rate limited by exchange")

	// ErrNetwork: the request may or may not have reached the venue.
	// Transient; the true outcome must be recovered by a status query.
	ErrNetwork = errors.New("network error")

	// ErrInvalidSymbol: the venue does not trade this symbol. Deterministic.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInsufficientBalance: not enough margin/funds. Deterministic.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAuthFailure: bad or revoked API credentials. Deterministic.
	ErrAuthFailure = errors.New("exchange authentication failed")

	// ErrOrderNotFound: the venue has no record of the order.
	ErrOrderNotFound = errors.New("order not found on exchange")

	// ErrAlreadyFilled: cancel raced a fill; the order is done.
	ErrAlreadyFilled = errors.New("order already filled")
)

// IsTransient reports whether err describes a failure whose outcome is
// unknown or retriable: the order may still exist on the venue side, so
// the local record must not be marked FAILED.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
