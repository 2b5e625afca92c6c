package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for the wallet identity and passport subsystems.
// Format and validation errors fail fast and never reach the network;
// provider and backend errors surface to the caller as retryable.
var (
	ErrInvalidAddress     = errors.New("invalid wallet address format")
	ErrNoProvider         = errors.New("no wallet provider detected")
	ErrUserRejected       = errors.New("user rejected connection request")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrAccountStoreDown   = errors.New("account store unavailable")
	ErrBackendAuth        = errors.New("backend authentication failure")
	ErrWalletNotFound     = errors.New("wallet not linked to any account")
	ErrLinkConflict       = errors.New("wallet already linked to another account")
	ErrPopupBlocked       = errors.New("verification window blocked")
	ErrPassportTimeout    = errors.New("passport verification timed out")

	// ErrSuperseded is returned when a resolution completes after a newer
	// account or chain event has already started; its result is discarded.
	ErrSuperseded = errors.New("resolution superseded by newer wallet event")
)

// httpStatusFor maps taxonomy errors to HTTP status codes at the handler
// boundary. Unknown errors map to 500.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoProvider):
		return http.StatusNotFound
	case errors.Is(err, ErrUserRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrUnsupportedNetwork):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAccountStoreDown):
		return http.StatusBadGateway
	case errors.Is(err, ErrBackendAuth):
		return http.StatusBadGateway
	case errors.Is(err, ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLinkConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPopupBlocked):
		return http.StatusConflict
	case errors.Is(err, ErrPassportTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error body with the mapped status code.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), httpStatusFor(err))
}
