package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials means the client was constructed without a
	// complete credential set. Fatal at startup, never retried.
	ErrMissingCredentials = errors.New("mpesa: missing credentials")

	// ErrAuthFailed wraps any failure of the OAuth token exchange.
	ErrAuthFailed = errors.New("mpesa: token exchange failed")

	// ErrGatewayUnavailable wraps a transport failure or 5xx that
	// survived the bounded retry loop.
	ErrGatewayUnavailable = errors.New("mpesa: gateway unavailable")

	errUnauthorized = errors.New("mpesa: access token rejected")
)

// RejectedError is a non-retryable rejection: a 4xx from the gateway or
// a 200 whose body carries a non-zero ResponseCode.
type RejectedError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa: request rejected (%d, code %s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("mpesa: request rejected (%d): %s", e.StatusCode, e.Description)
}
