package session

import (
	"context"
	"errors"
	"net"

	"github.com/wispberry-tech/travelease/core"
)

var (
	// ErrInvalidCredentials is returned when email and password do not match
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned when registering an email that is taken
	ErrAccountExists = errors.New("account already exists")
	// ErrNetworkUnavailable is returned when the provider cannot be reached
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrOperationInFlight is returned when another authentication operation
	// of the same store has not finished yet
	ErrOperationInFlight = errors.New("another authentication operation is in progress")
	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("session store closed")
)

// ProviderError carries a provider failure message meant for the visitor.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// classify maps a provider failure onto the store's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var verr *core.ValidationError
	var netErr net.Error
	switch {
	case errors.Is(err, core.ErrInvalidCredentials):
		return ErrInvalidCredentials
	case errors.Is(err, core.ErrUserExists):
		return ErrAccountExists
	case errors.Is(err, core.ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return ErrNetworkUnavailable
	case errors.Is(err, core.ErrAccountLocked):
		return &ProviderError{Message: "Too many failed attempts, try again later", Err: err}
	case errors.Is(err, core.ErrAccountInactive):
		return &ProviderError{Message: "This account has been disabled", Err: err}
	case errors.Is(err, core.ErrInvalidProvider):
		return &ProviderError{Message: "Unsupported sign-in provider", Err: err}
	case errors.Is(err, core.ErrNoSession):
		return &ProviderError{Message: "You are not signed in", Err: err}
	case errors.As(err, &verr):
		return &ProviderError{Message: verr.Message, Err: err}
	default:
		return &ProviderError{Message: err.Error(), Err: err}
	}
}
