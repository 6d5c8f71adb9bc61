package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("illegal state transition")
	ErrOverRefund      = errors.New("refund exceeds refundable balance")
	ErrNoExternalRef   = errors.New("payment has no external reference")
	ErrBadSignature    = errors.New("webhook signature verification failed")
	ErrAwaitingGateway = errors.New("payment not yet settled at gateway")

	// Infrastructure-facing errors surfaced by repositories.
	ErrOperationFailed    = errors.New("database operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid query execution context")
)

// GatewayError wraps a provider-side failure. Retryable errors (timeouts,
// 5xx, connection resets) leave the payment in its current state; terminal
// ones represent a definitive decline.
type GatewayError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s (code=%s, retryable=%t)", e.Provider, e.Message, e.Code, e.Retryable)
}

// IsRetryableGateway reports whether err is a gateway error safe to retry.
func IsRetryableGateway(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable
}

// IsTerminalGateway reports whether err is a definitive gateway decline.
func IsTerminalGateway(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && !ge.Retryable
}
