package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorMapper maps collaborator errors to the proddelta error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the proddelta error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps collaborator errors to proddelta categories. Errors that
// already carry a category are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "revert"):
		return fmt.Errorf("%s: %w", err.Error(), ErrContractReverted)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", ErrTransient)

	case strings.Contains(errStr, "failed to fetch"), strings.Contains(errStr, "network"), strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "unreachable"):
		return fmt.Errorf("network error: %w", ErrTransient)

	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "out of range"):
		return fmt.Errorf("invalid request: %w", ErrValidation)

	default:
		return fmt.Errorf("%s: %w", err.Error(), ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the proddelta error category for an error
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// Category returns the proddelta error category for an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrUnsupportedEnvironment):
		return "UnsupportedEnvironment"
	case errors.Is(err, ErrConnectionExhausted):
		return "ConnectionExhausted"
	case errors.Is(err, ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrGateUnavailable):
		return "GateError"
	case errors.Is(err, ErrSubmissionInProgress):
		return "SubmissionInProgress"
	case errors.Is(err, ErrComputationInProgress):
		return "ComputationInProgress"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrRefreshRequired):
		return "RefreshRequired"
	case errors.Is(err, ErrContractReverted):
		return "ContractReverted"
	case errors.Is(err, ErrDecryptionFailed):
		return "DecryptionFailed"
	case errors.Is(err, ErrTransient):
		return "Transient"
	case errors.Is(err, ErrInternal):
		return "Internal"
	default:
		return "Unknown"
	}
}

// Hint returns a short remediation hint for a categorized error, or "" when
// there is nothing the user can do beyond retrying.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "enter a whole number between 1 and 1,000,000"
	case errors.Is(err, ErrUnsupportedEnvironment):
		return "install a browser wallet extension"
	case errors.Is(err, ErrConnectionExhausted):
		return "check the wallet is unlocked, then retry"
	case errors.Is(err, ErrGateUnavailable):
		return "wait for the encrypted-compute client to initialize"
	case errors.Is(err, ErrRefreshRequired), errors.Is(err, ErrContractReverted):
		return "re-read the contract state before submitting again"
	case errors.Is(err, ErrDecryptionFailed):
		return "sign the decryption request, or switch to local test chain (31337) if the relayer is unavailable"
	default:
		return ""
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Validation wraps message as a validation error
func Validation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrValidation)
}

// InvalidTransition wraps message as an illegal state transition
func InvalidTransition(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidTransition)
}

// GateUnavailable wraps message as a gate error
func GateUnavailable(message string) error {
	return fmt.Errorf("%s: %w", message, ErrGateUnavailable)
}

// Reverted wraps a contract failure, keeping its text verbatim
func Reverted(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrContractReverted) {
		return err
	}
	return fmt.Errorf("%s: %w", err.Error(), ErrContractReverted)
}

// DecryptionFailed wraps err as a decryption failure
func DecryptionFailed(message string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", message, ErrDecryptionFailed)
	}
	return fmt.Errorf("%s: %v: %w", message, err, ErrDecryptionFailed)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable checks if an error is transient, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
