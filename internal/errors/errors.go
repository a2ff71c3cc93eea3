package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrValidation - bad user input (show validation error, user corrects and retries)
	ErrValidation = errors.New("validation error")

	// ErrConnection - wallet connection failed (classified by wallet.Kind, surfaced as status text)
	ErrConnection = errors.New("connection error")

	// ErrUnsupportedEnvironment - no wallet provider present
	ErrUnsupportedEnvironment = errors.New("unsupported environment")

	// ErrConnectionExhausted - automatic connection retries used up (manual retry starts fresh)
	ErrConnectionExhausted = errors.New("connection retries exhausted")

	// ErrGateUnavailable - encrypted-compute client not ready (operation blocked, not failed)
	ErrGateUnavailable = errors.New("encrypted-compute client unavailable")

	// ErrSubmissionInProgress - a submission for the same role is already in flight
	ErrSubmissionInProgress = errors.New("submission in progress")

	// ErrComputationInProgress - a delta computation is already in flight
	ErrComputationInProgress = errors.New("computation in progress")

	// ErrInvalidTransition - operation not legal in the current workflow state
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRefreshRequired - on-chain state unknown after a revert, re-read handles first
	ErrRefreshRequired = errors.New("refresh required")

	// ErrContractReverted - contract call reverted (surfaced verbatim, no retry)
	ErrContractReverted = errors.New("contract reverted")

	// ErrDecryptionFailed - signature rejected or relayer failure (user must re-invoke)
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrTransient - transient error (retry with backoff)
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
