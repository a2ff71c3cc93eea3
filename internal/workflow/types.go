package workflow

import (
	"time"

	"github.com/harunnryd/proddelta/internal/fhe"
	"github.com/harunnryd/proddelta/internal/ledger"
)

type Phase string

const (
	PhaseEmpty        Phase = "EMPTY"
	PhaseYesterdaySet Phase = "YESTERDAY_SET"
	PhaseTodaySet     Phase = "TODAY_SET"
	PhaseBothSet      Phase = "BOTH_SET"
	PhaseComputing    Phase = "COMPUTING"
	PhaseComputed     Phase = "COMPUTED"
	PhaseDecrypting   Phase = "DECRYPTING"
	PhaseDecrypted    Phase = "DECRYPTED"
)

// EncryptedSlot is immutable; submitting replaces the empty slot with a new
// submitted one.
type EncryptedSlot struct {
	Role      ledger.Role
	Handle    fhe.Handle
	Submitted bool
}

type ComputationState string

const (
	ComputationNone      ComputationState = "NONE"
	ComputationComputing ComputationState = "COMPUTING"
	ComputationComputed  ComputationState = "COMPUTED"
)

type DeltaComputation struct {
	State        ComputationState
	ResultHandle fhe.Handle
}

type DecryptionState string

const (
	DecryptionNone      DecryptionState = "NONE"
	DecryptionPending   DecryptionState = "PENDING"
	DecryptionDecrypted DecryptionState = "DECRYPTED"
	DecryptionFailed    DecryptionState = "FAILED"
)

type DecryptionResult struct {
	State DecryptionState
	// ClearValue is signed: today minus yesterday. Only meaningful when
	// State is DECRYPTED.
	ClearValue   int64
	ErrorMessage string
}

type Stats struct {
	ContractInteractions int
	AverageResponseTime  time.Duration
	ErrorCount           int
}

// Snapshot is a copy of the controller state; the capability flags are
// derived on every call.
type Snapshot struct {
	RunID           string
	Phase           Phase
	Slots           [2]EncryptedSlot
	Submitting      [2]bool
	RefreshRequired [2]bool
	Computation     DeltaComputation
	Decryption      DecryptionResult

	// Deployed is nil until CheckDeployment ran.
	Deployed       *bool
	GateState      fhe.State
	IdentityStable bool

	LastError string
	LastHint  string
	Stats     Stats

	CanSubmit    bool
	CanCalculate bool
	CanDecrypt   bool
}

func (s Snapshot) Slot(role ledger.Role) EncryptedSlot {
	return s.Slots[role]
}
