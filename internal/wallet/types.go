package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/proddelta/internal/identity"

	pderrors "github.com/harunnryd/proddelta/internal/errors"
)

// Errors a Provider wraps so the manager can classify failures without
// string matching.
var (
	ErrUserRejected     = errors.New("user rejected the request")
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrConnectorMissing = errors.New("connector not found")
)

type Session struct {
	ChainID uint64
	Signer  identity.Signer
}

func (s Session) Stable() bool {
	return s.ChainID != 0 && s.Signer != nil
}

type EventType string

const (
	EventChainChanged    EventType = "chain_changed"
	EventAccountsChanged EventType = "accounts_changed"
	EventDisconnected    EventType = "disconnected"
)

// Event is a change pushed by the wallet provider. ChainID is set for
// chain changes, Signer for account changes (nil when the wallet locked).
type Event struct {
	Type    EventType
	ChainID uint64
	Signer  identity.Signer
}

// Provider is the wallet vendor library boundary.
type Provider interface {
	Connect(ctx context.Context, connectorID string) (Session, error)
	Disconnect(ctx context.Context) error
	Events() <-chan Event
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRetrying   Status = "retrying"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
)

// Kind classifies a failed connection attempt.
type Kind string

const (
	KindUserRejected     Kind = "UserRejected"
	KindUnsupportedChain Kind = "UnsupportedChain"
	KindConnectorMissing Kind = "ConnectorMissing"
	KindTimeout          Kind = "Timeout"
	KindUnknown          Kind = "Unknown"
)

// Retryable reports whether the manager retries this kind automatically.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindUnknown
}

func (k Kind) message() string {
	switch k {
	case KindUserRejected:
		return "connection request was rejected in the wallet"
	case KindUnsupportedChain:
		return "wallet is on an unsupported network"
	case KindConnectorMissing:
		return "no wallet connector found"
	case KindTimeout:
		return "wallet did not respond in time"
	default:
		return "wallet connection failed"
	}
}

func (k Kind) hint() string {
	switch k {
	case KindUserRejected:
		return "approve the connection request to continue"
	case KindUnsupportedChain:
		return "switch to local test chain (31337) or Sepolia"
	case KindConnectorMissing:
		return "install or enable a browser wallet"
	case KindTimeout:
		return "unlock the wallet and retry"
	default:
		return ""
	}
}

// ConnectionError is one classified failure.
type ConnectionError struct {
	Kind    Kind
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Kind.message()
	}
	return fmt.Sprintf("%s: %v", e.Kind.message(), e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{pderrors.ErrConnection}
	}
	return []error{pderrors.ErrConnection, e.Err}
}

// Hint is the remediation shown next to the message.
func (e *ConnectionError) Hint() string {
	return e.Kind.hint()
}

// Classify maps a provider error to a Kind. Sentinels are checked first,
// then the wording common wallet libraries use.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, ErrUnsupportedChain):
		return KindUnsupportedChain
	case errors.Is(err, ErrConnectorMissing):
		return KindConnectorMissing
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"), strings.Contains(msg, "4001"):
		return KindUserRejected
	case strings.Contains(msg, "unsupported chain"), strings.Contains(msg, "chain mismatch"), strings.Contains(msg, "unrecognized chain"), strings.Contains(msg, "4902"):
		return KindUnsupportedChain
	case strings.Contains(msg, "connector not found"), strings.Contains(msg, "provider not found"), strings.Contains(msg, "no injected"):
		return KindConnectorMissing
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// Attempt is the observable connection state.
type Attempt struct {
	RetryCount int
	LastError  error
	Status     Status
}
