package fhe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pderrors "github.com/harunnryd/proddelta/internal/errors"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateError         State = "error"
)

type RuntimeConfig struct {
	RelayerURL string
	// MockChains maps chain ids served by a local node in mock mode.
	MockChains map[uint64]string
}

// Gate tracks the client lifecycle and hands the client out only when ready.
type Gate struct {
	client     Client
	relayerURL string
	mockChains map[uint64]string

	mu         sync.RWMutex
	state      State
	chainID    uint64
	err        error
	generation uint64
}

func NewGate(client Client, runtimeCfg RuntimeConfig) *Gate {
	mockChains := make(map[uint64]string, len(runtimeCfg.MockChains))
	for id, endpoint := range runtimeCfg.MockChains {
		mockChains[id] = endpoint
	}
	return &Gate{
		client:     client,
		relayerURL: runtimeCfg.RelayerURL,
		mockChains: mockChains,
		state:      StateUninitialized,
	}
}

// Endpoint picks the local node for mock chains and the relayer otherwise.
func (g *Gate) Endpoint(chainID uint64) (endpoint string, mock bool) {
	if ep, ok := g.mockChains[chainID]; ok {
		return ep, true
	}
	return g.relayerURL, false
}

// Initialize brings the client up for chainID. Calls while initializing are
// no-ops, as are calls for the chain that is already ready. A fatal error
// for the same chain is returned again without retrying; a transient one
// retries.
func (g *Gate) Initialize(ctx context.Context, chainID uint64) error {
	g.mu.Lock()
	if g.client == nil {
		g.state = StateError
		g.err = fmt.Errorf("no encrypted-compute client configured")
		g.mu.Unlock()
		return g.err
	}

	switch g.state {
	case StateInitializing:
		g.mu.Unlock()
		return nil
	case StateReady:
		if g.chainID == chainID {
			g.mu.Unlock()
			return nil
		}
	case StateError:
		if g.chainID == chainID && !IsTransient(g.err) {
			err := g.err
			g.mu.Unlock()
			return err
		}
	}

	g.state = StateInitializing
	g.chainID = chainID
	g.err = nil
	g.generation++
	gen := g.generation
	g.mu.Unlock()

	endpoint, mock := g.Endpoint(chainID)
	slog.Info("Initializing encrypted-compute client", "chain_id", chainID, "endpoint", endpoint, "mock", mock)

	err := g.client.Initialize(ctx, chainID, endpoint)

	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.generation {
		slog.Debug("Discarding stale client initialization", "chain_id", chainID)
		return nil
	}
	if err != nil {
		g.state = StateError
		g.err = err
		if IsTransient(err) {
			slog.Warn("Encrypted-compute client initialization failed (transient)", "chain_id", chainID, "error", err)
		} else {
			slog.Error("Encrypted-compute client initialization failed", "chain_id", chainID, "error", err)
		}
		return err
	}

	g.state = StateReady
	slog.Info("Encrypted-compute client ready", "chain_id", chainID)
	return nil
}

// Reset returns the gate to uninitialized, e.g. after a chain switch or
// disconnect. An in-flight initialization is discarded when it resolves.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation++
	g.state = StateUninitialized
	g.chainID = 0
	g.err = nil
}

// Client returns the client when ready. Any other state yields an error
// wrapping ErrGateUnavailable.
func (g *Gate) Client() (Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch g.state {
	case StateReady:
		return g.client, nil
	case StateError:
		return nil, fmt.Errorf("encrypted-compute client failed: %v: %w", g.err, pderrors.ErrGateUnavailable)
	default:
		return nil, pderrors.GateUnavailable("encrypted-compute client " + string(g.state))
	}
}

func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Gate) Ready() bool {
	return g.State() == StateReady
}

func (g *Gate) ChainID() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chainID
}

// Err is the raw diagnostic while in StateError.
func (g *Gate) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

// UserError is the diagnostic worth showing: nil unless the gate failed
// with a non-transient error.
func (g *Gate) UserError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != StateError || IsTransient(g.err) {
		return nil
	}
	return g.err
}

// IsTransient matches relayer network fetch failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pderrors.ErrTransient) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "failed to fetch")
}
