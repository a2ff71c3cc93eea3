package mockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/proddelta/internal/wallet"
)

// Wallet is an injected browser wallet. Failures queued with FailNext are
// returned by the following Connect calls in order.
type Wallet struct {
	mu         sync.Mutex
	chainID    uint64
	account    *Account
	connectors map[string]bool
	failures   []error
	latency    time.Duration
	connected  bool
	calls      int
	events     chan wallet.Event
}

func NewWallet(chainID uint64, account *Account) *Wallet {
	return &Wallet{
		chainID:    chainID,
		account:    account,
		connectors: map[string]bool{"injected": true},
		events:     make(chan wallet.Event, 16),
	}
}

// FailNext queues errors for the next Connect calls.
func (w *Wallet) FailNext(errs ...error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = append(w.failures, errs...)
}

// SetLatency delays every Connect by d, honoring the context.
func (w *Wallet) SetLatency(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latency = d
}

func (w *Wallet) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *Wallet) Connect(ctx context.Context, connectorID string) (wallet.Session, error) {
	w.mu.Lock()
	w.calls++
	latency := w.latency
	var queued error
	if len(w.failures) > 0 {
		queued = w.failures[0]
		w.failures = w.failures[1:]
	}
	known := w.connectors[connectorID]
	w.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return wallet.Session{}, ctx.Err()
		case <-time.After(latency):
		}
	}
	if !known {
		return wallet.Session{}, fmt.Errorf("%s: %w", connectorID, wallet.ErrConnectorMissing)
	}
	if queued != nil {
		return wallet.Session{}, queued
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return wallet.Session{ChainID: w.chainID, Signer: w.account}, nil
}

func (w *Wallet) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
	return nil
}

func (w *Wallet) Events() <-chan wallet.Event {
	return w.events
}

// SwitchChain moves the wallet to chainID and announces it.
func (w *Wallet) SwitchChain(chainID uint64) {
	w.mu.Lock()
	w.chainID = chainID
	connected := w.connected
	w.mu.Unlock()
	if connected {
		w.events <- wallet.Event{Type: wallet.EventChainChanged, ChainID: chainID}
	}
}

// SwitchAccount selects another account; nil locks the wallet.
func (w *Wallet) SwitchAccount(account *Account) {
	w.mu.Lock()
	w.account = account
	connected := w.connected
	w.mu.Unlock()
	if !connected {
		return
	}
	evt := wallet.Event{Type: wallet.EventAccountsChanged}
	if account != nil {
		evt.Signer = account
	}
	w.events <- evt
}
