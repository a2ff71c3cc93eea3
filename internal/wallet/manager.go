package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/proddelta/internal/config"
	"github.com/harunnryd/proddelta/internal/identity"

	pderrors "github.com/harunnryd/proddelta/internal/errors"
)

type RuntimeConfig struct {
	Connector      string
	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int
}

// Manager establishes and supervises the wallet connection.
type Manager struct {
	provider Provider
	guard    *identity.Guard

	connector  string
	timeout    time.Duration
	backoff    time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error

	mu         sync.RWMutex
	attempt    Attempt
	session    Session
	connecting bool
	cancel     context.CancelFunc
	listeners  []func(Session)
}

type Option func(*Manager)

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// NewManager builds a manager. A nil provider means no wallet is installed;
// Connect then fails with ErrUnsupportedEnvironment.
func NewManager(provider Provider, guard *identity.Guard, runtimeCfg RuntimeConfig, opts ...Option) *Manager {
	if runtimeCfg.Connector == "" {
		runtimeCfg.Connector = config.DefaultWalletConnector
	}
	if runtimeCfg.ConnectTimeout <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultWalletConnectTimeout)
		if err == nil {
			runtimeCfg.ConnectTimeout = d
		}
	}
	if runtimeCfg.RetryBackoff <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultWalletRetryBackoff)
		if err == nil {
			runtimeCfg.RetryBackoff = d
		}
	}
	if runtimeCfg.MaxRetries <= 0 {
		runtimeCfg.MaxRetries = config.DefaultWalletMaxRetries
	}
	if guard == nil {
		guard = identity.NewGuard()
	}

	m := &Manager{
		provider:   provider,
		guard:      guard,
		connector:  runtimeCfg.Connector,
		timeout:    runtimeCfg.ConnectTimeout,
		backoff:    runtimeCfg.RetryBackoff,
		maxRetries: runtimeCfg.MaxRetries,
		sleep:      sleepContext,
		attempt:    Attempt{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChange registers fn to run after every session change.
func (m *Manager) OnChange(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Guard() *identity.Guard {
	return m.guard
}

func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Manager) Attempt() Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempt
}

// Connect runs one attempt plus up to maxRetries automatic retries for
// Timeout and Unknown failures. Retry n waits n times the backoff. Every
// attempt gets its own timeout of the same length.
func (m *Manager) Connect(ctx context.Context) error {
	if m.provider == nil {
		err := fmt.Errorf("no wallet provider available: %w", pderrors.ErrUnsupportedEnvironment)
		m.setAttempt(Attempt{Status: StatusFailed, LastError: err})
		return err
	}

	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return pderrors.InvalidTransition("wallet connection already in progress")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.connecting = true
	m.cancel = cancel
	m.attempt = Attempt{Status: StatusConnecting}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.cancel = nil
		m.mu.Unlock()
		cancel()
	}()

	retries := 0
	for {
		session, err := m.connectOnce(ctx)
		if err == nil {
			if !m.establish(ctx, session) {
				return ctx.Err()
			}
			slog.Info("Wallet connected", "chain_id", session.ChainID, "retries", retries)
			return nil
		}

		if ctx.Err() != nil {
			m.setAttempt(Attempt{Status: StatusIdle})
			return ctx.Err()
		}

		cerr := &ConnectionError{Kind: Classify(err), Attempt: retries + 1, Err: err}
		if !cerr.Kind.Retryable() {
			slog.Warn("Wallet connection failed", "kind", cerr.Kind, "error", err)
			m.setAttempt(Attempt{Status: StatusFailed, LastError: cerr})
			return cerr
		}

		if retries >= m.maxRetries {
			exhausted := fmt.Errorf("wallet connection failed after %d retries: %w: %w", retries, pderrors.ErrConnectionExhausted, cerr)
			slog.Warn("Wallet connection retries exhausted", "retries", retries, "error", err)
			m.setAttempt(Attempt{Status: StatusFailed, LastError: exhausted})
			return exhausted
		}

		retries++
		delay := m.backoff * time.Duration(retries)
		m.setAttempt(Attempt{Status: StatusRetrying, RetryCount: retries, LastError: cerr})
		slog.Warn("Wallet connection retry", "attempt", retries, "delay", delay, "kind", cerr.Kind, "error", err)

		if err := m.sleep(ctx, delay); err != nil {
			m.setAttempt(Attempt{Status: StatusIdle})
			return err
		}
		m.setAttempt(Attempt{Status: StatusConnecting, RetryCount: retries, LastError: cerr})
	}
}

// connectOnce enforces the watchdog even if the provider ignores ctx.
func (m *Manager) connectOnce(ctx context.Context) (Session, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		session Session
		err     error
	}
	done := make(chan result, 1)
	go func() {
		session, err := m.provider.Connect(attemptCtx, m.connector)
		done <- result{session: session, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && !res.session.Stable() {
			return Session{}, errors.New("wallet returned no account or chain")
		}
		return res.session, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return Session{}, ctx.Err()
		}
		return Session{}, fmt.Errorf("no response within %s: %w", m.timeout, context.DeadlineExceeded)
	}
}

// establish commits the session unless Disconnect cancelled ctx first.
func (m *Manager) establish(ctx context.Context, session Session) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.session = session
	m.attempt = Attempt{Status: StatusConnected}
	m.mu.Unlock()

	m.guard.Remember(session.ChainID, session.Signer)
	m.notify(session)
	return true
}

// Disconnect clears the session, error and retry counter no matter what the
// provider reports. A Connect still in flight is abandoned.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	var err error
	if m.provider != nil {
		err = m.provider.Disconnect(ctx)
		if err != nil {
			slog.Warn("Wallet disconnect reported an error", "error", err)
		}
	}

	m.mu.Lock()
	m.session = Session{}
	m.attempt = Attempt{Status: StatusIdle}
	m.mu.Unlock()

	m.guard.Forget()
	m.notify(Session{})
	return err
}

// Watch applies provider events until ctx ends or the channel closes.
func (m *Manager) Watch(ctx context.Context) {
	if m.provider == nil {
		return
	}
	events := m.provider.Events()
	if events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.apply(evt)
		}
	}
}

func (m *Manager) apply(evt Event) {
	m.mu.Lock()
	if m.attempt.Status != StatusConnected {
		m.mu.Unlock()
		slog.Debug("Ignoring wallet event while not connected", "type", evt.Type)
		return
	}

	switch evt.Type {
	case EventChainChanged:
		m.session.ChainID = evt.ChainID
	case EventAccountsChanged:
		m.session.Signer = evt.Signer
	case EventDisconnected:
		m.session = Session{}
	}
	if !m.session.Stable() {
		m.session = Session{}
		m.attempt = Attempt{Status: StatusIdle}
	}
	session := m.session
	m.mu.Unlock()

	slog.Info("Wallet session changed", "type", evt.Type, "chain_id", session.ChainID)
	m.guard.Remember(session.ChainID, session.Signer)
	m.notify(session)
}

func (m *Manager) setAttempt(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = a
}

func (m *Manager) notify(session Session) {
	m.mu.RLock()
	listeners := append([]func(Session){}, m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(session)
	}
}

// StatusText is the user-visible connection line.
func (m *Manager) StatusText() string {
	m.mu.RLock()
	attempt := m.attempt
	session := m.session
	m.mu.RUnlock()

	switch attempt.Status {
	case StatusConnecting:
		return "Connecting..."
	case StatusRetrying:
		return fmt.Sprintf("Connection failed, retrying (%d/%d)...", attempt.RetryCount, m.maxRetries)
	case StatusConnected:
		return "Connected: " + shortAddress(session)
	case StatusFailed:
		return failureText(attempt.LastError)
	default:
		return "Not connected"
	}
}

func failureText(err error) string {
	if err == nil {
		return "Connection failed"
	}

	var cerr *ConnectionError
	switch {
	case errors.Is(err, pderrors.ErrUnsupportedEnvironment):
		return "No wallet detected (" + pderrors.Hint(err) + ")"
	case errors.Is(err, pderrors.ErrConnectionExhausted):
		return "Could not connect after several attempts (" + pderrors.Hint(err) + ")"
	case errors.As(err, &cerr):
		text := "Connection failed: " + cerr.Kind.message()
		if hint := cerr.Hint(); hint != "" {
			text += " (" + hint + ")"
		}
		return text
	default:
		return "Connection failed: " + err.Error()
	}
}

func shortAddress(session Session) string {
	if session.Signer == nil {
		return ""
	}
	hex := session.Signer.Address().Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
