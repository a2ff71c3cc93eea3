package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/proddelta/internal/authcache"
	"github.com/harunnryd/proddelta/internal/concurrency"
	"github.com/harunnryd/proddelta/internal/config"
	"github.com/harunnryd/proddelta/internal/fhe"
	"github.com/harunnryd/proddelta/internal/identity"
	"github.com/harunnryd/proddelta/internal/logger"
	"github.com/harunnryd/proddelta/internal/mockchain"
	"github.com/harunnryd/proddelta/internal/scheduler"
	"github.com/harunnryd/proddelta/internal/wallet"
	"github.com/harunnryd/proddelta/internal/workflow"

	pderrors "github.com/harunnryd/proddelta/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const stopTimeout = 2 * time.Second

type prunableStore interface {
	authcache.Store
	scheduler.Pruner
}

// Runtime owns the components of one client session. The workflow
// controller is bound to a (chain, signer) pair and rebuilt whenever the
// wallet moves to another one.
type Runtime struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	Config         *config.Config
	Network        *mockchain.Network
	Guard          *identity.Guard
	Wallet         *wallet.Manager
	Gate           *fhe.Gate
	Authorizations authcache.Store
	Sweeper        *scheduler.Sweeper

	workflowCfg  workflow.RuntimeConfig
	workflowOpts []workflow.Option

	mu         sync.RWMutex
	controller *workflow.Controller
	boundChain uint64
	boundUser  common.Address
	started    bool
}

func newRuntime(ctx context.Context, cfg *config.Config, network *mockchain.Network, walletOpts []wallet.Option, workflowOpts []workflow.Option) (*Runtime, error) {
	timeout, err := cfg.Wallet.ConnectTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("wallet connect timeout: %w", err)
	}
	backoff, err := cfg.Wallet.RetryBackoffDuration()
	if err != nil {
		return nil, fmt.Errorf("wallet retry backoff: %w", err)
	}
	validity, err := cfg.Authorization.ValidityDuration()
	if err != nil {
		return nil, fmt.Errorf("authorization validity: %w", err)
	}
	mockChains, err := cfg.MockChainEndpoints()
	if err != nil {
		return nil, fmt.Errorf("resolve mock chains: %w", err)
	}

	var auths prunableStore = authcache.Shared()
	if path := cfg.Authorization.PersistPath; path != "" {
		store, err := authcache.NewFileStore(path)
		if err != nil {
			return nil, fmt.Errorf("open authorization store: %w", err)
		}
		auths = store
	}
	sweepSpec := cfg.Authorization.SweepSchedule
	if sweepSpec == "" {
		sweepSpec = config.DefaultAuthorizationSweep
	}
	sweeper, err := scheduler.NewSweeper("authorizations", auths, sweepSpec)
	if err != nil {
		return nil, fmt.Errorf("authorization sweep: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	guard := identity.NewGuard()
	r := &Runtime{
		Ctx:            ctx,
		Cancel:         cancel,
		Config:         cfg,
		Network:        network,
		Guard:          guard,
		Authorizations: auths,
		Sweeper:        sweeper,
		Gate: fhe.NewGate(network.FHE, fhe.RuntimeConfig{
			RelayerURL: cfg.FHE.RelayerURL,
			MockChains: mockChains,
		}),
		Wallet: wallet.NewManager(network.Wallet, guard, wallet.RuntimeConfig{
			Connector:      cfg.Wallet.Connector,
			ConnectTimeout: timeout,
			RetryBackoff:   backoff,
			MaxRetries:     cfg.Wallet.MaxRetries,
		}, walletOpts...),
		workflowCfg: workflow.RuntimeConfig{
			MaxValue:              cfg.Workflow.MaxValue,
			AuthorizationValidity: validity,
		},
		workflowOpts: workflowOpts,
	}
	r.Wallet.OnChange(r.sync)

	slog.Info("Runtime initialized", "chain_id", network.ChainID, "contract", network.Ledger.Address().Hex())
	return r, nil
}

// Start begins watching wallet events and sweeping expired
// authorizations.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	concurrency.Go("wallet-watch", func() { r.Wallet.Watch(r.Ctx) }, nil)
	if err := r.Sweeper.Start(r.Ctx); err != nil {
		slog.Warn("Failed to start authorization sweeper", "error", err)
	}
}

func (r *Runtime) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.Sweeper.Stop(ctx); err != nil {
		slog.Warn("Authorization sweeper did not stop cleanly", "error", err)
	}
	if r.Cancel != nil {
		r.Cancel()
	}
}

// Connect connects the wallet. On success the gate is initialized for the
// wallet's chain and a controller is bound to the signer.
func (r *Runtime) Connect(ctx context.Context) error {
	return r.Wallet.Connect(ctx)
}

// Workflow returns the controller for the current session.
func (r *Runtime) Workflow() (*workflow.Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.controller == nil {
		return nil, pderrors.InvalidTransition("wallet not connected")
	}
	return r.controller, nil
}

// sync follows wallet session changes: the gate is reset on chain moves and
// the controller is rebound when chain or signer differ.
func (r *Runtime) sync(session wallet.Session) {
	if !session.Stable() {
		r.Gate.Reset()
		r.mu.Lock()
		r.controller = nil
		r.mu.Unlock()
		slog.Info("Wallet session cleared")
		return
	}

	ctx := logger.WithChainID(r.Ctx, session.ChainID)
	if r.Gate.ChainID() != session.ChainID {
		r.Gate.Reset()
	}
	mockChains, _ := r.Config.MockChainEndpoints()
	if notice := ChainNotice(session.ChainID, mockChains, r.Config.FHE.RelayerURL); notice != "" {
		slog.Info(notice, "chain_id", session.ChainID)
	}
	if err := r.Gate.Initialize(ctx, session.ChainID); err != nil {
		slog.Warn("Encrypted-compute client unavailable", "chain_id", session.ChainID, "error", err)
	}

	user := session.Signer.Address()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller != nil && r.boundChain == session.ChainID && r.boundUser == user {
		return
	}

	ctrl, err := workflow.NewController(workflow.Dependencies{
		Gate:           r.Gate,
		Guard:          r.Guard,
		Contract:       r.Network.Ledger.Bind(user),
		Authorizations: r.Authorizations,
		User:           user,
		ChainID:        session.ChainID,
	}, r.workflowCfg, r.workflowOpts...)
	if err != nil {
		slog.Error("Failed to build workflow controller", "error", err)
		r.controller = nil
		return
	}
	r.controller = ctrl
	r.boundChain = session.ChainID
	r.boundUser = user
	slog.Info("Workflow bound", "chain_id", session.ChainID, "user", user.Hex(), "run_id", ctrl.Snapshot().RunID)
}
