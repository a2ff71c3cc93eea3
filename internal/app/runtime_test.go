package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harunnryd/proddelta/internal/config"
	"github.com/harunnryd/proddelta/internal/fhe"
	"github.com/harunnryd/proddelta/internal/wallet"
	"github.com/harunnryd/proddelta/internal/workflow"

	pderrors "github.com/harunnryd/proddelta/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	local := strconv.Itoa(config.DefaultLocalChainID)
	return &config.Config{
		Log: config.LogConfig{Level: "error"},
		Wallet: config.WalletConfig{
			Connector:      config.DefaultWalletConnector,
			ConnectTimeout: "1s",
			MaxRetries:     config.DefaultWalletMaxRetries,
			RetryBackoff:   config.DefaultWalletRetryBackoff,
		},
		FHE: config.FHEConfig{
			RelayerURL: config.DefaultRelayerURL,
			MockChains: map[string]string{local: config.DefaultLocalChainEndpoint},
		},
		Ledger:   config.LedgerConfig{Contracts: map[string]string{local: config.DefaultLocalContract}},
		Workflow: config.WorkflowConfig{MaxValue: config.DefaultWorkflowMaxValue},
		Authorization: config.AuthorizationConfig{
			Validity:    config.DefaultAuthorizationTTL,
			PersistPath: filepath.Join(t.TempDir(), "authorizations.json"),
		},
	}
}

func noSleep(delays *[]time.Duration) wallet.Option {
	return wallet.WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func buildRuntime(t *testing.T, cfg *config.Config, opts ...wallet.Option) *Runtime {
	t.Helper()
	rt, err := NewBuilder().
		WithContext(context.Background()).
		WithConfig(cfg).
		WithWalletOptions(opts...).
		Build()
	require.NoError(t, err)
	t.Cleanup(rt.Stop)
	return rt
}

func TestBuilder_RequiresConfig(t *testing.T) {
	_, err := NewBuilder().Build()
	assert.Error(t, err)
}

func TestLocalNetwork_RequiresContract(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Contracts = nil

	_, err := LocalNetwork(cfg)
	assert.Error(t, err)
}

func TestRuntime_WorkflowRequiresConnection(t *testing.T) {
	rt := buildRuntime(t, testConfig(t))

	_, err := rt.Workflow()
	assert.ErrorIs(t, err, pderrors.ErrInvalidTransition)
}

func TestRuntime_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	rt := buildRuntime(t, cfg)
	ctx := context.Background()

	require.NoError(t, rt.Connect(ctx))
	assert.True(t, rt.Gate.Ready())
	assert.Equal(t, "Connected: 0x7099...79C8", rt.Wallet.StatusText())

	ctrl, err := rt.Workflow()
	require.NoError(t, err)

	deployed, err := ctrl.CheckDeployment(ctx)
	require.NoError(t, err)
	assert.True(t, deployed)

	require.NoError(t, ctrl.SubmitProduction(ctx, 100, false))
	require.NoError(t, ctrl.SubmitProduction(ctx, 150, true))
	require.NoError(t, ctrl.CalculateDelta(ctx))
	require.NoError(t, ctrl.DecryptDeltaHandle(ctx))

	snap := ctrl.Snapshot()
	assert.Equal(t, workflow.PhaseDecrypted, snap.Phase)
	assert.Equal(t, int64(50), snap.Decryption.ClearValue)

	_, err = os.Stat(cfg.Authorization.PersistPath)
	assert.NoError(t, err, "authorization should be persisted")
	assert.Equal(t, 1, rt.Network.FHE.AuthorizationRequests())
}

func TestRuntime_PersistedAuthorizationSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first := buildRuntime(t, cfg)
	require.NoError(t, first.Connect(ctx))
	ctrl, err := first.Workflow()
	require.NoError(t, err)
	require.NoError(t, ctrl.SubmitProduction(ctx, 10, false))
	require.NoError(t, ctrl.SubmitProduction(ctx, 4, true))
	require.NoError(t, ctrl.CalculateDelta(ctx))
	require.NoError(t, ctrl.DecryptDeltaHandle(ctx))

	// A new runtime shares the network so the signature still verifies.
	second, err := NewBuilder().WithConfig(cfg).WithNetwork(first.Network).Build()
	require.NoError(t, err)
	defer second.Stop()
	require.NoError(t, second.Connect(ctx))

	ctrl, err = second.Workflow()
	require.NoError(t, err)
	require.NoError(t, ctrl.Refresh(ctx))
	require.NoError(t, ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, int64(-6), ctrl.Snapshot().Decryption.ClearValue)
	assert.Equal(t, 1, first.Network.FHE.AuthorizationRequests())
}

func TestRuntime_ConnectRetriesTransientFailures(t *testing.T) {
	var delays []time.Duration
	rt := buildRuntime(t, testConfig(t), noSleep(&delays))
	rt.Network.Wallet.FailNext(errors.New("request timed out"), errors.New("internal json-rpc error"))

	require.NoError(t, rt.Connect(context.Background()))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, 3, rt.Network.Wallet.Calls())
}

func TestRuntime_ConnectStopsOnRejection(t *testing.T) {
	rt := buildRuntime(t, testConfig(t))
	rt.Network.Wallet.FailNext(wallet.ErrUserRejected)

	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, wallet.StatusFailed, rt.Wallet.Attempt().Status)
	assert.Equal(t, 1, rt.Network.Wallet.Calls())
	_, err = rt.Workflow()
	assert.Error(t, err)
}

func TestRuntime_AccountSwitchRebindsWorkflow(t *testing.T) {
	rt := buildRuntime(t, testConfig(t))
	rt.Start()
	ctx := context.Background()
	require.NoError(t, rt.Connect(ctx))

	before, err := rt.Workflow()
	require.NoError(t, err)

	rt.Network.Wallet.SwitchAccount(rt.Network.Outsider())
	assert.Eventually(t, func() bool {
		ctrl, err := rt.Workflow()
		return err == nil && ctrl != before
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, rt.Network.Outsider().Address(), rt.Guard.Capture().Signer.Address())
}

func TestRuntime_ChainSwitchResetsGate(t *testing.T) {
	rt := buildRuntime(t, testConfig(t))
	rt.Start()
	require.NoError(t, rt.Connect(context.Background()))
	require.True(t, rt.Gate.Ready())
	before, err := rt.Workflow()
	require.NoError(t, err)

	rt.Network.Wallet.SwitchChain(config.DefaultSepoliaChainID)
	var ctrl *workflow.Controller
	require.Eventually(t, func() bool {
		ctrl, err = rt.Workflow()
		return err == nil && ctrl != before
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, fhe.StateError, rt.Gate.State())
	assert.False(t, ctrl.Snapshot().CanSubmit)

	deployed, err := ctrl.CheckDeployment(context.Background())
	require.NoError(t, err)
	assert.False(t, deployed)
}

func TestRuntime_LockedWalletClearsWorkflow(t *testing.T) {
	rt := buildRuntime(t, testConfig(t))
	rt.Start()
	require.NoError(t, rt.Connect(context.Background()))

	rt.Network.Wallet.SwitchAccount(nil)
	assert.Eventually(t, func() bool {
		_, err := rt.Workflow()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, fhe.StateUninitialized, rt.Gate.State())
	assert.False(t, rt.Guard.Stable())
}

func TestChainNotice(t *testing.T) {
	mock := map[uint64]string{31337: "http://localhost:8545"}

	assert.Contains(t, ChainNotice(31337, mock, config.DefaultRelayerURL), "http://localhost:8545")
	assert.Contains(t, ChainNotice(11155111, mock, config.DefaultRelayerURL), "relayer.testnet.zama.cloud")
	assert.Empty(t, ChainNotice(1, mock, config.DefaultRelayerURL))
}

func TestRuntime_StartRunsSweeper(t *testing.T) {
	rt := buildRuntime(t, testConfig(t))
	assert.False(t, rt.Sweeper.IsRunning())

	rt.Start()
	assert.True(t, rt.Sweeper.IsRunning())
	assert.NoError(t, rt.Sweeper.Health(context.Background()))

	rt.Stop()
	assert.False(t, rt.Sweeper.IsRunning())
}

func TestBuilder_RejectsBadSweepSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Authorization.SweepSchedule = "sometimes"

	_, err := NewBuilder().WithConfig(cfg).Build()
	assert.Error(t, err)
}
