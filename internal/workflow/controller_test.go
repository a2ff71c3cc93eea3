package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/proddelta/internal/authcache"
	pderrors "github.com/harunnryd/proddelta/internal/errors"
	"github.com/harunnryd/proddelta/internal/fhe"
	"github.com/harunnryd/proddelta/internal/identity"
	"github.com/harunnryd/proddelta/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 31337

var (
	alice         = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob           = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	contractAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	errNodeFailed = errors.New("node unavailable")
)

type fakeSigner common.Address

func (s fakeSigner) Address() common.Address { return common.Address(s) }

// fakeClient keeps cleartexts next to their handles. Setting a blocked
// channel parks the matching call until the channel is closed.
type fakeClient struct {
	mu          sync.Mutex
	values      map[fhe.Handle]int64
	next        int
	authCalls   int
	decryptErr  error
	encryptWait chan struct{}
	decryptWait chan struct{}
	entered     chan string
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[fhe.Handle]int64{}, entered: make(chan string, 16)}
}

func (f *fakeClient) Initialize(context.Context, uint64, string) error { return nil }

func (f *fakeClient) Encrypt(ctx context.Context, in fhe.EncryptInput) (fhe.Ciphertext, error) {
	f.mu.Lock()
	wait := f.encryptWait
	f.mu.Unlock()
	f.entered <- "encrypt"
	if wait != nil {
		<-wait
	}
	return fhe.Ciphertext{Handle: f.store(int64(in.Value)), Proof: []byte{0x01}}, nil
}

func (f *fakeClient) Decrypt(ctx context.Context, handle fhe.Handle, auth fhe.Authorization) (int64, error) {
	f.mu.Lock()
	wait := f.decryptWait
	f.mu.Unlock()
	f.entered <- "decrypt"
	if wait != nil {
		<-wait
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decryptErr != nil {
		return 0, f.decryptErr
	}
	v, ok := f.values[handle]
	if !ok {
		return 0, fmt.Errorf("unknown handle %s", handle)
	}
	return v, nil
}

func (f *fakeClient) RequestAuthorization(ctx context.Context, req fhe.AuthorizationRequest) (fhe.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	now := time.Now()
	return fhe.Authorization{
		Contract:  req.Contract,
		User:      req.User,
		Signature: []byte{0xde, 0xad},
		IssuedAt:  now,
		ExpiresAt: now.Add(req.Validity),
	}, nil
}

func (f *fakeClient) store(v int64) fhe.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := fhe.Handle(fmt.Sprintf("0x%064x", f.next))
	f.values[h] = v
	return h
}

func (f *fakeClient) authorizations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

type fakeContract struct {
	mu          sync.Mutex
	client      *fakeClient
	handles     ledger.Handles
	computes    int
	submitErr   error
	computeWait chan struct{}
	entered     chan string
}

func newFakeContract(client *fakeClient) *fakeContract {
	return &fakeContract{client: client, entered: make(chan string, 16)}
}

func (c *fakeContract) Address() common.Address { return contractAddr }

func (c *fakeContract) Submit(ctx context.Context, ct fhe.Ciphertext, role ledger.Role) (ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return ledger.Receipt{}, c.submitErr
	}
	if role == ledger.RoleToday {
		c.handles.Today = ct.Handle
	} else {
		c.handles.Yesterday = ct.Handle
	}
	return ledger.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 1}, nil
}

func (c *fakeContract) ComputeDelta(ctx context.Context) (fhe.Handle, error) {
	c.mu.Lock()
	wait := c.computeWait
	c.computes++
	c.mu.Unlock()
	c.entered <- "compute"
	if wait != nil {
		<-wait
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.mu.Lock()
	delta := c.client.values[c.handles.Today] - c.client.values[c.handles.Yesterday]
	c.client.mu.Unlock()
	h := c.client.store(delta)
	c.handles.Delta = h
	return h, nil
}

func (c *fakeContract) Handles(context.Context) (ledger.Handles, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles, nil
}

func (c *fakeContract) IsDeployed(ctx context.Context, chainID uint64) (bool, error) {
	return chainID == testChainID, nil
}

func (c *fakeContract) Inspect(ctx context.Context, user common.Address) (ledger.Inspection, error) {
	return ledger.Inspection{Address: contractAddr, Deployed: true, Owner: user, Authorized: true}, nil
}

type harness struct {
	ctrl     *Controller
	client   *fakeClient
	contract *fakeContract
	guard    *identity.Guard
	gate     *fhe.Gate
	auths    *authcache.Cache
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	client := newFakeClient()
	contract := newFakeContract(client)
	guard := identity.NewGuard()
	guard.Remember(testChainID, fakeSigner(alice))

	gate := fhe.NewGate(client, fhe.RuntimeConfig{
		RelayerURL: "https://relayer.example",
		MockChains: map[uint64]string{testChainID: "http://localhost:8545"},
	})
	require.NoError(t, gate.Initialize(context.Background(), testChainID))

	auths := authcache.New()
	ctrl, err := NewController(Dependencies{
		Gate:           gate,
		Guard:          guard,
		Contract:       contract,
		Authorizations: auths,
		User:           alice,
		ChainID:        testChainID,
	}, RuntimeConfig{}, opts...)
	require.NoError(t, err)

	return &harness{ctrl: ctrl, client: client, contract: contract, guard: guard, gate: gate, auths: auths}
}

func waitEntered(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func drain(ch chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestNewController_RequiresDependencies(t *testing.T) {
	_, err := NewController(Dependencies{}, RuntimeConfig{})
	assert.Error(t, err)
}

func TestController_SubmissionOrderDoesNotMatter(t *testing.T) {
	tests := []struct {
		name  string
		order []bool
		after Phase
	}{
		{name: "yesterday first", order: []bool{false, true}, after: PhaseYesterdaySet},
		{name: "today first", order: []bool{true, false}, after: PhaseTodaySet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, tt.order[0]))
			snap := h.ctrl.Snapshot()
			assert.Equal(t, tt.after, snap.Phase)
			assert.False(t, snap.CanCalculate)

			require.NoError(t, h.ctrl.SubmitProduction(ctx, 150, tt.order[1]))
			snap = h.ctrl.Snapshot()
			assert.Equal(t, PhaseBothSet, snap.Phase)
			assert.True(t, snap.CanCalculate)
			assert.True(t, snap.Slot(ledger.RoleYesterday).Submitted)
			assert.True(t, snap.Slot(ledger.RoleToday).Submitted)
		})
	}
}

func TestController_RejectsOutOfRangeValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, v := range []int64{0, -5, 1_000_001} {
		err := h.ctrl.SubmitProduction(ctx, v, false)
		assert.ErrorIs(t, err, pderrors.ErrValidation, "value %d", v)
	}
	assert.Equal(t, PhaseEmpty, h.ctrl.Snapshot().Phase)
	assert.Equal(t, 3, h.ctrl.Snapshot().Stats.ErrorCount)

	_, err := h.ctrl.ParseValue("12.5")
	assert.ErrorIs(t, err, pderrors.ErrValidation)

	v, err := h.ctrl.ParseValue(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestController_SameRoleSubmissionIsSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	h.client.encryptWait = release

	done := make(chan error, 1)
	go func() { done <- h.ctrl.SubmitProduction(ctx, 100, false) }()
	waitEntered(t, h.client.entered, "encrypt")

	assert.True(t, h.ctrl.Snapshot().Submitting[ledger.RoleYesterday])
	err := h.ctrl.SubmitProduction(ctx, 120, false)
	assert.ErrorIs(t, err, pderrors.ErrSubmissionInProgress)

	// The other role is independent.
	other := make(chan error, 1)
	go func() { other <- h.ctrl.SubmitProduction(ctx, 150, true) }()
	waitEntered(t, h.client.entered, "encrypt")

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-other)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, PhaseBothSet, snap.Phase)
	assert.False(t, snap.Submitting[ledger.RoleYesterday])
	assert.False(t, snap.Submitting[ledger.RoleToday])
}

func TestController_ResubmitRequiresReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, false))
	err := h.ctrl.SubmitProduction(ctx, 110, false)
	assert.ErrorIs(t, err, pderrors.ErrInvalidTransition)
}

func TestController_CalculateRequiresBothValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, true))
	err := h.ctrl.CalculateDelta(ctx)
	assert.ErrorIs(t, err, pderrors.ErrInvalidTransition)
	assert.Equal(t, 0, h.contract.computes)
}

func TestController_ConcurrentCalculateIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, false))
	require.NoError(t, h.ctrl.SubmitProduction(ctx, 150, true))

	release := make(chan struct{})
	h.contract.computeWait = release

	done := make(chan error, 1)
	go func() { done <- h.ctrl.CalculateDelta(ctx) }()
	waitEntered(t, h.contract.entered, "compute")

	assert.Equal(t, PhaseComputing, h.ctrl.Snapshot().Phase)
	assert.ErrorIs(t, h.ctrl.CalculateDelta(ctx), pderrors.ErrComputationInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseComputed, h.ctrl.Snapshot().Phase)
	assert.Equal(t, 1, h.contract.computes)

	assert.ErrorIs(t, h.ctrl.CalculateDelta(ctx), pderrors.ErrInvalidTransition)
}

func TestController_EndToEnd(t *testing.T) {
	var observed []Phase
	var mu sync.Mutex
	h := newHarness(t, WithObserver(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(observed) == 0 || observed[len(observed)-1] != s.Phase {
			observed = append(observed, s.Phase)
		}
	}))
	ctx := context.Background()

	require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, false))
	require.NoError(t, h.ctrl.SubmitProduction(ctx, 150, true))
	require.NoError(t, h.ctrl.CalculateDelta(ctx))
	assert.True(t, h.ctrl.Snapshot().CanDecrypt)
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, PhaseDecrypted, snap.Phase)
	assert.Equal(t, DecryptionDecrypted, snap.Decryption.State)
	assert.Equal(t, int64(50), snap.Decryption.ClearValue)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, 3, snap.Stats.ContractInteractions)

	summary, ok := snap.Summary()
	require.True(t, ok)
	assert.Equal(t, TrendIncreasing, summary.Trend)
	assert.Equal(t, "Today's production is 50 units higher than yesterday", summary.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, observed, PhaseComputing)
	assert.Contains(t, observed, PhaseDecrypting)
	assert.Equal(t, PhaseDecrypted, observed[len(observed)-1])
}

func runToComputed(t *testing.T, h *harness, yesterday, today int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctrl.SubmitProduction(ctx, yesterday, false))
	require.NoError(t, h.ctrl.SubmitProduction(ctx, today, true))
	require.NoError(t, h.ctrl.CalculateDelta(ctx))
}

func TestController_ReusesAuthorizationAcrossDecrypts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	runToComputed(t, h, 200, 150)
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, int64(-50), h.ctrl.Snapshot().Decryption.ClearValue)

	h.ctrl.ResetValues()
	h.contract.handles = ledger.Handles{}
	runToComputed(t, h, 10, 10)
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, int64(0), h.ctrl.Snapshot().Decryption.ClearValue)

	assert.Equal(t, 1, h.client.authorizations())
	assert.Equal(t, 1, h.auths.Len())
}

func TestController_IdentitySwitchDuringDecryptKeepsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runToComputed(t, h, 100, 150)
	drain(h.client.entered)

	release := make(chan struct{})
	h.client.decryptWait = release

	done := make(chan error, 1)
	go func() { done <- h.ctrl.DecryptDeltaHandle(ctx) }()
	waitEntered(t, h.client.entered, "decrypt")
	assert.Equal(t, PhaseDecrypting, h.ctrl.Snapshot().Phase)

	h.guard.Remember(testChainID, fakeSigner(bob))
	close(release)
	require.NoError(t, <-done)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, DecryptionNone, snap.Decryption.State)
	assert.Equal(t, PhaseComputed, snap.Phase)
	assert.Empty(t, snap.LastError)
}

func TestController_ResetDuringSubmissionDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	h.client.encryptWait = release

	done := make(chan error, 1)
	go func() { done <- h.ctrl.SubmitProduction(ctx, 100, false) }()
	waitEntered(t, h.client.entered, "encrypt")

	before := h.ctrl.Snapshot().RunID
	h.ctrl.ResetValues()
	close(release)
	require.NoError(t, <-done)

	snap := h.ctrl.Snapshot()
	assert.NotEqual(t, before, snap.RunID)
	assert.Equal(t, PhaseEmpty, snap.Phase)
	assert.False(t, snap.Submitting[ledger.RoleYesterday])
}

func TestController_ResetIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runToComputed(t, h, 100, 150)
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))

	h.ctrl.ResetValues()
	first := h.ctrl.Snapshot()
	h.ctrl.ResetValues()
	second := h.ctrl.Snapshot()

	for _, snap := range []Snapshot{first, second} {
		assert.Equal(t, PhaseEmpty, snap.Phase)
		assert.Equal(t, ComputationNone, snap.Computation.State)
		assert.Equal(t, DecryptionNone, snap.Decryption.State)
		assert.False(t, snap.Slot(ledger.RoleToday).Submitted)
	}
	assert.Equal(t, 1, h.auths.Len())
}

func TestController_RevertedSubmissionRequiresRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.contract.submitErr = fmt.Errorf("execution reverted: slot locked: %w", ledger.ErrReverted)
	err := h.ctrl.SubmitProduction(ctx, 100, false)
	require.ErrorIs(t, err, pderrors.ErrContractReverted)

	snap := h.ctrl.Snapshot()
	assert.Contains(t, snap.LastError, "execution reverted: slot locked")
	assert.True(t, snap.RefreshRequired[ledger.RoleYesterday])

	h.contract.submitErr = nil
	assert.ErrorIs(t, h.ctrl.SubmitProduction(ctx, 100, false), pderrors.ErrRefreshRequired)

	require.NoError(t, h.ctrl.Refresh(ctx))
	require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, false))
	assert.Equal(t, PhaseYesterdaySet, h.ctrl.Snapshot().Phase)
}

func TestController_RefreshAdoptsOnChainHandles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.contract.handles = ledger.Handles{
		Yesterday: h.client.store(100),
		Today:     h.client.store(130),
	}

	require.NoError(t, h.ctrl.Refresh(ctx))
	assert.Equal(t, PhaseBothSet, h.ctrl.Snapshot().Phase)

	require.NoError(t, h.ctrl.CalculateDelta(ctx))
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, int64(30), h.ctrl.Snapshot().Decryption.ClearValue)
}

func TestController_DecryptFailureIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runToComputed(t, h, 100, 150)
	h.client.decryptErr = errNodeFailed

	err := h.ctrl.DecryptDeltaHandle(ctx)
	require.ErrorIs(t, err, pderrors.ErrDecryptionFailed)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, DecryptionFailed, snap.Decryption.State)
	assert.Contains(t, snap.Decryption.ErrorMessage, "node unavailable")
	assert.True(t, snap.CanDecrypt)
	assert.Equal(t, "DecryptionFailed", pderrors.Category(err))

	h.client.decryptErr = nil
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, DecryptionDecrypted, h.ctrl.Snapshot().Decryption.State)
}

func TestController_GateNotReadyBlocksOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gate.Reset()

	err := h.ctrl.SubmitProduction(ctx, 100, false)
	assert.ErrorIs(t, err, pderrors.ErrGateUnavailable)

	snap := h.ctrl.Snapshot()
	assert.False(t, snap.CanSubmit)
	assert.Equal(t, fhe.StateUninitialized, snap.GateState)
	assert.Empty(t, snap.LastError)
}

func TestController_UnstableIdentityBlocksSubmit(t *testing.T) {
	h := newHarness(t)
	h.guard.Forget()

	err := h.ctrl.SubmitProduction(context.Background(), 100, false)
	assert.ErrorIs(t, err, pderrors.ErrInvalidTransition)
	assert.False(t, h.ctrl.Snapshot().CanSubmit)
}

func TestController_CheckDeployment(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.ctrl.Snapshot().Deployed)

	deployed, err := h.ctrl.CheckDeployment(context.Background())
	require.NoError(t, err)
	assert.True(t, deployed)
	require.NotNil(t, h.ctrl.Snapshot().Deployed)
	assert.True(t, *h.ctrl.Snapshot().Deployed)
}

func TestController_RejectedAuthorizationIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runToComputed(t, h, 100, 150)

	scope := authcache.Scope{Contract: contractAddr, User: alice}
	require.NoError(t, h.auths.Put(scope, &authcache.Entry{
		Scope:     scope,
		Signature: []byte{0x00},
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	h.client.decryptErr = errors.New("relayer: invalid EIP-712 signature")

	require.ErrorIs(t, h.ctrl.DecryptDeltaHandle(ctx), pderrors.ErrDecryptionFailed)
	assert.Equal(t, 0, h.client.authorizations())
	_, cached := h.auths.Get(scope)
	assert.False(t, cached)

	h.client.decryptErr = nil
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, 1, h.client.authorizations())
	assert.Equal(t, int64(50), h.ctrl.Snapshot().Decryption.ClearValue)
}

func TestController_TransientDecryptFailureKeepsAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runToComputed(t, h, 100, 150)
	h.client.decryptErr = errors.New("TypeError: Failed to fetch")

	require.Error(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, 1, h.auths.Len())

	h.client.decryptErr = nil
	require.NoError(t, h.ctrl.DecryptDeltaHandle(ctx))
	assert.Equal(t, 1, h.client.authorizations())
}

func TestController_ChainSwitchDuringSubmissionDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	h.client.encryptWait = release

	done := make(chan error, 1)
	go func() { done <- h.ctrl.SubmitProduction(ctx, 100, false) }()
	waitEntered(t, h.client.entered, "encrypt")

	h.guard.Remember(11155111, fakeSigner(alice))
	close(release)
	require.NoError(t, <-done)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, PhaseEmpty, snap.Phase)
	assert.False(t, snap.Slots[ledger.RoleYesterday].Submitted)
	assert.False(t, snap.Submitting[ledger.RoleYesterday])
	assert.Empty(t, snap.LastError)
}

func TestController_SignerSwitchDuringCalculateDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.SubmitProduction(ctx, 100, false))
	require.NoError(t, h.ctrl.SubmitProduction(ctx, 150, true))

	release := make(chan struct{})
	h.contract.computeWait = release

	done := make(chan error, 1)
	go func() { done <- h.ctrl.CalculateDelta(ctx) }()
	waitEntered(t, h.contract.entered, "compute")
	assert.ErrorIs(t, h.ctrl.CalculateDelta(ctx), pderrors.ErrComputationInProgress)

	h.guard.Remember(testChainID, fakeSigner(bob))
	close(release)
	require.NoError(t, <-done)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, PhaseBothSet, snap.Phase)
	assert.Equal(t, ComputationNone, snap.Computation.State)
	assert.Empty(t, snap.Computation.ResultHandle)
}
