package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/proddelta/internal/authcache"
	"github.com/harunnryd/proddelta/internal/config"
	"github.com/harunnryd/proddelta/internal/fhe"
	"github.com/harunnryd/proddelta/internal/identity"
	"github.com/harunnryd/proddelta/internal/ledger"
	"github.com/harunnryd/proddelta/internal/logger"

	pderrors "github.com/harunnryd/proddelta/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

// Gate is the part of fhe.Gate the controller needs.
type Gate interface {
	Client() (fhe.Client, error)
	State() fhe.State
	Ready() bool
}

// Guard is the part of identity.Guard the controller needs.
type Guard interface {
	Capture() identity.Ticket
	Valid(t identity.Ticket) bool
	Stable() bool
}

type Dependencies struct {
	Gate           Gate
	Guard          Guard
	Contract       ledger.Contract
	Authorizations authcache.Store
	User           common.Address
	ChainID        uint64
}

type RuntimeConfig struct {
	MaxValue              int64
	AuthorizationValidity time.Duration
}

type Option func(*Controller)

// WithObserver registers fn to receive a snapshot after every state change.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, fn)
	}
}

// WithClock overrides time.Now for response-time stats.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// run is everything a reset recreates. In-flight operations hold the run
// they started in and only commit if it is still current.
type run struct {
	id              string
	slots           [2]*EncryptedSlot
	submitting      [2]bool
	refreshRequired [2]bool
	computation     DeltaComputation
	decryption      DecryptionResult
	lastErr         error
}

func newRun() *run {
	r := &run{
		id:          ulid.Make().String(),
		computation: DeltaComputation{State: ComputationNone},
		decryption:  DecryptionResult{State: DecryptionNone},
	}
	for _, role := range ledger.Roles {
		r.slots[role] = &EncryptedSlot{Role: role}
	}
	return r
}

func (r *run) bothSubmitted() bool {
	return r.slots[ledger.RoleYesterday].Submitted && r.slots[ledger.RoleToday].Submitted
}

func (r *run) phase() Phase {
	switch {
	case r.decryption.State == DecryptionPending:
		return PhaseDecrypting
	case r.decryption.State == DecryptionDecrypted:
		return PhaseDecrypted
	case r.computation.State == ComputationComputing:
		return PhaseComputing
	case r.computation.State == ComputationComputed:
		return PhaseComputed
	case r.bothSubmitted():
		return PhaseBothSet
	case r.slots[ledger.RoleYesterday].Submitted:
		return PhaseYesterdaySet
	case r.slots[ledger.RoleToday].Submitted:
		return PhaseTodaySet
	default:
		return PhaseEmpty
	}
}

// Controller drives one user's submit, compute and decrypt sequence against
// one contract on one chain.
type Controller struct {
	gate     Gate
	guard    Guard
	contract ledger.Contract
	auths    authcache.Store
	user     common.Address
	chainID  uint64

	maxValue int64
	validity time.Duration
	mapper   pderrors.ErrorMapper
	now      func() time.Time

	mu        sync.Mutex
	run       *run
	deployed  *bool
	stats     statsRecorder
	observers []func(Snapshot)
}

func NewController(deps Dependencies, runtimeCfg RuntimeConfig, opts ...Option) (*Controller, error) {
	if deps.Gate == nil {
		return nil, fmt.Errorf("workflow requires a readiness gate")
	}
	if deps.Guard == nil {
		return nil, fmt.Errorf("workflow requires an identity guard")
	}
	if deps.Contract == nil {
		return nil, fmt.Errorf("workflow requires a ledger contract")
	}
	if deps.Authorizations == nil {
		deps.Authorizations = authcache.Shared()
	}

	if runtimeCfg.MaxValue <= 0 {
		runtimeCfg.MaxValue = config.DefaultWorkflowMaxValue
	}
	if runtimeCfg.AuthorizationValidity <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultAuthorizationTTL)
		if err != nil {
			return nil, fmt.Errorf("parse authorization validity: %w", err)
		}
		runtimeCfg.AuthorizationValidity = d
	}

	c := &Controller{
		gate:     deps.Gate,
		guard:    deps.Guard,
		contract: deps.Contract,
		auths:    deps.Authorizations,
		user:     deps.User,
		chainID:  deps.ChainID,
		maxValue: runtimeCfg.MaxValue,
		validity: runtimeCfg.AuthorizationValidity,
		mapper:   pderrors.NewDefaultErrorMapper(),
		now:      time.Now,
		run:      newRun(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParseValue turns raw form input into a production count.
func (c *Controller) ParseValue(raw string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, pderrors.Validation(fmt.Sprintf("%q is not a whole number", raw))
	}
	if err := c.validate(value); err != nil {
		return 0, err
	}
	return value, nil
}

func (c *Controller) validate(value int64) error {
	if value < 1 || value > c.maxValue {
		return pderrors.Validation(fmt.Sprintf("value %d must be between 1 and %d", value, c.maxValue))
	}
	return nil
}

// SubmitProduction encrypts value and stores it in the role's slot. Only one
// submission per role may be in flight; the two roles may overlap.
func (c *Controller) SubmitProduction(ctx context.Context, value int64, isToday bool) error {
	role := ledger.RoleFor(isToday)

	c.mu.Lock()
	r := c.run
	if err := c.validate(value); err != nil {
		return c.rejectLocked(r, err)
	}
	if r.submitting[role] {
		return c.rejectLocked(r, fmt.Errorf("%s value: %w", role, pderrors.ErrSubmissionInProgress))
	}
	if r.slots[role].Submitted {
		return c.rejectLocked(r, pderrors.InvalidTransition(role.String()+" value already submitted, reset first"))
	}
	if r.refreshRequired[role] {
		return c.rejectLocked(r, fmt.Errorf("%s value: %w", role, pderrors.ErrRefreshRequired))
	}
	client, err := c.gate.Client()
	if err != nil {
		return c.gateErrorLocked(r, err)
	}
	if !c.guard.Stable() {
		return c.rejectLocked(r, pderrors.InvalidTransition("wallet session is not stable"))
	}
	r.submitting[role] = true
	ticket := c.guard.Capture()
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		r.submitting[role] = false
		c.mu.Unlock()
		c.notify()
	}()

	ct, err := client.Encrypt(ctx, fhe.EncryptInput{Contract: c.contract.Address(), User: c.user, Value: uint64(value)})
	if err != nil {
		return c.fail(ctx, r, ticket, fmt.Errorf("encrypt %s value: %w", role, c.mapper.MapError(err)), nil)
	}

	start := c.now()
	receipt, err := c.contract.Submit(ctx, ct, role)
	c.trackCall(start)
	if err != nil {
		return c.fail(ctx, r, ticket, fmt.Errorf("submit %s value: %w", role, c.contractError(err)), func() {
			if errors.Is(err, ledger.ErrReverted) || errors.Is(err, pderrors.ErrContractReverted) {
				r.refreshRequired[role] = true
			}
		})
	}

	c.mu.Lock()
	if !c.currentLocked(r, ticket) {
		c.mu.Unlock()
		logger.Trace(ctx, "Discarding stale submission", "role", role, "run_id", r.id)
		return nil
	}
	r.slots[role] = &EncryptedSlot{Role: role, Handle: ct.Handle, Submitted: true}
	r.lastErr = nil
	c.mu.Unlock()

	slog.Info("Production value submitted", "role", role, "run_id", r.id, "tx", receipt.TxHash.Hex())
	return nil
}

// CalculateDelta asks the contract for today minus yesterday. It is legal
// once per run, after both slots are submitted.
func (c *Controller) CalculateDelta(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	switch {
	case r.computation.State == ComputationComputing:
		return c.rejectLocked(r, pderrors.ErrComputationInProgress)
	case r.computation.State == ComputationComputed:
		return c.rejectLocked(r, pderrors.InvalidTransition("delta already computed, reset to start over"))
	case !r.bothSubmitted():
		return c.rejectLocked(r, pderrors.InvalidTransition("both values must be submitted before calculating"))
	}
	if !c.gate.Ready() {
		_, err := c.gate.Client()
		return c.gateErrorLocked(r, err)
	}
	r.computation = DeltaComputation{State: ComputationComputing}
	ticket := c.guard.Capture()
	c.mu.Unlock()
	c.notify()

	start := c.now()
	handle, err := c.contract.ComputeDelta(ctx)
	c.trackCall(start)

	if err != nil {
		return c.fail(ctx, r, ticket, fmt.Errorf("compute delta: %w", c.contractError(err)), func() {
			r.computation = DeltaComputation{State: ComputationNone}
		}, func() {
			r.computation = DeltaComputation{State: ComputationNone}
		})
	}

	c.mu.Lock()
	if !c.currentLocked(r, ticket) {
		if c.run == r {
			r.computation = DeltaComputation{State: ComputationNone}
		}
		c.mu.Unlock()
		logger.Trace(ctx, "Discarding stale delta computation", "run_id", r.id)
		c.notify()
		return nil
	}
	r.computation = DeltaComputation{State: ComputationComputed, ResultHandle: handle}
	r.decryption = DecryptionResult{State: DecryptionNone}
	r.lastErr = nil
	c.mu.Unlock()
	c.notify()

	slog.Info("Delta computed", "run_id", r.id, "handle", handle)
	return nil
}

// DecryptDeltaHandle decrypts the computed delta, reusing a cached
// authorization for this contract and user when one is still valid.
func (c *Controller) DecryptDeltaHandle(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	if r.computation.State != ComputationComputed {
		return c.rejectLocked(r, pderrors.InvalidTransition("nothing to decrypt, calculate the delta first"))
	}
	if r.decryption.State == DecryptionPending {
		return c.rejectLocked(r, pderrors.InvalidTransition("decryption already in progress"))
	}
	client, err := c.gate.Client()
	if err != nil {
		return c.gateErrorLocked(r, err)
	}
	previous := r.decryption
	handle := r.computation.ResultHandle
	r.decryption = DecryptionResult{State: DecryptionPending}
	ticket := c.guard.Capture()
	c.mu.Unlock()
	c.notify()

	restore := func() {
		r.decryption = previous
	}

	auth, err := c.authorize(ctx, client)
	if err != nil {
		err = pderrors.DecryptionFailed("authorization", err)
		return c.fail(ctx, r, ticket, err, func() {
			r.decryption = DecryptionResult{State: DecryptionFailed, ErrorMessage: decryptionMessage(err)}
		}, restore)
	}

	delta, err := client.Decrypt(ctx, handle, auth)
	if err != nil {
		if ctx.Err() == nil && !pderrors.IsRetryable(c.mapper.MapError(err)) {
			c.invalidate()
		}
		err = pderrors.DecryptionFailed("decrypt delta", err)
		return c.fail(ctx, r, ticket, err, func() {
			r.decryption = DecryptionResult{State: DecryptionFailed, ErrorMessage: decryptionMessage(err)}
		}, restore)
	}

	c.mu.Lock()
	if !c.currentLocked(r, ticket) {
		if c.run == r {
			restore()
		}
		c.mu.Unlock()
		logger.Trace(ctx, "Discarding stale decryption", "run_id", r.id)
		c.notify()
		return nil
	}
	r.decryption = DecryptionResult{State: DecryptionDecrypted, ClearValue: delta}
	r.lastErr = nil
	c.mu.Unlock()
	c.notify()

	slog.Info("Delta decrypted", "run_id", r.id)
	return nil
}

func (c *Controller) scope() authcache.Scope {
	return authcache.Scope{Contract: c.contract.Address(), User: c.user}
}

func (c *Controller) authorize(ctx context.Context, client fhe.Client) (fhe.Authorization, error) {
	scope := c.scope()
	if entry, ok := c.auths.Get(scope); ok {
		slog.Debug("Reusing decryption authorization", "scope", scope.String(), "expires_at", entry.ExpiresAt)
		return fhe.Authorization{
			Contract:  scope.Contract,
			User:      scope.User,
			Signature: entry.Signature,
			PublicKey: entry.PublicKey,
			IssuedAt:  entry.IssuedAt,
			ExpiresAt: entry.ExpiresAt,
		}, nil
	}

	auth, err := client.RequestAuthorization(ctx, fhe.AuthorizationRequest{
		Contract: scope.Contract,
		User:     scope.User,
		Validity: c.validity,
	})
	if err != nil {
		return fhe.Authorization{}, err
	}

	entry := &authcache.Entry{
		Scope:     scope,
		Signature: auth.Signature,
		PublicKey: auth.PublicKey,
		IssuedAt:  auth.IssuedAt,
		ExpiresAt: auth.ExpiresAt,
	}
	if err := c.auths.Put(scope, entry); err != nil {
		slog.Warn("Failed to store decryption authorization", "scope", scope.String(), "error", err)
	}
	return auth, nil
}

// invalidate drops a rejected authorization so the next decrypt asks for a
// new signature instead of replaying it until it expires.
func (c *Controller) invalidate() {
	scope := c.scope()
	if err := c.auths.Delete(scope); err != nil {
		slog.Warn("Failed to drop decryption authorization", "scope", scope.String(), "error", err)
		return
	}
	slog.Debug("Dropped rejected decryption authorization", "scope", scope.String())
}

// ResetValues starts a fresh run. The authorization cache is left alone.
func (c *Controller) ResetValues() {
	c.mu.Lock()
	old := c.run.id
	c.run = newRun()
	id := c.run.id
	c.mu.Unlock()

	slog.Info("Workflow reset", "previous_run_id", old, "run_id", id)
	c.notify()
}

// Refresh re-reads the contract handles. Slots the contract already holds
// are adopted, which is how a run recovers after a reverted submission.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	ticket := c.guard.Capture()
	c.mu.Unlock()

	handles, err := c.contract.Handles(ctx)
	if err != nil {
		return c.fail(ctx, r, ticket, fmt.Errorf("read contract handles: %w", c.contractError(err)), nil)
	}

	c.mu.Lock()
	if !c.currentLocked(r, ticket) {
		c.mu.Unlock()
		logger.Trace(ctx, "Discarding stale refresh", "run_id", r.id)
		return nil
	}
	for _, role := range ledger.Roles {
		r.refreshRequired[role] = false
		if h := handles.ForRole(role); h != "" && !r.slots[role].Submitted && !r.submitting[role] {
			r.slots[role] = &EncryptedSlot{Role: role, Handle: h, Submitted: true}
		}
	}
	if handles.Delta != "" && r.bothSubmitted() && r.computation.State == ComputationNone {
		r.computation = DeltaComputation{State: ComputationComputed, ResultHandle: handles.Delta}
	}
	r.lastErr = nil
	c.mu.Unlock()
	c.notify()
	return nil
}

// CheckDeployment records whether the contract exists on this chain.
func (c *Controller) CheckDeployment(ctx context.Context) (bool, error) {
	deployed, err := c.contract.IsDeployed(ctx, c.chainID)
	if err != nil {
		return false, fmt.Errorf("check deployment: %w", c.mapper.MapError(err))
	}

	c.mu.Lock()
	c.deployed = &deployed
	c.mu.Unlock()
	c.notify()

	if !deployed {
		slog.Warn("Contract not deployed", "chain_id", c.chainID, "address", c.contract.Address().Hex())
	}
	return deployed, nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	r := c.run
	gateState := c.gate.State()
	gateReady := gateState == fhe.StateReady
	stable := c.guard.Stable()
	phase := r.phase()

	s := Snapshot{
		RunID:           r.id,
		Phase:           phase,
		Submitting:      r.submitting,
		RefreshRequired: r.refreshRequired,
		Computation:     r.computation,
		Decryption:      r.decryption,
		GateState:       gateState,
		IdentityStable:  stable,
		Stats:           c.stats.snapshot(),
		CanSubmit:       gateReady && stable,
		CanCalculate:    phase == PhaseBothSet && gateReady,
		CanDecrypt:      phase == PhaseComputed && gateReady,
	}
	for _, role := range ledger.Roles {
		s.Slots[role] = *r.slots[role]
	}
	if c.deployed != nil {
		d := *c.deployed
		s.Deployed = &d
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
		s.LastHint = pderrors.Hint(r.lastErr)
	}
	return s
}

// currentLocked reports whether an operation that started in r with ticket
// may still commit.
func (c *Controller) currentLocked(r *run, ticket identity.Ticket) bool {
	return c.run == r && c.guard.Valid(ticket)
}

// rejectLocked records err for a request refused up front and unlocks.
func (c *Controller) rejectLocked(r *run, err error) error {
	r.lastErr = err
	c.stats.recordError()
	c.mu.Unlock()
	c.notify()
	return err
}

// gateErrorLocked blocks the operation. Only a gate that failed is shown to
// the user; one still starting up is not an error.
func (c *Controller) gateErrorLocked(r *run, err error) error {
	if c.gate.State() == fhe.StateError && !fhe.IsTransient(err) {
		r.lastErr = err
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// fail commits a failure unless the operation went stale. apply runs under
// the lock when committing; onStale runs under the lock when the run is
// still current but identity moved.
func (c *Controller) fail(ctx context.Context, r *run, ticket identity.Ticket, err error, apply func(), onStale ...func()) error {
	c.mu.Lock()
	if !c.currentLocked(r, ticket) {
		if c.run == r {
			for _, fn := range onStale {
				fn()
			}
		}
		c.mu.Unlock()
		logger.Trace(ctx, "Discarding stale failure", "run_id", r.id, "error", err)
		c.notify()
		return nil
	}
	if apply != nil {
		apply()
	}
	r.lastErr = err
	c.stats.recordError()
	c.mu.Unlock()
	c.notify()

	slog.Warn("Workflow operation failed", "run_id", r.id, "category", pderrors.Category(err), "error", err)
	return err
}

func (c *Controller) contractError(err error) error {
	if errors.Is(err, ledger.ErrReverted) {
		return pderrors.Reverted(err)
	}
	return c.mapper.MapError(err)
}

func (c *Controller) trackCall(start time.Time) {
	elapsed := c.now().Sub(start)
	c.mu.Lock()
	c.stats.recordCall(elapsed)
	c.mu.Unlock()
}

func (c *Controller) notify() {
	if len(c.observers) == 0 {
		return
	}
	snapshot := c.Snapshot()
	for _, fn := range c.observers {
		fn(snapshot)
	}
}

func decryptionMessage(err error) string {
	msg := "Decryption failed: " + err.Error()
	if hint := pderrors.Hint(err); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}
