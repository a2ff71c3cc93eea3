package mockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harunnryd/proddelta/internal/fhe"
	"github.com/harunnryd/proddelta/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

type userSlots struct {
	yesterday fhe.Handle
	today     fhe.Handle
	delta     fhe.Handle
}

// Ledger is the deployed production-delta contract. Each user owns a pair
// of encrypted slots; only authorized users may write them.
type Ledger struct {
	mu            sync.Mutex
	address       common.Address
	owner         common.Address
	chains        map[uint64]bool
	authorized    map[common.Address]bool
	emergencyStop bool
	slots         map[common.Address]*userSlots
	revertNext    []string
	block         uint64
	fhe           *FHE
}

func NewLedger(address, owner common.Address, chainID uint64, f *FHE) *Ledger {
	return &Ledger{
		address:    address,
		owner:      owner,
		chains:     map[uint64]bool{chainID: true},
		authorized: map[common.Address]bool{owner: true},
		slots:      make(map[common.Address]*userSlots),
		fhe:        f,
	}
}

func (l *Ledger) Address() common.Address {
	return l.address
}

func (l *Ledger) Authorize(user common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized[user] = true
}

func (l *Ledger) Revoke(user common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.authorized, user)
}

func (l *Ledger) SetEmergencyStop(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emergencyStop = on
}

// RevertNext makes the next state-changing calls revert with reason.
func (l *Ledger) RevertNext(reasons ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext = append(l.revertNext, reasons...)
}

// Bind returns the contract as seen by caller.
func (l *Ledger) Bind(caller common.Address) *Binding {
	return &Binding{ledger: l, caller: caller}
}

func (l *Ledger) slotsFor(user common.Address) *userSlots {
	s, ok := l.slots[user]
	if !ok {
		s = &userSlots{}
		l.slots[user] = s
	}
	return s
}

// checkWriteLocked applies the contract modifiers shared by every
// transaction.
func (l *Ledger) checkWriteLocked(caller common.Address) error {
	if len(l.revertNext) > 0 {
		reason := l.revertNext[0]
		l.revertNext = l.revertNext[1:]
		return revert(reason)
	}
	if l.emergencyStop {
		return revert("emergency stop active")
	}
	if !l.authorized[caller] {
		return revert("caller not authorized")
	}
	return nil
}

func (l *Ledger) receiptLocked(caller common.Address, method string, args ...[]byte) (ledger.Receipt, error) {
	l.block++
	payload := []interface{}{l.address, caller, method, l.block, args}
	raw, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("encode transaction: %w", err)
	}
	return ledger.Receipt{TxHash: crypto.Keccak256Hash(raw), BlockNumber: l.block}, nil
}

func revert(reason string) error {
	return fmt.Errorf("%w: %s", ledger.ErrReverted, reason)
}

// Binding is a contract handle for one caller. It satisfies
// ledger.Contract.
type Binding struct {
	ledger *Ledger
	caller common.Address
}

func (b *Binding) Address() common.Address {
	return b.ledger.address
}

func (b *Binding) Submit(ctx context.Context, ct fhe.Ciphertext, role ledger.Role) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if !role.Valid() {
		return ledger.Receipt{}, revert("invalid role")
	}
	if len(ct.Proof) == 0 {
		return ledger.Receipt{}, revert("missing input proof")
	}
	_, owner, err := b.ledger.fhe.contractValue(ct.Handle)
	if err != nil {
		return ledger.Receipt{}, revert(err.Error())
	}
	if owner != b.caller {
		return ledger.Receipt{}, revert("input proof not bound to caller")
	}

	l := b.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkWriteLocked(b.caller); err != nil {
		return ledger.Receipt{}, err
	}

	s := l.slotsFor(b.caller)
	if role == ledger.RoleToday {
		s.today = ct.Handle
	} else {
		s.yesterday = ct.Handle
	}
	s.delta = ""
	return l.receiptLocked(b.caller, "submitProduction", []byte(ct.Handle), []byte{byte(role)})
}

// ComputeDelta stores today minus yesterday as a new handle the caller may
// decrypt.
func (b *Binding) ComputeDelta(ctx context.Context) (fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l := b.ledger
	l.mu.Lock()
	if err := l.checkWriteLocked(b.caller); err != nil {
		l.mu.Unlock()
		return "", err
	}
	s := *l.slotsFor(b.caller)
	l.mu.Unlock()

	if s.yesterday == "" || s.today == "" {
		return "", revert("both values must be submitted")
	}
	yesterday, _, err := l.fhe.contractValue(s.yesterday)
	if err != nil {
		return "", revert(err.Error())
	}
	today, _, err := l.fhe.contractValue(s.today)
	if err != nil {
		return "", revert(err.Error())
	}

	handle := l.fhe.computed(today-yesterday, b.caller, l.address)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.slotsFor(b.caller).delta = handle
	if _, err := l.receiptLocked(b.caller, "calculateDelta", []byte(handle)); err != nil {
		return "", err
	}
	return handle, nil
}

func (b *Binding) Handles(ctx context.Context) (ledger.Handles, error) {
	l := b.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[b.caller]
	if !ok {
		return ledger.Handles{}, nil
	}
	return ledger.Handles{Yesterday: s.yesterday, Today: s.today, Delta: s.delta}, nil
}

func (b *Binding) IsDeployed(ctx context.Context, chainID uint64) (bool, error) {
	l := b.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chains[chainID], nil
}

func (b *Binding) Inspect(ctx context.Context, user common.Address) (ledger.Inspection, error) {
	l := b.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Inspection{
		Address:       l.address,
		Deployed:      len(l.chains) > 0,
		Owner:         l.owner,
		Authorized:    l.authorized[user],
		EmergencyStop: l.emergencyStop,
	}, nil
}

// IsRevert reports whether err came from a reverted call.
func IsRevert(err error) bool {
	return errors.Is(err, ledger.ErrReverted)
}
