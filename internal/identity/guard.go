// Package identity keeps the latest chain and signer observed from the wallet
// provider so long-running operations can tell whether their result still
// belongs to the active session.
package identity

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Signer is the wallet's signing identity. Implementations must be
// comparable; two signers are the same only if they are the same value, so a
// reconnect that hands out a new signer for the same address counts as a
// switch.
type Signer interface {
	Address() common.Address
}

// Ticket is the identity captured when an operation starts.
type Ticket struct {
	ChainID uint64
	Signer  Signer
	Version uint64
}

// Guard is a lock-protected cell holding the most recently observed chain
// and signer. Chain id 0 means "no chain".
type Guard struct {
	mu      sync.RWMutex
	chainID uint64
	signer  Signer
	version uint64
}

func NewGuard() *Guard {
	return &Guard{}
}

// Remember records the latest provider values. The version only moves when
// something actually changed.
func (g *Guard) Remember(chainID uint64, signer Signer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chainID == chainID && sameSigner(g.signer, signer) {
		return
	}
	g.chainID = chainID
	g.signer = signer
	g.version++
}

// Forget clears the session, e.g. after a disconnect.
func (g *Guard) Forget() {
	g.Remember(0, nil)
}

func (g *Guard) IsSameChain(candidate uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chainID == candidate
}

func (g *Guard) IsSameSigner(candidate Signer) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sameSigner(g.signer, candidate)
}

// Stable reports whether both chain and signer are known.
func (g *Guard) Stable() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chainID != 0 && g.signer != nil
}

// Capture snapshots the current identity.
func (g *Guard) Capture() Ticket {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Ticket{ChainID: g.chainID, Signer: g.signer, Version: g.version}
}

// Valid re-checks a captured ticket against the latest identity. An A→B→A
// switch is still stale because the version moved.
func (g *Guard) Valid(t Ticket) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chainID == t.ChainID && sameSigner(g.signer, t.Signer) && g.version == t.Version
}

func (g *Guard) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

func sameSigner(a, b Signer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
