package authcache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Scope identifies which authorizations may be reused: one contract, one user.
type Scope struct {
	Contract common.Address `json:"contract"`
	User     common.Address `json:"user"`
}

func (s Scope) String() string {
	return strings.ToLower(s.Contract.Hex() + ":" + s.User.Hex())
}

// Entry is a signed decryption authorization. Entries are shared by pointer
// and never mutated after Put; a new signature replaces the whole entry.
type Entry struct {
	Scope     Scope         `json:"scope"`
	Signature hexutil.Bytes `json:"signature"`
	PublicKey hexutil.Bytes `json:"public_key,omitempty"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the cache surface the workflow depends on.
type Store interface {
	Get(scope Scope) (*Entry, bool)
	Put(scope Scope, entry *Entry) error
	Delete(scope Scope) error
}

type Option func(*Cache)

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is an in-memory Store. Expired entries are dropped when read.
type Cache struct {
	mu      sync.Mutex
	entries map[Scope]*Entry
	now     func() time.Time
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Scope]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	sharedOnce sync.Once
	shared     *Cache
)

// Shared returns the process-wide cache used when no store is configured.
func Shared() *Cache {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

func (c *Cache) Get(scope Scope) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[scope]
	if !ok {
		return nil, false
	}
	if entry.Expired(c.now()) {
		delete(c.entries, scope)
		return nil, false
	}
	return entry, true
}

// Put overwrites unconditionally; the last write wins.
func (c *Cache) Put(scope Scope, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("authorization entry is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[scope] = entry
	return nil
}

// Delete forgets the entry for scope. Deleting a missing scope is a no-op.
func (c *Cache) Delete(scope Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scope)
	return nil
}

// Prune drops expired entries and reports how many went.
func (c *Cache) Prune() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for scope, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, scope)
			removed++
		}
	}
	return removed, nil
}

// Len counts stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) snapshot() map[string]*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]*Entry, len(c.entries))
	for scope, entry := range c.entries {
		if entry.Expired(now) {
			continue
		}
		out[scope.String()] = entry
	}
	return out
}
