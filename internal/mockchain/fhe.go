package mockchain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/proddelta/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownHandle   = errors.New("unknown ciphertext handle")
	ErrNotAllowed      = errors.New("user is not allowed to decrypt handle")
	ErrBadSignature    = errors.New("authorization signature does not match user")
	ErrAuthExpired     = errors.New("authorization expired")
	ErrUnknownSigner   = errors.New("no local key for user")
	ErrNotInitialized  = errors.New("encrypted-compute client not initialized")
	ErrUnreachableNode = errors.New("Failed to fetch")
)

type ciphertext struct {
	value   int64
	owner   common.Address
	allowed map[common.Address]bool
}

// FHE stands in for the encrypted-compute SDK. Handles are keccak digests;
// cleartexts never leave this struct except through Decrypt.
type FHE struct {
	mu        sync.Mutex
	chains    map[uint64]bool
	keys      map[common.Address]*Account
	values    map[fhe.Handle]*ciphertext
	nonce     uint64
	ready     bool
	initErr   []error
	decErr    []error
	authCalls int
	now       func() time.Time
}

func NewFHE(chains []uint64, accounts ...*Account) *FHE {
	f := &FHE{
		chains: make(map[uint64]bool, len(chains)),
		keys:   make(map[common.Address]*Account, len(accounts)),
		values: make(map[fhe.Handle]*ciphertext),
		now:    time.Now,
	}
	for _, id := range chains {
		f.chains[id] = true
	}
	for _, a := range accounts {
		f.keys[a.Address()] = a
	}
	return f
}

// FailInitialize queues errors for the next Initialize calls.
func (f *FHE) FailInitialize(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = append(f.initErr, errs...)
}

// FailDecrypt queues errors for the next Decrypt calls.
func (f *FHE) FailDecrypt(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decErr = append(f.decErr, errs...)
}

// AuthorizationRequests counts signing prompts shown to the user.
func (f *FHE) AuthorizationRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *FHE) Initialize(ctx context.Context, chainID uint64, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.initErr) > 0 {
		err := f.initErr[0]
		f.initErr = f.initErr[1:]
		return err
	}
	if endpoint == "" {
		return fmt.Errorf("no endpoint for chain %d", chainID)
	}
	if !f.chains[chainID] {
		return fmt.Errorf("chain %d has no encrypted-compute support", chainID)
	}
	f.ready = true
	return nil
}

func (f *FHE) Encrypt(ctx context.Context, in fhe.EncryptInput) (fhe.Ciphertext, error) {
	if err := ctx.Err(); err != nil {
		return fhe.Ciphertext{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return fhe.Ciphertext{}, ErrNotInitialized
	}

	handle := f.storeLocked(int64(in.Value), in.User, in.Contract)
	proof := crypto.Keccak256([]byte(handle), in.User.Bytes())
	return fhe.Ciphertext{Handle: handle, Proof: proof}, nil
}

func (f *FHE) storeLocked(value int64, owner common.Address, salt common.Address) fhe.Handle {
	f.nonce++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], f.nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(value))
	handle := fhe.Handle(crypto.Keccak256Hash(salt.Bytes(), owner.Bytes(), buf[:]).Hex())
	f.values[handle] = &ciphertext{value: value, owner: owner, allowed: map[common.Address]bool{owner: true}}
	return handle
}

// contractValue reads a cleartext for on-chain arithmetic.
func (f *FHE) contractValue(h fhe.Handle) (int64, common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ct, ok := f.values[h]
	if !ok {
		return 0, common.Address{}, fmt.Errorf("%s: %w", h, ErrUnknownHandle)
	}
	return ct.value, ct.owner, nil
}

// computed stores the result of on-chain arithmetic, decryptable by owner.
func (f *FHE) computed(value int64, owner, contract common.Address) fhe.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(value, owner, contract)
}

func (f *FHE) Decrypt(ctx context.Context, handle fhe.Handle, auth fhe.Authorization) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.decErr) > 0 {
		err := f.decErr[0]
		f.decErr = f.decErr[1:]
		return 0, err
	}
	if !f.ready {
		return 0, ErrNotInitialized
	}
	if !f.now().Before(auth.ExpiresAt) {
		return 0, ErrAuthExpired
	}
	if err := verifyAuthorization(auth); err != nil {
		return 0, err
	}
	ct, ok := f.values[handle]
	if !ok {
		return 0, fmt.Errorf("%s: %w", handle, ErrUnknownHandle)
	}
	if !ct.allowed[auth.User] {
		return 0, fmt.Errorf("%s: %w", handle, ErrNotAllowed)
	}
	return ct.value, nil
}

func (f *FHE) RequestAuthorization(ctx context.Context, req fhe.AuthorizationRequest) (fhe.Authorization, error) {
	f.mu.Lock()
	f.authCalls++
	signer, ok := f.keys[req.User]
	now := f.now()
	f.mu.Unlock()

	if !ok {
		return fhe.Authorization{}, fmt.Errorf("%s: %w", req.User.Hex(), ErrUnknownSigner)
	}

	// Every authorization carries a fresh keypair for re-encryption.
	session, err := crypto.GenerateKey()
	if err != nil {
		return fhe.Authorization{}, fmt.Errorf("generate session key: %w", err)
	}
	auth := fhe.Authorization{
		Contract:  req.Contract,
		User:      req.User,
		PublicKey: crypto.FromECDSAPub(&session.PublicKey),
		IssuedAt:  now,
		ExpiresAt: now.Add(req.Validity),
	}
	sig, err := signer.Sign(authorizationDigest(auth))
	if err != nil {
		return fhe.Authorization{}, fmt.Errorf("sign authorization: %w", err)
	}
	auth.Signature = hexutil.Bytes(sig)
	return auth, nil
}

func authorizationDigest(auth fhe.Authorization) []byte {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(auth.ExpiresAt.Unix()))
	return crypto.Keccak256(auth.Contract.Bytes(), auth.User.Bytes(), auth.PublicKey, expiry[:])
}

func verifyAuthorization(auth fhe.Authorization) error {
	pub, err := crypto.SigToPub(authorizationDigest(auth), auth.Signature)
	if err != nil {
		return fmt.Errorf("recover signer: %v: %w", err, ErrBadSignature)
	}
	if crypto.PubkeyToAddress(*pub) != auth.User {
		return ErrBadSignature
	}
	return nil
}
