// Package fhe wraps the encrypted-compute client behind a readiness gate.
package fhe

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Handle is an opaque reference to an encrypted value held by the contract.
type Handle string

// Ciphertext is what the client produces for one encrypted input.
type Ciphertext struct {
	Handle Handle
	Proof  hexutil.Bytes
}

type EncryptInput struct {
	Contract common.Address
	User     common.Address
	Value    uint64
}

type AuthorizationRequest struct {
	Contract common.Address
	User     common.Address
	Validity time.Duration
}

// Authorization is a user-signed credential allowing User to decrypt handles
// of Contract until ExpiresAt.
type Authorization struct {
	Contract  common.Address
	User      common.Address
	Signature hexutil.Bytes
	PublicKey hexutil.Bytes
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Client is the encrypted-compute SDK boundary.
type Client interface {
	Initialize(ctx context.Context, chainID uint64, endpoint string) error
	Encrypt(ctx context.Context, in EncryptInput) (Ciphertext, error)
	Decrypt(ctx context.Context, handle Handle, auth Authorization) (int64, error)
	RequestAuthorization(ctx context.Context, req AuthorizationRequest) (Authorization, error)
}
