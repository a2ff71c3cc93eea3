// Package ledger is the boundary to the ProductionDelta contract.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/proddelta/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReverted is wrapped by contract implementations when a call reverts.
var ErrReverted = errors.New("execution reverted")

type Role int

const (
	RoleYesterday Role = iota
	RoleToday
)

// Roles lists both slots in storage order.
var Roles = [2]Role{RoleYesterday, RoleToday}

func RoleFor(isToday bool) Role {
	if isToday {
		return RoleToday
	}
	return RoleYesterday
}

func (r Role) String() string {
	switch r {
	case RoleYesterday:
		return "YESTERDAY"
	case RoleToday:
		return "TODAY"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func (r Role) Valid() bool {
	return r == RoleYesterday || r == RoleToday
}

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Handles is the contract's current view for the caller. Empty handles mean
// nothing was stored yet.
type Handles struct {
	Yesterday fhe.Handle
	Today     fhe.Handle
	Delta     fhe.Handle
}

func (h Handles) ForRole(r Role) fhe.Handle {
	if r == RoleToday {
		return h.Today
	}
	return h.Yesterday
}

// Inspection summarizes contract health for one user.
type Inspection struct {
	Address       common.Address
	Deployed      bool
	Owner         common.Address
	Authorized    bool
	EmergencyStop bool
}

// Contract is bound to one caller; every transaction is sent from that
// caller's signer.
type Contract interface {
	Address() common.Address
	Submit(ctx context.Context, ct fhe.Ciphertext, role Role) (Receipt, error)
	ComputeDelta(ctx context.Context) (fhe.Handle, error)
	Handles(ctx context.Context) (Handles, error)
	IsDeployed(ctx context.Context, chainID uint64) (bool, error)
	Inspect(ctx context.Context, user common.Address) (Inspection, error)
}
