// Package mockchain simulates a local development chain: a wallet provider,
// an encrypted-compute client and the production ledger contract, all in
// memory. Values are kept in the clear behind opaque handles.
package mockchain

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Well-known development keys of a local node.
const (
	deployerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	operatorKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	auditorKey  = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

// Account is a local signer. It satisfies identity.Signer.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewAccount(hexKey string) (*Account, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse account key: %w", err)
	}
	return &Account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateAccount creates an account with a random key.
func GenerateAccount() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	return &Account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (a *Account) Address() common.Address {
	return a.address
}

// Sign signs a 32-byte digest.
func (a *Account) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, a.key)
}

func defaultAccounts() ([]*Account, error) {
	keys := []string{deployerKey, operatorKey, auditorKey}
	accounts := make([]*Account, 0, len(keys))
	for _, k := range keys {
		acct, err := NewAccount(k)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}
