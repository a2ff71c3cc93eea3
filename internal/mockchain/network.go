package mockchain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Network is a ready-to-use local chain: the contract is deployed by the
// first account and the second account is authorized to submit.
type Network struct {
	ChainID  uint64
	Accounts []*Account
	Wallet   *Wallet
	FHE      *FHE
	Ledger   *Ledger
}

func NewNetwork(chainID uint64, contract common.Address) (*Network, error) {
	accounts, err := defaultAccounts()
	if err != nil {
		return nil, fmt.Errorf("load development accounts: %w", err)
	}

	deployer, operator := accounts[0], accounts[1]
	f := NewFHE([]uint64{chainID}, accounts...)
	l := NewLedger(contract, deployer.Address(), chainID, f)
	l.Authorize(operator.Address())

	return &Network{
		ChainID:  chainID,
		Accounts: accounts,
		Wallet:   NewWallet(chainID, operator),
		FHE:      f,
		Ledger:   l,
	}, nil
}

func (n *Network) Deployer() *Account { return n.Accounts[0] }

func (n *Network) Operator() *Account { return n.Accounts[1] }

// Outsider has no authorization on the ledger.
func (n *Network) Outsider() *Account { return n.Accounts[2] }
