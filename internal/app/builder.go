package app

import (
	"context"
	"fmt"

	"github.com/harunnryd/proddelta/internal/config"
	"github.com/harunnryd/proddelta/internal/mockchain"
	"github.com/harunnryd/proddelta/internal/wallet"
	"github.com/harunnryd/proddelta/internal/workflow"
)

type Builder interface {
	WithContext(ctx context.Context) Builder
	WithConfig(cfg *config.Config) Builder
	WithNetwork(network *mockchain.Network) Builder
	WithWalletOptions(opts ...wallet.Option) Builder
	WithWorkflowOptions(opts ...workflow.Option) Builder
	Build() (*Runtime, error)
}

type DefaultBuilder struct {
	ctx          context.Context
	cfg          *config.Config
	network      *mockchain.Network
	walletOpts   []wallet.Option
	workflowOpts []workflow.Option
}

func NewBuilder() Builder {
	return &DefaultBuilder{}
}

func (b *DefaultBuilder) WithContext(ctx context.Context) Builder {
	b.ctx = ctx
	return b
}

func (b *DefaultBuilder) WithConfig(cfg *config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithNetwork supplies the chain to run against. Without one the builder
// starts a local network with the contract configured for the local chain.
func (b *DefaultBuilder) WithNetwork(network *mockchain.Network) Builder {
	b.network = network
	return b
}

func (b *DefaultBuilder) WithWalletOptions(opts ...wallet.Option) Builder {
	b.walletOpts = append(b.walletOpts, opts...)
	return b
}

func (b *DefaultBuilder) WithWorkflowOptions(opts ...workflow.Option) Builder {
	b.workflowOpts = append(b.workflowOpts, opts...)
	return b
}

func (b *DefaultBuilder) Build() (*Runtime, error) {
	if b.ctx == nil {
		b.ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	network := b.network
	if network == nil {
		var err error
		network, err = LocalNetwork(b.cfg)
		if err != nil {
			return nil, err
		}
	}

	return newRuntime(b.ctx, b.cfg, network, b.walletOpts, b.workflowOpts)
}

// LocalNetwork starts the in-memory local chain with the configured contract
// address.
func LocalNetwork(cfg *config.Config) (*mockchain.Network, error) {
	contracts, err := cfg.ContractAddresses()
	if err != nil {
		return nil, fmt.Errorf("resolve contracts: %w", err)
	}
	chainID := uint64(config.DefaultLocalChainID)
	address, ok := contracts[chainID]
	if !ok {
		return nil, fmt.Errorf("no contract configured for local chain %d", chainID)
	}

	network, err := mockchain.NewNetwork(chainID, address)
	if err != nil {
		return nil, fmt.Errorf("start local network: %w", err)
	}
	return network, nil
}
