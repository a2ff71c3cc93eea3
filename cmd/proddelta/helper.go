package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/proddelta/internal/app"
	"github.com/harunnryd/proddelta/internal/config"

	"github.com/spf13/cobra"
)

// executeWithRuntime builds a runtime, connects the wallet and hands the
// runtime to fn.
func executeWithRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	loadedCfg, err := loadConfigForCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := withInterrupt(cmd.Context())
	defer cancel()

	rt, err := app.NewBuilder().
		WithContext(ctx).
		WithConfig(loadedCfg).
		Build()
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer rt.Stop()
	rt.Start()

	if err := rt.Connect(ctx); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), rt.Wallet.StatusText())
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rt.Wallet.StatusText())
	if notice := chainNotice(loadedCfg, rt); notice != "" {
		fmt.Fprintln(cmd.OutOrStdout(), notice)
	}

	return fn(ctx, rt)
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

func chainNotice(c *config.Config, rt *app.Runtime) string {
	mockChains, err := c.MockChainEndpoints()
	if err != nil {
		return ""
	}
	return app.ChainNotice(rt.Wallet.Session().ChainID, mockChains, c.FHE.RelayerURL)
}
