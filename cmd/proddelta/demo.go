package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/proddelta/internal/app"
	"github.com/harunnryd/proddelta/internal/formatter"

	pderrors "github.com/harunnryd/proddelta/internal/errors"

	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run submit, calculate and decrypt against the local chain",
	Long:  `Connect the wallet, submit yesterday's and today's production encrypted, compute the delta on-chain and decrypt it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yesterday, _ := cmd.Flags().GetString("yesterday")
		today, _ := cmd.Flags().GetString("today")

		return executeWithRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
			return runDemo(ctx, cmd, rt, yesterday, today)
		})
	},
}

func runDemo(ctx context.Context, cmd *cobra.Command, rt *app.Runtime, yesterdayRaw, todayRaw string) error {
	out := cmd.OutOrStdout()
	f := formatter.NewTableFormatter()

	ctrl, err := rt.Workflow()
	if err != nil {
		return err
	}

	render := func() {
		fmt.Fprintln(out, f.FormatSnapshot(rt.Wallet.StatusText(), ctrl.Snapshot()))
	}

	deployed, err := ctrl.CheckDeployment(ctx)
	if err != nil {
		return err
	}
	if !deployed {
		render()
		return fmt.Errorf("contract not deployed on chain %d; run 'proddelta verify'", rt.Wallet.Session().ChainID)
	}

	yesterday, err := ctrl.ParseValue(yesterdayRaw)
	if err != nil {
		return withHint(err)
	}
	today, err := ctrl.ParseValue(todayRaw)
	if err != nil {
		return withHint(err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"submit yesterday", func() error { return ctrl.SubmitProduction(ctx, yesterday, false) }},
		{"submit today", func() error { return ctrl.SubmitProduction(ctx, today, true) }},
		{"calculate delta", func() error { return ctrl.CalculateDelta(ctx) }},
		{"decrypt delta", func() error { return ctrl.DecryptDeltaHandle(ctx) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			render()
			return fmt.Errorf("%s: %w", step.name, withHint(err))
		}
	}

	render()
	return nil
}

// withHint appends the remediation hint to err when there is one.
func withHint(err error) error {
	hint := pderrors.Hint(err)
	if hint == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, hint)
}

func init() {
	demoCmd.Flags().String("yesterday", "100", "yesterday's production units")
	demoCmd.Flags().String("today", "150", "today's production units")
	rootCmd.AddCommand(demoCmd)
}
