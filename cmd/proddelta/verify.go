package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/proddelta/internal/app"
	"github.com/harunnryd/proddelta/internal/formatter"
	"github.com/harunnryd/proddelta/internal/ledger"

	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("contract verification failed")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the contract is deployed and usable",
	Long:  `Inspect the configured contract: deployment, owner, caller authorization and emergency stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
			return runVerify(ctx, cmd, rt)
		})
	},
}

func runVerify(ctx context.Context, cmd *cobra.Command, rt *app.Runtime) error {
	session := rt.Wallet.Session()
	if !session.Stable() {
		return fmt.Errorf("wallet not connected")
	}
	user := session.Signer.Address()

	report, err := ledger.Verify(ctx, rt.Network.Ledger.Bind(user), session.ChainID, user)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatter.NewTableFormatter().FormatReport(report))
	if !report.Healthy() {
		return errUnhealthy
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Contract is ready")
	return nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
