// Command gatewayctl is the operator CLI for the credit gateway: config
// validation and day-to-day account/credit administration. Grounded on
// the teacher's cmd/ferrogw-cli (validate, version) and the gateway's
// own §4.6/§6 credit-reset workflow, rebuilt on spf13/cobra instead of a
// hand-rolled os.Args switch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	creditgw "github.com/ferro-labs/creditgw"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operator CLI for the credit gateway",
	}
	root.AddCommand(newValidateCmd())
	root.AddCommand(newResetCreditsCmd())
	root.AddCommand(newListProvidersCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := creditgw.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := creditgw.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}
			fmt.Printf("config is valid: %d model(s), %d provider(s)\n", len(cfg.Models), len(cfg.Providers))
			return nil
		},
	}
}

func newResetCreditsCmd() *cobra.Command {
	var dialect, dsn string
	var amount int64
	cmd := &cobra.Command{
		Use:   "reset-credits <user-id> [user-id...]",
		Short: "Reset one or more users' credit balances to amount",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledgerDB, err := openLedgerStore(dialect, dsn)
			if err != nil {
				return err
			}
			defer ledgerDB.Close()
			if err := ledgerDB.ResetCredits(cmd.Context(), args, amount); err != nil {
				return fmt.Errorf("reset credits: %w", err)
			}
			fmt.Printf("reset %d user(s) to %d credits\n", len(args), amount)
			return nil
		},
	}
	cmd.Flags().StringVar(&dialect, "dialect", "sqlite", "storage dialect: sqlite or postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "storage DSN (defaults per dialect)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credit amount to set")
	return cmd
}

func newListProvidersCmd() *cobra.Command {
	var dialect, dsn string
	cmd := &cobra.Command{
		Use:   "list-providers",
		Short: "List every configured provider and sub-provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirDB, err := openDirectoryStore(dialect, dsn)
			if err != nil {
				return err
			}
			defer dirDB.Close()

			providers, err := dirDB.AllProviders(cmd.Context())
			if err != nil {
				return fmt.Errorf("list providers: %w", err)
			}
			subs, err := dirDB.AllSubProviders(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sub-providers: %w", err)
			}
			subsByProvider := make(map[string]int, len(providers))
			for _, s := range subs {
				subsByProvider[s.ProviderID]++
			}
			for _, p := range providers {
				fmt.Printf("%-20s needs_sub_providers=%-5v sub_providers=%d\n", p.ID, p.NeedsSubProviders, subsByProvider[p.ID])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dialect, "dialect", "sqlite", "storage dialect: sqlite or postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "storage DSN (defaults per dialect)")
	return cmd
}
