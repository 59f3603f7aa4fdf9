package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "billing",
		Short: "Room internet billing and payment reconciliation",
		Long: `billing issues monthly invoices for room internet subscribers and keeps
every invoice consistent with its payment ledger.

Configuration is read from the environment and from a .env file in the
working directory.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newNextDueCmd(), newChargesCmd(), newJobsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var code exitError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "billing: %v\n", err)
		os.Exit(1)
	}
}
