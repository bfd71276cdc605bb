package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify <electionId>",
	Short: "Recompute an election's fingerprint chain and compare it with the stored ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(false)
		if err != nil {
			return err
		}
		defer s.close()

		ok, err := s.app.Verifier.Verify(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("election %s: ledger integrity check failed", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "election %s: ledger verified\n", args[0])
		return nil
	},
}
