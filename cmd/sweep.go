package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close every open election whose end time has passed, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(true)
		if err != nil {
			return err
		}
		defer s.close()

		closed, err := s.app.Sweeper.Sweep(context.Background())
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d election(s)\n", closed)
		return err
	},
}
