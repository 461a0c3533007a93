package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Verify the configured credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		info, err := client.VerifyToken(ctx)
		if err != nil {
			return fmt.Errorf("token verification failed: %w", err)
		}
		fmt.Printf("Authenticated to %s (%s), token %s\n",
			info.AccountName, info.AccountID, info.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
