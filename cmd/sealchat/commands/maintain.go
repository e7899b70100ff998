package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// maintain: top up the one-time pre-key pool and rotate the signed pre-key
// when it has aged out. Safe to run from cron.
func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Replenish pre-keys and rotate the signed pre-key when due",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.Maintain(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("maintenance complete")
			return nil
		},
	}
}
