package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish your key bundle to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.Register(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Registered %s with relay\n", eng.User())
			return nil
		},
	}
}
