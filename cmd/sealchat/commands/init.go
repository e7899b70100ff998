package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/internal/crypto"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := eng.InitializeKeys(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nFingerprint: %s\n", crypto.Fingerprint(snap.Identity.XPub.Slice()))
			return nil
		},
	}
}
