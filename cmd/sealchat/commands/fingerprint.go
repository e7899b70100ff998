package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/internal/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := eng.PublicKeyBundle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(bundle.IdentityKey.Slice()))
			return nil
		},
	}
}
