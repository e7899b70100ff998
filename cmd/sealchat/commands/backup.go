package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up or restore your keys with a PIN",
	}
	cmd.AddCommand(backupCreateCmd(), backupRestoreCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Encrypt your key ring with a PIN and store it on the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.CreateKeyBackup(cmd.Context(), pin); err != nil {
				return err
			}
			fmt.Println("backup stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "six digit backup PIN")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore your key ring from the relay backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.RestoreKeyBackup(cmd.Context(), pin); err != nil {
				return err
			}
			fmt.Println("keys restored")
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "six digit backup PIN")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}
