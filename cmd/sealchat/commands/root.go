package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sealchat/internal/domain"
	"sealchat/internal/engine"
)

var (
	home       string
	passphrase string
	relayURL   string
	user       string
	verbose    bool

	eng *engine.Engine
)

func Execute() error {
	root := &cobra.Command{
		Use:   "sealchat",
		Short: "End-to-end encrypted chat CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("user required (--user or SEALCHAT_USER)")
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sealchat")
			}
			// Each account keeps its own key store so several users can
			// share one machine.
			dataDir := filepath.Join(home, user)
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}

			var log *zap.Logger
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				log = l
			}

			e, err := engine.New(engine.Config{
				User:       domain.UserID(user),
				DataDir:    dataDir,
				RelayURL:   relayURL,
				Passphrase: passphrase,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			eng = e
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", os.Getenv("SEALCHAT_HOME"), "config dir (default ~/.sealchat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local key store")
	root.PersistentFlags().StringVar(&relayURL, "relay", defaultRelay(), "relay base URL")
	root.PersistentFlags().StringVar(&user, "user", os.Getenv("SEALCHAT_USER"), "your username on the relay")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "log engine internals")

	root.AddCommand(
		initCmd(), registerCmd(), fingerprintCmd(), maintainCmd(),
		sendCmd(), recvCmd(), groupCmd(),
		backupCmd(), verifyCmd(),
	)
	return root.Execute()
}

func defaultRelay() string {
	if v := os.Getenv("SEALCHAT_RELAY"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
