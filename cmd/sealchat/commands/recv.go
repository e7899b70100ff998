package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"sealchat/internal/domain"
	"sealchat/internal/relay"
)

// recv: fetch and decrypt queued messages. With --follow, stay subscribed
// and print messages as they arrive.
func recvCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := drain(ctx); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			sub, err := relay.DialSubscriber(ctx, relayURL, domain.UserID(user))
			if err != nil {
				return err
			}
			defer sub.Close()

			err = sub.Run(ctx, func(domain.Envelope) {
				// The push is only a wake-up. The queue is drained over
				// HTTP so delivery and acknowledgement stay in one path.
				if err := drain(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "recv:", err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "stay connected and print messages as they arrive")
	return cmd
}

func drain(ctx context.Context) error {
	msgs, err := eng.Receive(ctx, 0)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		printMessage(m)
	}
	return nil
}

func printMessage(m domain.IncomingMessage) {
	if m.Group {
		fmt.Printf("[%s @ %s] %s\n", m.From, m.ConversationID, string(m.Plaintext))
		return
	}
	fmt.Printf("[%s] %s\n", m.From, string(m.Plaintext))
}
