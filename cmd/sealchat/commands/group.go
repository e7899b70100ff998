package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/internal/domain"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Send to and manage group conversations",
	}
	cmd.AddCommand(groupSendCmd(), groupRotateCmd())
	return cmd
}

// group send <conversation> <message>: encrypt once for the whole group and
// fan the envelope out to every member.
func groupSendCmd() *cobra.Command {
	var members []string
	cmd := &cobra.Command{
		Use:   "send <conversation> <message>",
		Short: "Encrypt and send a message to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv := domain.ConversationID(args[0])
			if err := eng.SendGroup(cmd.Context(), conv, userIDs(members), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&members, "members", nil, "group members, comma separated")
	_ = cmd.MarkFlagRequired("members")
	return cmd
}

// group rotate <conversation>: cut over to a fresh group key. Run after
// membership changes so removed members cannot read new messages.
func groupRotateCmd() *cobra.Command {
	var members []string
	cmd := &cobra.Command{
		Use:   "rotate <conversation>",
		Short: "Rotate the group key and redistribute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv := domain.ConversationID(args[0])
			if err := eng.RotateGroupKey(cmd.Context(), conv, userIDs(members)); err != nil {
				return err
			}
			fmt.Println("group key rotated")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&members, "members", nil, "group members, comma separated")
	_ = cmd.MarkFlagRequired("members")
	return cmd
}

func userIDs(names []string) []domain.UserID {
	out := make([]domain.UserID, 0, len(names))
	for _, n := range names {
		out = append(out, domain.UserID(n))
	}
	return out
}
