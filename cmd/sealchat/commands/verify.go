package commands

import (
	"fmt"
	"os"

	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"sealchat/internal/domain"
)

// verify <peer>: show the safety number shared with a peer so both sides can
// compare it out of band, then record the outcome.
func verifyCmd() *cobra.Command {
	var (
		mark   bool
		unmark bool
		qr     bool
	)
	cmd := &cobra.Command{
		Use:   "verify <peer>",
		Short: "Show the safety number for a peer and mark it verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			peer := domain.UserID(args[0])

			number, err := eng.SafetyNumber(ctx, peer)
			if err != nil {
				return err
			}
			fmt.Printf("Safety number with %s:\n%s\n", peer, number)
			if qr {
				qrterminal.GenerateWithConfig(number, qrterminal.Config{
					Level:     qrterminal.M,
					Writer:    os.Stdout,
					BlackChar: qrterminal.BLACK,
					WhiteChar: qrterminal.WHITE,
					QuietZone: 1,
				})
			}

			switch {
			case mark:
				if err := eng.MarkVerified(ctx, peer); err != nil {
					return err
				}
				fmt.Println("marked verified")
			case unmark:
				if err := eng.MarkUnverified(ctx, peer); err != nil {
					return err
				}
				fmt.Println("marked unverified")
			default:
				rec, ok, err := eng.VerificationStatus(ctx, peer)
				if err != nil {
					return err
				}
				if ok {
					fmt.Printf("Status: %s\n", rec.Status)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&mark, "mark", false, "record the peer as verified after comparing")
	cmd.Flags().BoolVar(&unmark, "unmark", false, "clear the peer's verified status")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the safety number as a QR code")
	return cmd
}
