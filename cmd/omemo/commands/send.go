package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/omemo"
	"omemo/internal/services/message"
)

// send <jid> <message>: encrypt for every device of <jid> and send.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <jid> <message>",
		Short: "Encrypt and send a message to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := start(cmd.Context()); err != nil {
				return err
			}
			svc := message.New(wire.Omemo, wire.Relay, wire.Log)
			m, err := svc.Send(cmd.Context(), domain.JID(args[0]), []byte(args[1]))
			if errors.Is(err, omemo.ErrTrustBlocked) {
				return fmt.Errorf("%w (review with `omemo devices`, then `omemo trust`)", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("sent %s to %d device(s)\n", m.ID, len(m.Envelope.Keys))
			return nil
		},
	}
}
