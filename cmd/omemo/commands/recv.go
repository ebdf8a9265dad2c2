package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/services/message"
)

// recv: fetch and decrypt queued messages for the local account.
func recvCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := start(cmd.Context()); err != nil {
				return err
			}
			svc := message.New(wire.Omemo, wire.Relay, wire.Log)
			msgs, err := svc.Receive(cmd.Context(), limit)
			for _, r := range msgs {
				if r.Err != nil {
					fmt.Printf("[%s] (message undecryptable: %v)\n", r.ID, r.Err)
					continue
				}
				m := r.Message
				fmt.Printf("[%s/%s]%s %s\n", m.From, m.SID, trustMark(m.Trust), m.Plaintext)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "fetch at most this many messages (0 = all)")
	return cmd
}

func trustMark(t domain.Trust) string {
	switch t {
	case domain.TrustConfirmed:
		return ""
	case domain.TrustRecognized:
		return " (recognized)"
	}
	return " (UNVERIFIED " + t.String() + ")"
}
