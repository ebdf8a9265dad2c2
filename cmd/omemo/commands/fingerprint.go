package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/services/identity"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [jid/device]",
		Short: "Print the local fingerprint, or that of a device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				addr domain.Address
				fp   domain.Fingerprint
				err  error
			)
			if len(args) == 0 {
				addr, _, fp, err = identity.New(wire.Keys, wire.Log).Local()
			} else if addr, err = parseAddress(args[0]); err == nil {
				fp, err = wire.Omemo.Fingerprint(cmd.Context(), addr)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", addr, fp)
			return nil
		},
	}
}
