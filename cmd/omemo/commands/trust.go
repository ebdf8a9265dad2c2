package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

// trust <jid/device> <level|enable|disable>
func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <jid/device> <unknown|recognized|confirmed|ignored|enable|disable>",
		Short: "Set the trust level of a device, or enable/disable it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			switch args[1] {
			case "enable":
				err = wire.Omemo.Enable(addr)
			case "disable":
				err = wire.Omemo.Disable(addr)
			default:
				var level domain.Trust
				if level, err = domain.ParseTrust(args[1]); err == nil {
					err = wire.Omemo.SetTrust(cmd.Context(), addr, level)
				}
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", addr, args[1])
			return nil
		},
	}
}
