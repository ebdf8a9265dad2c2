package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/services/identity"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the identity and publish the bundle and device id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase != "" {
				if err := identity.ValidatePassphrase(passphrase); err != nil {
					return err
				}
			}
			if err := start(cmd.Context()); err != nil {
				return err
			}
			fp, err := wire.Omemo.Fingerprint(cmd.Context(), wire.Omemo.Local())
			if err != nil {
				return err
			}
			fmt.Printf("Device %s ready.\nFingerprint: %s\n", wire.Omemo.Local(), fp)
			return nil
		},
	}
}
