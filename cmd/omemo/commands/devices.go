package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [jid]",
		Short: "List the devices of an account (default: your own)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := start(cmd.Context()); err != nil {
				return err
			}
			jid := wire.Omemo.Local().JID
			if len(args) == 1 {
				jid = domain.JID(args[0])
			}
			if _, err := wire.Omemo.RefreshDeviceList(cmd.Context(), jid); err != nil {
				return err
			}
			devices, err := wire.Omemo.Devices(jid)
			if err != nil {
				return err
			}
			agg, err := wire.Omemo.AggregateTrust(jid)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tTRUST\tENABLED\tLAST USED\tFINGERPRINT")
			for _, d := range devices {
				last := "never"
				if !d.LastUsed.IsZero() {
					last = d.LastUsed.Local().Format(time.DateTime)
				}
				fp := string(d.Fingerprint)
				if fp == "" {
					fp = "(not fetched)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", d.Address, d.Trust, !d.Disabled, last, fp)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("aggregate trust: %s\n", agg)
			return nil
		},
	}
}
