package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"omemo/internal/app"
	"omemo/internal/domain"
)

var (
	passphrase string
	wire       *app.Wire
)

// Execute runs the CLI.
func Execute() error {
	root := &cobra.Command{
		Use:           "omemo",
		Short:         "Multi-device end-to-end encrypted messaging CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			if passphrase == "" {
				passphrase = os.Getenv("OMEMO_PASSPHRASE")
			}
			wire, err = app.NewWire(cfg, passphrase, log)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			wire.Omemo.Wait()
			_ = wire.Log.Sync()
			return wire.Close()
		},
	}

	pf := root.PersistentFlags()
	pf.String("home", "", "state dir (default ~/.omemo)")
	pf.String("jid", "", "local account, e.g. alice@example.org")
	pf.String("relay-url", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	pf.String("backend", "", "key store backend: memory, file or sqlite")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing the key store (or OMEMO_PASSPHRASE)")

	root.AddCommand(initCmd(), fingerprintCmd(), devicesCmd(), trustCmd(), sendCmd(), recvCmd())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// start brings the local account online.
func start(ctx context.Context) error {
	if err := wire.Omemo.Start(ctx, domain.JID(wire.Config.JID)); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	wire.Log.Debug("account ready", zap.Stringer("device", wire.Omemo.Local()))
	return nil
}

// parseAddress parses jid/device.
func parseAddress(s string) (domain.Address, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != '/' {
			continue
		}
		id, err := domain.ParseDeviceID(s[i+1:])
		if err != nil {
			return domain.Address{}, err
		}
		return domain.Address{JID: domain.JID(s[:i]), DeviceID: id}, nil
	}
	return domain.Address{}, fmt.Errorf("address %q: want jid/device", s)
}
