package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"omemo/internal/domain"
	"omemo/internal/omemo"
	"omemo/internal/relay"
	"omemo/internal/services/bundle"
	"omemo/internal/session"
	"omemo/internal/store"
)

// Wire bundles the stores, services and clients for the CLI.
type Wire struct {
	Config Config
	Log    *zap.Logger
	Keys   *store.KeyStore
	Relay  *relay.Client
	Omemo  *omemo.Omemo

	closer io.Closer
}

// NewWire constructs the dependency graph from cfg. A non-empty passphrase
// seals every stored value.
func NewWire(cfg Config, passphrase string, log *zap.Logger) (*Wire, error) {
	if cfg.JID == "" {
		return nil, errors.New("no account configured (set jid)")
	}
	if log == nil {
		log = zap.NewNop()
	}

	backend, closer, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		sealed, err := store.NewSealedBackend(backend, passphrase)
		if err != nil {
			closeQuietly(closer)
			return nil, err
		}
		backend = sealed
	}
	keys := store.NewKeyStore(backend)

	rc := relay.NewHTTP(cfg.RelayURL, domain.JID(cfg.JID))
	rc.HTTP = &http.Client{Timeout: cfg.DeviceTimeout}

	bundles := bundle.New(keys, rc, log.Named("bundle"))
	bundles.PoolSize = cfg.PreKeyPool

	o := omemo.New(keys, bundles, session.NewFactory(keys), omemo.Config{
		Logger:        log.Named("omemo"),
		DeviceTimeout: cfg.DeviceTimeout,
		MaxFanOut:     cfg.MaxFanOut,
	})

	return &Wire{Config: cfg, Log: log, Keys: keys, Relay: rc, Omemo: o, closer: closer}, nil
}

// Close releases the storage backend.
func (w *Wire) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

func openBackend(cfg Config) (store.Backend, io.Closer, error) {
	if cfg.Backend == BackendMemory {
		return store.NewMemoryBackend(), nil, nil
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, nil, err
	}
	switch cfg.Backend {
	case BackendFile:
		fb, err := store.NewFileBackend(filepath.Join(cfg.Home, "keystore.json"))
		return fb, nil, err
	case BackendSQLite:
		db, err := store.OpenSQLite(filepath.Join(cfg.Home, "keystore.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
