// Package store provides persistence for the encryption core.
//
// KeyStore is a typed view (identity, pre-keys, remote identity keys, device
// lists, trust matrix, sessions) over a small key/value Backend. Values are
// JSON; binary fields use Buffer so that bytes and strings never mix.
//
// Backends:
//   - MemoryBackend keeps everything in a map (tests, throwaway runs)
//   - FileBackend keeps one JSON document, replaced atomically on write
//   - SQLiteBackend keeps a kv table, created by embedded migrations
//   - SealedBackend encrypts the values of any other backend under a
//     passphrase
//
// All methods are safe for concurrent use.
package store
