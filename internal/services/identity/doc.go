// Package identity manages the local identity and resolves the identities of
// other devices.
//
// Service generates the local X25519 and Ed25519 key pairs together with a
// device id and enforces the passphrase policy for sealed storage. Resolver
// maps a device address to its identity fingerprint, from cache, from the
// KeyStore or by fetching the device's bundle.
package identity
