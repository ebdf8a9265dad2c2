// Package crypto exposes the minimal primitives used by the encryption core.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Identity generation (NewIdentity)
//   - The shared-payload AES-GCM cipher with a detached tag (SealPayload,
//     OpenPayload)
//   - Public-key fingerprints (Fingerprint)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and wipe them with memzero when practical.
package crypto
