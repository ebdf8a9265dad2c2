// Package omemo implements multi-device end-to-end encryption.
//
// A message is encrypted once with AES-GCM. The AES key and the
// authentication tag are then wrapped separately for every recipient device
// through a pairwise ratchet session. Devices are grouped into Peers, one
// per account, and an Omemo instance owns the Peers it has seen along with
// the local account.
//
// Encryption is gated on trust. A peer is only encrypted to when none of
// its enabled devices is Unknown and not all of them are Ignored. The first
// encryption to a peer runs trust on first use, which marks devices
// without a trust decision as Recognized.
package omemo
