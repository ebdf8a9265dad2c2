package domain

import (
	interfaces "omemo/internal/domain/interfaces"
	types "omemo/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	JID                = types.JID
	DeviceID           = types.DeviceID
	Address            = types.Address
	Fingerprint        = types.Fingerprint
	Trust              = types.Trust
	PreKeyID           = types.PreKeyID
	SignedPreKeyID     = types.SignedPreKeyID
	Identity           = types.Identity
	PreKeyPair         = types.PreKeyPair
	PreKeyPublic       = types.PreKeyPublic
	SignedPreKeyPair   = types.SignedPreKeyPair
	SignedPreKeyPublic = types.SignedPreKeyPublic
	Bundle             = types.Bundle
	KeyEntry           = types.KeyEntry
	Envelope           = types.Envelope
	Message            = types.Message
	Decrypted          = types.Decrypted
	Item               = types.Item
	Delivery           = types.Delivery
	Ciphertext         = types.Ciphertext
	SessionResult      = types.SessionResult
	RatchetHeader      = types.RatchetHeader
	RatchetState       = types.RatchetState
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	Ed25519Public      = types.Ed25519Public
	Ed25519Private     = types.Ed25519Private
)

// Trust levels, in aggregation priority order.
const (
	TrustUnknown    = types.TrustUnknown
	TrustRecognized = types.TrustRecognized
	TrustConfirmed  = types.TrustConfirmed
	TrustIgnored    = types.TrustIgnored
)

// Function aliases.
var (
	Aggregate          = types.Aggregate
	ParseTrust         = types.ParseTrust
	ParseDeviceID      = types.ParseDeviceID
	ParseX25519Public  = types.ParseX25519Public
	ParseX25519Private = types.ParseX25519Private
	ParseEd25519Public = types.ParseEd25519Public
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	SessionCipher  = interfaces.SessionCipher
	SessionFactory = interfaces.SessionFactory
	PublishService = interfaces.PublishService
	Mailbox        = interfaces.Mailbox
	KVBackend      = interfaces.KVBackend
)
