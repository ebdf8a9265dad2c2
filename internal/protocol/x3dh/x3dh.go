package x3dh

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/util/memzero"
)

const rootKeyInfo = "omemo-x3dh"

// ErrBadSignedPreKey is returned when the bundle's signed pre-key signature
// does not verify against its signing key.
var ErrBadSignedPreKey = errors.New("signed pre-key signature invalid")

// Initiation is what the initiator learns from Initiate and must send to the
// responder in its first message.
type Initiation struct {
	RootKey        []byte
	BaseKey        domain.X25519Public
	SignedPreKeyID domain.SignedPreKeyID
	// PreKeyID is 0 when the bundle had no one-time pre-keys.
	PreKeyID domain.PreKeyID
}

// Initiate derives the root key for the initiator against bundle, picking one
// of the bundle's one-time pre-keys at random.
func Initiate(local domain.Identity, bundle domain.Bundle) (Initiation, error) {
	spk := bundle.SignedPreKey
	if !VerifySPK(bundle.SigningKey, spk.Pub, spk.Signature) {
		return Initiation{}, ErrBadSignedPreKey
	}

	var opk *domain.PreKeyPublic
	if n := len(bundle.PreKeys); n > 0 {
		i, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
		if err != nil {
			return Initiation{}, err
		}
		opk = &bundle.PreKeys[i.Int64()]
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Initiation{}, err
	}
	defer memzero.Zero(ephPriv[:])

	secrets := []dhPair{
		{local.XPriv, spk.Pub},        // DH(IKA, SPKB)
		{ephPriv, bundle.IdentityKey}, // DH(EKA, IKB)
		{ephPriv, spk.Pub},            // DH(EKA, SPKB)
	}
	if opk != nil {
		secrets = append(secrets, dhPair{ephPriv, opk.Pub}) // DH(EKA, OPKB)
	}
	root, err := deriveRoot(secrets)
	if err != nil {
		return Initiation{}, err
	}

	out := Initiation{RootKey: root, BaseKey: ephPub, SignedPreKeyID: spk.ID}
	if opk != nil {
		out.PreKeyID = opk.ID
	}
	return out, nil
}

// Respond recomputes the initiator's root key on the responder side.
// opk is nil when the initiator used no one-time pre-key.
func Respond(
	local domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	remoteIdentity domain.X25519Public,
	baseKey domain.X25519Public,
) ([]byte, error) {
	secrets := []dhPair{
		{spkPriv, remoteIdentity}, // DH(SPKB, IKA)
		{local.XPriv, baseKey},    // DH(IKB, EKA)
		{spkPriv, baseKey},        // DH(SPKB, EKA)
	}
	if opkPriv != nil {
		secrets = append(secrets, dhPair{*opkPriv, baseKey}) // DH(OPKB, EKA)
	}
	return deriveRoot(secrets)
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

type dhPair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func deriveRoot(pairs []dhPair) ([]byte, error) {
	dhConcat := make([]byte, 0, 32*len(pairs))
	for _, p := range pairs {
		out, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		dhConcat = append(dhConcat, out[:]...)
		memzero.Zero(out[:])
	}
	defer memzero.Zero(dhConcat)

	root := make([]byte, 32)
	r := hkdf.New(sha256.New, dhConcat, make([]byte, sha256.Size), []byte(rootKeyInfo))
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, err
	}
	return root, nil
}
