package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Ed25519PrivateKey is an Ed25519 signing key.
type Ed25519PrivateKey struct {
	key ed25519.PrivateKey
}

// Ed25519PublicKey is an Ed25519 verification key.
type Ed25519PublicKey struct {
	key ed25519.PublicKey
}

// DeriveEd25519Key derives the Ed25519 key of node id for the given scenario seed.
func DeriveEd25519Key(id string, seed int64) *Ed25519PrivateKey {
	material := DeriveSeed("ed25519", id, seed)
	return &Ed25519PrivateKey{key: ed25519.NewKeyFromSeed(material[:])}
}

// PublicKey returns the verification key.
func (sk *Ed25519PrivateKey) PublicKey() *Ed25519PublicKey {
	return &Ed25519PublicKey{key: sk.key.Public().(ed25519.PublicKey)}
}

// Sign signs message. Ed25519 signatures are deterministic.
func (sk *Ed25519PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(sk.key, message)
}

// Verify checks a signature over message.
func (pk *Ed25519PublicKey) Verify(message, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pk.key, message, sig)
}

// Bytes returns the 32-byte public key.
func (pk *Ed25519PublicKey) Bytes() []byte {
	return append([]byte(nil), pk.key...)
}

// String returns a short hex prefix for logging.
func (pk *Ed25519PublicKey) String() string {
	return hex.EncodeToString(pk.key[:8])
}
