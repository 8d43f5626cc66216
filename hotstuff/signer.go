package hotstuff

import (
	"golang.org/x/crypto/blake2b"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/internal/crypto"
)

// Signer produces vote signatures and aggregates them into a QC signature.
// Signatures are carried for realism and measurement; the consensus path
// never verifies them.
type Signer interface {
	// Scheme returns the configured scheme name.
	Scheme() string

	// Sign signs msg.
	Sign(msg []byte) ([]byte, error)

	// Aggregate combines signatures ordered by signer.
	Aggregate(sigs [][]byte) ([]byte, error)

	// Verify checks a single signature produced by this signer.
	Verify(msg, sig []byte) bool
}

// NewSigner returns the signer of node id for a scheme.
func NewSigner(scheme string, id byzzbench.NodeID, seed int64) (Signer, error) {
	switch scheme {
	case byzzbench.SignatureDigest:
		return NewDigestSigner(id, seed), nil
	case byzzbench.SignatureEd25519:
		return &Ed25519Signer{key: crypto.DeriveEd25519Key(string(id), seed)}, nil
	case byzzbench.SignatureBLS:
		return &BLSSigner{key: crypto.DeriveBLSKey(string(id), seed)}, nil
	default:
		return nil, byzzbench.WrapConfigf("unsupported signature scheme: %s", scheme)
	}
}

// DigestSigner "signs" with a keyed BLAKE2b MAC. It is the cheap default.
type DigestSigner struct {
	key [32]byte
}

// NewDigestSigner derives the MAC key of node id.
func NewDigestSigner(id byzzbench.NodeID, seed int64) *DigestSigner {
	return &DigestSigner{key: crypto.DeriveSeed("digest", string(id), seed)}
}

// Scheme implements Signer.
func (s *DigestSigner) Scheme() string { return byzzbench.SignatureDigest }

// Sign implements Signer.
func (s *DigestSigner) Sign(msg []byte) ([]byte, error) {
	h, err := blake2b.New256(s.key[:])
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

// Aggregate implements Signer by concatenation.
func (s *DigestSigner) Aggregate(sigs [][]byte) ([]byte, error) {
	return concat(sigs), nil
}

// Verify implements Signer.
func (s *DigestSigner) Verify(msg, sig []byte) bool {
	want, err := s.Sign(msg)
	if err != nil {
		return false
	}
	return string(want) == string(sig)
}

// Ed25519Signer signs votes with Ed25519.
type Ed25519Signer struct {
	key *crypto.Ed25519PrivateKey
}

// Scheme implements Signer.
func (s *Ed25519Signer) Scheme() string { return byzzbench.SignatureEd25519 }

// Sign implements Signer.
func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return s.key.Sign(msg), nil
}

// Aggregate implements Signer by concatenation.
func (s *Ed25519Signer) Aggregate(sigs [][]byte) ([]byte, error) {
	return concat(sigs), nil
}

// Verify implements Signer.
func (s *Ed25519Signer) Verify(msg, sig []byte) bool {
	return s.key.PublicKey().Verify(msg, sig)
}

// BLSSigner signs votes with BLS12-381 and aggregates them into one
// 48-byte signature.
type BLSSigner struct {
	key *crypto.BLSPrivateKey
}

// Scheme implements Signer.
func (s *BLSSigner) Scheme() string { return byzzbench.SignatureBLS }

// Sign implements Signer.
func (s *BLSSigner) Sign(msg []byte) ([]byte, error) {
	sig, err := s.key.Sign(msg)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

// Aggregate implements Signer.
func (s *BLSSigner) Aggregate(sigs [][]byte) ([]byte, error) {
	parsed := make([]*crypto.BLSSignature, 0, len(sigs))
	for _, b := range sigs {
		sig, err := crypto.BLSSignatureFromBytes(b)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, sig)
	}
	agg, err := crypto.AggregateSignatures(parsed)
	if err != nil {
		return nil, err
	}
	return agg.Bytes(), nil
}

// Verify implements Signer.
func (s *BLSSigner) Verify(msg, sig []byte) bool {
	parsed, err := crypto.BLSSignatureFromBytes(sig)
	if err != nil {
		return false
	}
	return s.key.PublicKey().Verify(msg, parsed)
}

func concat(sigs [][]byte) []byte {
	var out []byte
	for _, s := range sigs {
		out = append(out, s...)
	}
	return out
}
