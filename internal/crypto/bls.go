package crypto

import (
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"golang.org/x/crypto/blake2b"
)

// blsDST is the hash-to-curve domain separation tag for vote signatures.
var blsDST = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

var (
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrEmptySignatures indicates no signatures provided for aggregation.
	ErrEmptySignatures = errors.New("no signatures to aggregate")

	// ErrEmptyPublicKeys indicates no public keys provided for aggregation.
	ErrEmptyPublicKeys = errors.New("no public keys to aggregate")
)

// BLSPrivateKey is a BLS12-381 scalar.
type BLSPrivateKey struct {
	scalar fr.Element
}

// BLSPublicKey is a G2 point.
type BLSPublicKey struct {
	point bls12381.G2Affine
}

// BLSSignature is a G1 point.
type BLSSignature struct {
	point bls12381.G1Affine
}

// DeriveBLSKey derives the BLS key of node id for the given scenario seed.
func DeriveBLSKey(id string, seed int64) *BLSPrivateKey {
	material := DeriveSeed("bls", id, seed)

	var scalar fr.Element
	scalar.SetBytes(material[:])
	for scalar.IsZero() {
		material = blake2b.Sum256(material[:])
		scalar.SetBytes(material[:])
	}
	return &BLSPrivateKey{scalar: scalar}
}

// PublicKey returns scalar * G2.
func (sk *BLSPrivateKey) PublicKey() *BLSPublicKey {
	_, _, _, g2 := bls12381.Generators()

	var pk bls12381.G2Affine
	pk.ScalarMultiplication(&g2, sk.scalar.BigInt(new(big.Int)))
	return &BLSPublicKey{point: pk}
}

// Sign returns scalar * H(message), with H hashing onto G1.
func (sk *BLSPrivateKey) Sign(message []byte) (*BLSSignature, error) {
	h, err := bls12381.HashToG1(message, blsDST)
	if err != nil {
		return nil, fmt.Errorf("hash to G1: %w", err)
	}

	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&h, sk.scalar.BigInt(new(big.Int)))
	return &BLSSignature{point: sig}, nil
}

// Verify checks e(H(m), pk) == e(sig, G2).
func (pk *BLSPublicKey) Verify(message []byte, sig *BLSSignature) bool {
	h, err := bls12381.HashToG1(message, blsDST)
	if err != nil {
		return false
	}
	_, _, _, g2 := bls12381.Generators()

	left, err := bls12381.Pair([]bls12381.G1Affine{h}, []bls12381.G2Affine{pk.point})
	if err != nil {
		return false
	}
	right, err := bls12381.Pair([]bls12381.G1Affine{sig.point}, []bls12381.G2Affine{g2})
	if err != nil {
		return false
	}
	return left.Equal(&right)
}

// Bytes returns the compressed 96-byte encoding.
func (pk *BLSPublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

// Bytes returns the compressed 48-byte encoding.
func (sig *BLSSignature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

// BLSSignatureFromBytes decodes a compressed signature.
func BLSSignatureFromBytes(data []byte) (*BLSSignature, error) {
	var point bls12381.G1Affine
	if _, err := point.SetBytes(data); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return &BLSSignature{point: point}, nil
}

// AggregateSignatures sums signatures on G1.
func AggregateSignatures(sigs []*BLSSignature) (*BLSSignature, error) {
	if len(sigs) == 0 {
		return nil, ErrEmptySignatures
	}

	var acc bls12381.G1Jac
	acc.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		var p bls12381.G1Jac
		p.FromAffine(&s.point)
		acc.AddAssign(&p)
	}

	var out bls12381.G1Affine
	out.FromJacobian(&acc)
	return &BLSSignature{point: out}, nil
}

// AggregatePublicKeys sums public keys on G2.
func AggregatePublicKeys(pks []*BLSPublicKey) (*BLSPublicKey, error) {
	if len(pks) == 0 {
		return nil, ErrEmptyPublicKeys
	}

	var acc bls12381.G2Jac
	acc.FromAffine(&pks[0].point)
	for _, pk := range pks[1:] {
		var p bls12381.G2Jac
		p.FromAffine(&pk.point)
		acc.AddAssign(&p)
	}

	var out bls12381.G2Affine
	out.FromJacobian(&acc)
	return &BLSPublicKey{point: out}, nil
}

// VerifyAggregated checks an aggregate of signatures over the same message.
func VerifyAggregated(message []byte, sig *BLSSignature, pks []*BLSPublicKey) error {
	agg, err := AggregatePublicKeys(pks)
	if err != nil {
		return err
	}
	if !agg.Verify(message, sig) {
		return ErrInvalidSignature
	}
	return nil
}
