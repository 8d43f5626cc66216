// Package crypto provides the deterministic signing keys used by HotStuff
// vote signers.
//
// Keys are derived from a node identifier and the scenario seed so that a
// replayed scenario produces byte-identical signatures:
//  1. BLS12-381 - aggregate signatures for quorum certificates (bls.go)
//  2. Ed25519 - per-vote signatures, concatenated into certificates (ed25519.go)
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// DeriveSeed returns 32 bytes of key material for (domain, id, seed).
// The same inputs always yield the same bytes.
func DeriveSeed(domain, id string, seed int64) [32]byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(domain)))
	b = append(b, domain...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(id)))
	b = append(b, id...)
	b = binary.BigEndian.AppendUint64(b, uint64(seed))
	return blake2b.Sum256(b)
}
