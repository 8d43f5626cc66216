package pbft

import (
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeRequest returns the canonical encoding of a request: client ID
// (field 1), timestamp (field 2) and operation (field 3) in protobuf wire
// format. A nil request encodes to nil.
func EncodeRequest(r *Request) []byte {
	if r == nil {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(r.ClientID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Timestamp)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Operation)
	return b
}

// DigestRequest returns the BLAKE2b-256 digest of a request. The null
// request has an empty digest.
func DigestRequest(r *Request) []byte {
	if r == nil {
		return nil
	}
	sum := blake2b.Sum256(EncodeRequest(r))
	return sum[:]
}

// nextStateDigest chains the executed value at seq onto the previous state digest.
func nextStateDigest(prev []byte, seq uint64, value []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, prev)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	sum := blake2b.Sum256(b)
	return sum[:]
}
