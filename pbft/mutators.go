package pbft

import (
	"golang.org/x/crypto/blake2b"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

// Mutators returns the PBFT fault catalog: named field mutations for every
// phase message, the checkpoint and the view change.
func Mutators() []transport.Mutator {
	var out []transport.Mutator

	out = append(out, phaseMutators("pbft-preprepare", TypePrePrepare,
		func(p byzzbench.Payload) (uint64, uint64, []byte) {
			m := p.(PrePrepare)
			return m.View, m.Seq, m.Digest
		},
		func(p byzzbench.Payload, view, seq uint64, digest []byte) byzzbench.Payload {
			return p.(PrePrepare).WithView(view).WithSeq(seq).WithDigest(digest)
		})...)

	out = append(out, phaseMutators("pbft-prepare", TypePrepare,
		func(p byzzbench.Payload) (uint64, uint64, []byte) {
			m := p.(Prepare)
			return m.View, m.Seq, m.Digest
		},
		func(p byzzbench.Payload, view, seq uint64, digest []byte) byzzbench.Payload {
			return p.(Prepare).WithView(view).WithSeq(seq).WithDigest(digest)
		})...)

	out = append(out, phaseMutators("pbft-commit", TypeCommit,
		func(p byzzbench.Payload) (uint64, uint64, []byte) {
			m := p.(Commit)
			return m.View, m.Seq, m.Digest
		},
		func(p byzzbench.Payload, view, seq uint64, digest []byte) byzzbench.Payload {
			return p.(Commit).WithView(view).WithSeq(seq).WithDigest(digest)
		})...)

	out = append(out,
		transport.Mutator{
			ID:    "pbft-checkpoint-inc-seq",
			Types: []string{TypeCheckpoint},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Checkpoint)
				return m.WithSeq(m.Seq + 1), nil
			},
		},
		transport.Mutator{
			ID:    "pbft-checkpoint-change-digest",
			Types: []string{TypeCheckpoint},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Checkpoint)
				return m.WithDigest(corruptDigest(m.Digest)), nil
			},
		},
		transport.Mutator{
			ID:    "pbft-viewchange-inc-view",
			Types: []string{TypeViewChange},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(ViewChange)
				return m.WithNewView(m.NewView + 1), nil
			},
		},
	)

	return out
}

// phaseMutators builds the view, sequence and digest mutations shared by
// the three phase messages.
func phaseMutators(
	prefix, typ string,
	get func(byzzbench.Payload) (uint64, uint64, []byte),
	set func(byzzbench.Payload, uint64, uint64, []byte) byzzbench.Payload,
) []transport.Mutator {
	mk := func(suffix string, fn func(view, seq uint64, digest []byte) (uint64, uint64, []byte, error)) transport.Mutator {
		return transport.Mutator{
			ID:    prefix + "-" + suffix,
			Types: []string{typ},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				view, seq, digest := get(p)
				view, seq, digest, err := fn(view, seq, digest)
				if err != nil {
					return nil, err
				}
				return set(p, view, seq, digest), nil
			},
		}
	}

	return []transport.Mutator{
		mk("inc-view", func(v, s uint64, d []byte) (uint64, uint64, []byte, error) {
			return v + 1, s, d, nil
		}),
		mk("dec-view", func(v, s uint64, d []byte) (uint64, uint64, []byte, error) {
			if v == 0 {
				return 0, 0, nil, byzzbench.WrapInvalidMessagef("%s: view is already zero", prefix)
			}
			return v - 1, s, d, nil
		}),
		mk("inc-seq", func(v, s uint64, d []byte) (uint64, uint64, []byte, error) {
			return v, s + 1, d, nil
		}),
		mk("dec-seq", func(v, s uint64, d []byte) (uint64, uint64, []byte, error) {
			if s == 0 {
				return 0, 0, nil, byzzbench.WrapInvalidMessagef("%s: sequence number is already zero", prefix)
			}
			return v, s - 1, d, nil
		}),
		mk("change-digest", func(v, s uint64, d []byte) (uint64, uint64, []byte, error) {
			return v, s, corruptDigest(d), nil
		}),
	}
}

// corruptDigest derives a different digest of the same length.
func corruptDigest(d []byte) []byte {
	sum := blake2b.Sum256(append([]byte("mutated:"), d...))
	return sum[:]
}
