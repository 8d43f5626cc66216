package predicate

import (
	"encoding/hex"
	"fmt"

	"github.com/edgedlt/byzzbench"
)

// Agreement holds when, at every position, all correct replicas that
// committed it hold the same entry.
type Agreement struct{}

// Name implements Predicate.
func (Agreement) Name() string { return "agreement" }

// Check implements Predicate.
func (Agreement) Check(s Snapshot) []Violation {
	correct := s.Correct()
	if len(correct) < 2 {
		return nil
	}

	var maxLen int
	for _, id := range correct {
		if n := s.Logs[id].Len(); n > maxLen {
			maxLen = n
		}
	}

	var out []Violation
	for seq := uint64(1); seq <= uint64(maxLen); seq++ {
		var (
			ref   byzzbench.NodeID
			found bool
		)
		for _, id := range correct {
			e, ok := s.Logs[id].Get(seq)
			if !ok {
				continue
			}
			if !found {
				ref, found = id, true
				continue
			}
			want, _ := s.Logs[ref].Get(seq)
			if e.Equal(want) {
				continue
			}
			out = append(out, Violation{
				Type:        ViolationAgreement,
				Description: fmt.Sprintf("position %d differs from replica %s", seq, ref),
				Node:        id,
				Context: map[string]any{
					"seq":       seq,
					"reference": string(ref),
					"value_1":   hex.EncodeToString(want.Value),
					"value_2":   hex.EncodeToString(e.Value),
				},
				key: fmt.Sprintf("%d/%s", seq, id),
			})
		}
	}
	return out
}

// Integrity holds when no correct replica committed the same operation at
// two positions. No-op entries are exempt.
type Integrity struct{}

// Name implements Predicate.
func (Integrity) Name() string { return "integrity" }

// Check implements Predicate.
func (Integrity) Check(s Snapshot) []Violation {
	var out []Violation
	for _, id := range s.Correct() {
		first := make(map[string]uint64)
		for _, e := range s.Logs[id].Entries() {
			if e.Noop() {
				continue
			}
			k := string(e.Value)
			prev, dup := first[k]
			if !dup {
				first[k] = e.Seq
				continue
			}
			out = append(out, Violation{
				Type:        ViolationIntegrity,
				Description: fmt.Sprintf("value at position %d already committed at %d", e.Seq, prev),
				Node:        id,
				Context: map[string]any{
					"seq":   e.Seq,
					"first": prev,
					"value": hex.EncodeToString(e.Value),
				},
				key: fmt.Sprintf("%s/%d", id, e.Seq),
			})
		}
	}
	return out
}
