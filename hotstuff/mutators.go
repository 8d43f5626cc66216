package hotstuff

import (
	"golang.org/x/crypto/blake2b"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

// Mutators returns the HotStuff fault catalog.
func Mutators() []transport.Mutator {
	return []transport.Mutator{
		{
			ID:    "hotstuff-proposal-inc-view",
			Types: []string{TypeProposal},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Proposal)
				return m.WithView(m.Block.View + 1), nil
			},
		},
		{
			ID:    "hotstuff-proposal-drop-operation",
			Types: []string{TypeProposal},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Proposal)
				if m.Block.Operation == nil {
					return nil, byzzbench.WrapInvalidMessagef("hotstuff-proposal-drop-operation: block carries no operation")
				}
				return m.WithOperation(nil), nil
			},
		},
		{
			ID:    "hotstuff-vote-change-block",
			Types: []string{TypeVote},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Vote)
				return m.WithBlock(blake2b.Sum256(append([]byte("mutated:"), m.Block[:]...))), nil
			},
		},
		{
			ID:    "hotstuff-vote-inc-view",
			Types: []string{TypeVote},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Vote)
				return m.WithView(m.View + 1), nil
			},
		},
		{
			ID:    "hotstuff-vote-dec-view",
			Types: []string{TypeVote},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(Vote)
				if m.View == 0 {
					return nil, byzzbench.WrapInvalidMessagef("hotstuff-vote-dec-view: view is already zero")
				}
				return m.WithView(m.View - 1), nil
			},
		},
		{
			ID:    "hotstuff-newview-inc-view",
			Types: []string{TypeNewView},
			Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
				m := p.(NewView)
				return m.WithView(m.View + 1), nil
			},
		},
	}
}
