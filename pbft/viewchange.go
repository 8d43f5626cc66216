package pbft

import (
	"bytes"
	"math"
	"sort"

	"github.com/edgedlt/byzzbench"
)

// ViewChangeResult tells the replica how to react to a view-change vote.
type ViewChangeResult struct {
	// ShouldBandwagon is true when f+1 other replicas vote for views above
	// the current one that this replica has not voted for yet.
	ShouldBandwagon bool

	// BandwagonView is the smallest such view.
	BandwagonView uint64

	// BeginNextVote is true when the vote's target view has 2f+1 votes,
	// so the timer for the following view may start.
	BeginNextVote bool
}

// ProduceViewChange builds this replica's vote for newView and records it.
// The vote carries the last stable checkpoint with its proofs and a
// prepared proof for every prepared request above it.
func (l *MessageLog) ProduceViewChange(newView uint64, self byzzbench.NodeID, f int) (ViewChange, error) {
	checkpoint := l.low
	proofs := l.stableProofs[checkpoint]
	if checkpoint != 0 && len(proofs) == 0 {
		return ViewChange{}, byzzbench.WrapInternalf("no proofs for stable checkpoint %d", checkpoint)
	}

	best := make(map[uint64]PreparedProof)
	consider := func(t *Ticket) {
		if t.Seq <= checkpoint {
			return
		}
		proof, ok := t.PreparedProof(f)
		if !ok {
			return
		}
		if cur, exists := best[t.Seq]; !exists || cur.PrePrepare.View < proof.PrePrepare.View {
			best[t.Seq] = proof
		}
	}
	for _, t := range l.cache {
		consider(t)
	}
	for _, t := range l.tickets {
		if t.Phase != PhasePrePrepare {
			consider(t)
		}
	}

	prepared := make([]PreparedProof, 0, len(best))
	for _, p := range best {
		prepared = append(prepared, p)
	}
	sort.Slice(prepared, func(i, j int) bool {
		return prepared[i].PrePrepare.Seq < prepared[j].PrePrepare.Seq
	})

	vc := ViewChange{
		NewView:     newView,
		LastSeq:     checkpoint,
		Checkpoints: append([]Checkpoint{}, proofs...),
		Prepared:    prepared,
		ReplicaID:   self,
	}
	l.recordViewChange(vc)
	return vc, nil
}

// AcceptViewChange records a vote and evaluates the bandwagon rule: when
// f+1 other replicas vote for views above both the current view and this
// replica's own latest vote, the replica should join the smallest of them.
// Votes failing ValidViewChange are ignored.
func (l *MessageLog) AcceptViewChange(vc ViewChange, self byzzbench.NodeID, curView uint64, f int) ViewChangeResult {
	if !l.ValidViewChange(vc, f) {
		return ViewChangeResult{}
	}
	l.recordViewChange(vc)

	floor := curView
	if own := l.latestOwnVote(self); own > floor {
		floor = own
	}

	others := make(map[byzzbench.NodeID]bool)
	smallest := uint64(0)
	for view, votes := range l.viewChanges {
		if view <= floor {
			continue
		}
		foreign := false
		for id := range votes {
			if id != self {
				others[id] = true
				foreign = true
			}
		}
		if foreign && (smallest == 0 || view < smallest) {
			smallest = view
		}
	}

	return ViewChangeResult{
		ShouldBandwagon: len(others) >= f+1,
		BandwagonView:   smallest,
		BeginNextVote:   len(l.viewChanges[vc.NewView]) >= 2*f+1,
	}
}

// ValidViewChange reports whether a vote's proofs are consistent. A
// non-zero LastSeq needs 2f+1 matching checkpoints from distinct replicas.
// Every prepared proof must lie in (LastSeq, LastSeq+WatermarkInterval],
// belong to an earlier view, carry a digest matching its request and hold
// 2f matching prepares from distinct replicas.
func (l *MessageLog) ValidViewChange(vc ViewChange, f int) bool {
	if vc.LastSeq > 0 && !provesCheckpoint(vc.Checkpoints, vc.LastSeq, f) {
		return false
	}

	high := windowEnd(vc.LastSeq, l.config.WatermarkInterval)
	seen := make(map[uint64]bool, len(vc.Prepared))
	for _, p := range vc.Prepared {
		pp := p.PrePrepare
		if pp.Seq <= vc.LastSeq || pp.Seq > high || seen[pp.Seq] {
			return false
		}
		if pp.View >= vc.NewView || !validDigest(pp) || !provesPrepared(p, f) {
			return false
		}
		seen[pp.Seq] = true
	}
	return true
}

// provesCheckpoint reports whether 2f+1 distinct replicas agree on one
// digest for seq.
func provesCheckpoint(cps []Checkpoint, seq uint64, f int) bool {
	byDigest := make(map[string]map[byzzbench.NodeID]bool)
	for _, cp := range cps {
		if cp.Seq != seq {
			continue
		}
		voters, ok := byDigest[string(cp.Digest)]
		if !ok {
			voters = make(map[byzzbench.NodeID]bool)
			byDigest[string(cp.Digest)] = voters
		}
		voters[cp.ReplicaID] = true
		if len(voters) >= 2*f+1 {
			return true
		}
	}
	return false
}

// provesPrepared reports whether 2f distinct replicas prepared the proof's
// pre-prepare.
func provesPrepared(p PreparedProof, f int) bool {
	pp := p.PrePrepare
	voters := make(map[byzzbench.NodeID]bool)
	for _, pr := range p.Prepares {
		if pr.View == pp.View && pr.Seq == pp.Seq && bytes.Equal(pr.Digest, pp.Digest) {
			voters[pr.ReplicaID] = true
		}
	}
	return len(voters) >= 2*f
}

// windowEnd returns low+interval, saturating on overflow.
func windowEnd(low, interval uint64) uint64 {
	if end := low + interval; end >= low {
		return end
	}
	return math.MaxUint64
}

// ViewChangeVotes returns the number of votes recorded for a view.
func (l *MessageLog) ViewChangeVotes(view uint64) int {
	return len(l.viewChanges[view])
}

// ProduceNewView builds the new-view certificate once 2f other replicas
// voted for newView. It re-proposes every sequence number between the
// latest stable checkpoint and the highest prepared one, filling gaps with
// null requests, and installs the re-proposals as tickets of the new view.
func (l *MessageLog) ProduceNewView(newView uint64, self byzzbench.NodeID, f int) (NewView, bool, error) {
	votes := l.viewChanges[newView]
	foreign := 0
	for id := range votes {
		if id != self {
			foreign++
		}
	}
	if foreign < 2*f {
		return NewView{}, false, nil
	}

	if _, ok := votes[self]; !ok {
		if _, err := l.ProduceViewChange(newView, self, f); err != nil {
			return NewView{}, false, err
		}
		votes = l.viewChanges[newView]
	}

	vcs := sortedViewChanges(votes)
	minS, proofs := latestCheckpoint(vcs)
	prePrepares := reproposals(vcs, newView, minS, l.config.WatermarkInterval)

	if minS > l.low {
		l.stableProofs[minS] = proofs
		l.gcCheckpoint(minS)
	}
	l.gcNewView(newView)

	for _, pp := range prePrepares {
		l.NewTicket(pp.View, pp.Seq).Append(pp)
	}

	return NewView{
		NewView:     newView,
		ViewChanges: vcs,
		PrePrepares: prePrepares,
	}, true, nil
}

// AcceptNewView validates a new-view certificate: 2f+1 distinct valid votes
// for the same view and re-proposals matching those votes. On success the log
// advances to the certificate's checkpoint and drops tickets of other views.
func (l *MessageLog) AcceptNewView(nv NewView, f int) bool {
	voters := make(map[byzzbench.NodeID]bool)
	for _, vc := range nv.ViewChanges {
		if vc.NewView != nv.NewView || !l.ValidViewChange(vc, f) {
			return false
		}
		voters[vc.ReplicaID] = true
	}
	if len(voters) < 2*f+1 {
		return false
	}

	minS, proofs := latestCheckpoint(nv.ViewChanges)
	expected := reproposals(nv.ViewChanges, nv.NewView, minS, l.config.WatermarkInterval)
	if len(expected) != len(nv.PrePrepares) {
		return false
	}
	for i, pp := range nv.PrePrepares {
		e := expected[i]
		if pp.View != e.View || pp.Seq != e.Seq || !bytes.Equal(pp.Digest, e.Digest) {
			return false
		}
	}

	if minS > l.low {
		l.stableProofs[minS] = proofs
		l.gcCheckpoint(minS)
	}
	l.gcNewView(nv.NewView)
	return true
}

// gcNewView drops votes up to newView and tickets of any other view.
func (l *MessageLog) gcNewView(newView uint64) {
	for v := range l.viewChanges {
		if v <= newView {
			delete(l.viewChanges, v)
		}
	}
	for k := range l.tickets {
		if k.View != newView {
			delete(l.tickets, k)
		}
	}
}

func (l *MessageLog) recordViewChange(vc ViewChange) {
	votes, ok := l.viewChanges[vc.NewView]
	if !ok {
		votes = make(map[byzzbench.NodeID]ViewChange)
		l.viewChanges[vc.NewView] = votes
	}
	votes[vc.ReplicaID] = vc
}

// HasVoted reports whether self already voted for view.
func (l *MessageLog) HasVoted(self byzzbench.NodeID, view uint64) bool {
	_, ok := l.viewChanges[view][self]
	return ok
}

// latestOwnVote returns the highest view self voted for, or zero.
func (l *MessageLog) latestOwnVote(self byzzbench.NodeID) uint64 {
	var latest uint64
	for v, votes := range l.viewChanges {
		if _, ok := votes[self]; ok && v > latest {
			latest = v
		}
	}
	return latest
}

func sortedViewChanges(votes map[byzzbench.NodeID]ViewChange) []ViewChange {
	out := make([]ViewChange, 0, len(votes))
	for _, vc := range votes {
		out = append(out, vc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

// latestCheckpoint returns the highest stable checkpoint among the votes.
func latestCheckpoint(vcs []ViewChange) (uint64, []Checkpoint) {
	var minS uint64
	var proofs []Checkpoint
	for _, vc := range vcs {
		if vc.LastSeq > minS || (vc.LastSeq == minS && proofs == nil) {
			minS = vc.LastSeq
			proofs = vc.Checkpoints
		}
	}
	return minS, append([]Checkpoint{}, proofs...)
}

// reproposals computes the pre-prepares of the new view for every sequence
// number in (minS, maxS], with maxS at most minS+window. The prepared proof
// from the highest view wins; sequence numbers without one get the null
// request.
func reproposals(vcs []ViewChange, newView, minS, window uint64) []PrePrepare {
	limit := windowEnd(minS, window)
	maxS := minS
	best := make(map[uint64]PrePrepare)
	for _, vc := range vcs {
		for _, p := range vc.Prepared {
			pp := p.PrePrepare
			if pp.Seq <= minS || pp.Seq > limit {
				continue
			}
			if pp.Seq > maxS {
				maxS = pp.Seq
			}
			if cur, ok := best[pp.Seq]; !ok || cur.View < pp.View {
				best[pp.Seq] = pp
			}
		}
	}

	out := make([]PrePrepare, 0, maxS-minS)
	for seq := minS + 1; seq > minS && seq <= maxS; seq++ {
		if pp, ok := best[seq]; ok {
			out = append(out, PrePrepare{
				View:    newView,
				Seq:     seq,
				Digest:  pp.Digest,
				Request: pp.Request,
			})
			continue
		}
		out = append(out, PrePrepare{View: newView, Seq: seq})
	}
	return out
}
