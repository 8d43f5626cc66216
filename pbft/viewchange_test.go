package pbft

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
)

// TestAcceptViewChangeBandwagon tests that f+1 votes for a higher view make
// a replica that has not voted join, and that 2f+1 votes release the next timer.
func TestAcceptViewChangeBandwagon(t *testing.T) {
	const f = 1
	l := testLog()

	res := l.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "A"}, "C", 1, f)
	assert.False(t, res.ShouldBandwagon, "one vote is not enough")

	res = l.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "B"}, "C", 1, f)
	assert.True(t, res.ShouldBandwagon)
	assert.Equal(t, uint64(2), res.BandwagonView)
	assert.False(t, res.BeginNextVote)

	_, err := l.ProduceViewChange(2, "C", f)
	require.NoError(t, err)
	assert.True(t, l.HasVoted("C", 2))
	assert.Equal(t, 3, l.ViewChangeVotes(2))

	res = l.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "D"}, "C", 1, f)
	assert.False(t, res.ShouldBandwagon, "already voted for view 2")
	assert.True(t, res.BeginNextVote)
}

// TestAcceptViewChangeAlreadyAhead tests that a replica voting for a later
// view does not fall back to an earlier one.
func TestAcceptViewChangeAlreadyAhead(t *testing.T) {
	const f = 1
	l := testLog()

	_, err := l.ProduceViewChange(3, "C", f)
	require.NoError(t, err)

	l.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "A"}, "C", 1, f)
	res := l.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "B"}, "C", 1, f)
	assert.False(t, res.ShouldBandwagon)

	// Votes beyond our own still count.
	l.AcceptViewChange(ViewChange{NewView: 4, ReplicaID: "A"}, "C", 1, f)
	res = l.AcceptViewChange(ViewChange{NewView: 5, ReplicaID: "B"}, "C", 1, f)
	assert.True(t, res.ShouldBandwagon)
	assert.Equal(t, uint64(4), res.BandwagonView)
}

// preparedLog returns a log in which (view 1, seq 2) is prepared and seq 1 is not.
func preparedLog(t *testing.T) (*MessageLog, PrePrepare) {
	t.Helper()
	l := testLog()
	pp := testPrePrepare(1, 2, testRequest(1))

	tk := l.NewTicket(1, 2)
	tk.Append(pp)
	tk.Append(Prepare{View: 1, Seq: 2, Digest: pp.Digest, ReplicaID: "A"})
	tk.Append(Prepare{View: 1, Seq: 2, Digest: pp.Digest, ReplicaID: "D"})
	require.True(t, tk.IsPrepared(1))
	require.True(t, tk.CASPhase(PhasePrePrepare, PhasePrepare))

	l.NewTicket(1, 1).Append(testPrePrepare(1, 1, testRequest(2)))
	return l, pp
}

// TestProduceAndAcceptNewView tests re-proposals, null fill and validation
// of the new-view certificate.
func TestProduceAndAcceptNewView(t *testing.T) {
	const f = 1
	primary, pp := preparedLog(t)

	vc, err := primary.ProduceViewChange(2, "C", f)
	require.NoError(t, err)
	require.Len(t, vc.Prepared, 1)
	assert.Equal(t, uint64(2), vc.Prepared[0].PrePrepare.Seq)

	_, ok, err := primary.ProduceNewView(2, "C", f)
	require.NoError(t, err)
	assert.False(t, ok, "needs 2f votes from other replicas")

	primary.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "A"}, "C", 1, f)
	primary.AcceptViewChange(ViewChange{NewView: 2, ReplicaID: "B"}, "C", 1, f)

	nv, ok, err := primary.ProduceNewView(2, "C", f)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint64(2), nv.NewView)
	require.Len(t, nv.ViewChanges, 3)
	assert.Equal(t, byzzbench.NodeID("A"), nv.ViewChanges[0].ReplicaID)

	require.Len(t, nv.PrePrepares, 2)
	assert.True(t, nv.PrePrepares[0].IsNull())
	assert.Empty(t, nv.PrePrepares[0].Digest)
	assert.Equal(t, uint64(1), nv.PrePrepares[0].Seq)
	assert.Equal(t, uint64(2), nv.PrePrepares[1].View)
	assert.Equal(t, pp.Digest, nv.PrePrepares[1].Digest)

	assert.Nil(t, primary.Ticket(1, 1), "tickets of the old view are collected")
	assert.Nil(t, primary.Ticket(1, 2))
	assert.NotNil(t, primary.Ticket(2, 1))
	assert.NotNil(t, primary.Ticket(2, 2))
	assert.Equal(t, 0, primary.ViewChangeVotes(2))

	t.Run("accepted by a backup", func(t *testing.T) {
		assert.True(t, testLog().AcceptNewView(nv, f))
	})

	t.Run("wrong re-proposal", func(t *testing.T) {
		bad := nv.WithPrePrepares(nv.PrePrepares)
		bad.PrePrepares[1] = bad.PrePrepares[1].WithDigest([]byte("forged"))
		assert.False(t, testLog().AcceptNewView(bad, f))
	})

	t.Run("vote for another view", func(t *testing.T) {
		bad := nv
		bad.ViewChanges = append([]ViewChange{}, nv.ViewChanges...)
		bad.ViewChanges[0] = bad.ViewChanges[0].WithNewView(3)
		assert.False(t, testLog().AcceptNewView(bad, f))
	})

	t.Run("too few votes", func(t *testing.T) {
		bad := nv
		bad.ViewChanges = nv.ViewChanges[:2]
		assert.False(t, testLog().AcceptNewView(bad, f))
	})
}

// TestNewViewAdvancesCheckpoint tests that a certificate carrying a newer
// stable checkpoint moves a lagging log forward.
func TestNewViewAdvancesCheckpoint(t *testing.T) {
	const f = 1
	ahead := testLog()
	for _, id := range []byzzbench.NodeID{"A", "B", "C"} {
		ahead.AppendCheckpoint(Checkpoint{Seq: 10, Digest: []byte("s10"), ReplicaID: id}, f)
	}
	require.Equal(t, uint64(10), ahead.LowWatermark())

	vcA, err := ahead.ProduceViewChange(2, "A", f)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), vcA.LastSeq)
	require.Len(t, vcA.Checkpoints, 3)

	nv := NewView{
		NewView: 2,
		ViewChanges: []ViewChange{
			vcA,
			{NewView: 2, ReplicaID: "B"},
			{NewView: 2, ReplicaID: "D"},
		},
	}

	lagging := testLog()
	require.True(t, lagging.AcceptNewView(nv, f))
	assert.Equal(t, uint64(10), lagging.LowWatermark())
	assert.Len(t, lagging.StableProofs(10), 3)
}

func proofAt(view, seq uint64, voters ...byzzbench.NodeID) PreparedProof {
	pp := testPrePrepare(view, seq, testRequest(seq))
	p := PreparedProof{PrePrepare: pp}
	for _, id := range voters {
		p.Prepares = append(p.Prepares, Prepare{View: view, Seq: seq, Digest: pp.Digest, ReplicaID: id})
	}
	return p
}

func checkpointsAt(seq uint64, digest string, voters ...byzzbench.NodeID) []Checkpoint {
	var out []Checkpoint
	for _, id := range voters {
		out = append(out, Checkpoint{Seq: seq, Digest: []byte(digest), ReplicaID: id})
	}
	return out
}

// TestValidViewChange tests the consistency checks on view-change proofs.
func TestValidViewChange(t *testing.T) {
	const f = 1

	forgedDigest := proofAt(1, 3, "A", "D")
	forgedDigest.PrePrepare = forgedDigest.PrePrepare.WithDigest([]byte("forged"))

	mixed := proofAt(1, 3, "A", "D")
	mixed.Prepares[1] = mixed.Prepares[1].WithDigest([]byte("other"))

	tests := []struct {
		name string
		vc   ViewChange
		want bool
	}{
		{"empty", ViewChange{NewView: 2, ReplicaID: "B"}, true},
		{"prepared in window", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 3, "A", "D")}}, true},
		{"prepared at window end", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 200, "A", "D")}}, true},
		{"proven checkpoint", ViewChange{NewView: 2, ReplicaID: "B", LastSeq: 10,
			Checkpoints: checkpointsAt(10, "s10", "A", "B", "C"),
			Prepared:    []PreparedProof{proofAt(1, 210, "A", "D")}}, true},
		{"prepared beyond window", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 201, "A", "D")}}, false},
		{"prepared far beyond window", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 1<<62, "A", "D")}}, false},
		{"prepared below checkpoint", ViewChange{NewView: 2, ReplicaID: "B", LastSeq: 10,
			Checkpoints: checkpointsAt(10, "s10", "A", "B", "C"),
			Prepared:    []PreparedProof{proofAt(1, 10, "A", "D")}}, false},
		{"too few prepares", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 3, "A")}}, false},
		{"repeated preparer", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 3, "A", "A")}}, false},
		{"mismatching prepare", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{mixed}}, false},
		{"digest not of request", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{forgedDigest}}, false},
		{"proof from the new view", ViewChange{NewView: 2, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(2, 3, "A", "D")}}, false},
		{"duplicate sequence", ViewChange{NewView: 3, ReplicaID: "B",
			Prepared: []PreparedProof{proofAt(1, 3, "A", "D"), proofAt(2, 3, "A", "D")}}, false},
		{"unproven checkpoint", ViewChange{NewView: 2, ReplicaID: "B", LastSeq: 150}, false},
		{"checkpoint digests disagree", ViewChange{NewView: 2, ReplicaID: "B", LastSeq: 10,
			Checkpoints: append(checkpointsAt(10, "s10", "A", "B"), checkpointsAt(10, "x10", "C")...)}, false},
		{"checkpoint from repeated replica", ViewChange{NewView: 2, ReplicaID: "B", LastSeq: 10,
			Checkpoints: checkpointsAt(10, "s10", "A", "A", "A")}, false},
		{"checkpoint for another sequence", ViewChange{NewView: 2, ReplicaID: "B", LastSeq: 10,
			Checkpoints: checkpointsAt(20, "s20", "A", "B", "C")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLog()
			assert.Equal(t, tt.want, l.ValidViewChange(tt.vc, f))

			l.AcceptViewChange(tt.vc, "C", 1, f)
			if tt.want {
				assert.Equal(t, 1, l.ViewChangeVotes(tt.vc.NewView))
			} else {
				assert.Equal(t, 0, l.ViewChangeVotes(tt.vc.NewView), "invalid vote is not recorded")
			}
		})
	}
}

// TestAcceptNewViewRejectsInvalidVotes tests that a certificate carrying a
// vote with inconsistent proofs is rejected and leaves the log untouched.
func TestAcceptNewViewRejectsInvalidVotes(t *testing.T) {
	const f = 1

	tests := []struct {
		name string
		vote ViewChange
	}{
		{"prepared far beyond window", ViewChange{NewView: 2, ReplicaID: "D",
			Prepared: []PreparedProof{proofAt(1, 1<<62, "A", "B")}}},
		{"prepared beyond window", ViewChange{NewView: 2, ReplicaID: "D",
			Prepared: []PreparedProof{proofAt(1, 2_000_000, "A", "B")}}},
		{"unproven checkpoint", ViewChange{NewView: 2, ReplicaID: "D", LastSeq: 150}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLog()
			l.NewTicket(1, 1).Append(testPrePrepare(1, 1, testRequest(1)))

			nv := NewView{
				NewView: 2,
				ViewChanges: []ViewChange{
					{NewView: 2, ReplicaID: "A"},
					{NewView: 2, ReplicaID: "B"},
					tt.vote,
				},
			}
			nv.PrePrepares = reproposals(nv.ViewChanges, 2, 0, 200)

			assert.False(t, l.AcceptNewView(nv, f))
			assert.Equal(t, uint64(0), l.LowWatermark())
			assert.NotNil(t, l.Ticket(1, 1))
		})
	}
}

// TestReproposalsWindow tests that re-proposals never extend past the
// watermark window above the checkpoint.
func TestReproposalsWindow(t *testing.T) {
	vcs := []ViewChange{{
		NewView: 2,
		Prepared: []PreparedProof{
			proofAt(1, 3, "A", "D"),
			proofAt(1, 500, "A", "D"),
			proofAt(1, math.MaxUint64, "A", "D"),
		},
	}}

	pps := reproposals(vcs, 2, 0, 200)
	require.Len(t, pps, 3)
	assert.True(t, pps[0].IsNull())
	assert.True(t, pps[1].IsNull())
	assert.Equal(t, uint64(3), pps[2].Seq)
	assert.False(t, pps[2].IsNull())

	// The window saturates at the top of the sequence space.
	top := reproposals(vcs, 2, math.MaxUint64-1, 200)
	require.Len(t, top, 1)
	assert.Equal(t, uint64(math.MaxUint64), top[0].Seq)
}
