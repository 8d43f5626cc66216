package hotstuff

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/timer"
)

// Replica is a chained HotStuff replica.
//
// Like every replica it runs entirely on the scenario's event loop.
type Replica struct {
	id        byzzbench.NodeID
	replicas  []byzzbench.NodeID
	transport byzzbench.Transport
	quorum    int

	chain     *Chain
	votes     *VoteAccumulator
	signer    Signer
	commitLog *commitlog.Log
	pacemaker *Pacemaker

	view        uint64
	lastVoted   uint64
	disgruntled bool

	mempool       []byzzbench.ClientRequest
	pending       map[OpKey]bool
	lastTimestamp map[byzzbench.NodeID]uint64
	lastReply     map[byzzbench.NodeID]byzzbench.Reply

	logger *zap.Logger
}

var _ byzzbench.Replica = (*Replica)(nil)

// New creates a HotStuff replica. The replica set is sorted to fix the
// round-robin leader order; id must be a member of it.
func New(id byzzbench.NodeID, replicas []byzzbench.NodeID, transport byzzbench.Transport, cfg *byzzbench.Config) (*Replica, error) {
	if cfg == nil {
		return nil, byzzbench.WrapConfigf("config is required")
	}
	if transport == nil {
		return nil, byzzbench.WrapConfigf("transport is required")
	}

	sorted := append([]byzzbench.NodeID{}, replicas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= id })
	if idx == len(sorted) || sorted[idx] != id {
		return nil, byzzbench.WrapConfigf("replica %s is not in the replica set", id)
	}

	f := (len(sorted) - 1) / 3
	if cfg.Faults > 0 {
		f = cfg.Faults
	}
	if len(sorted) < 3*f+1 {
		return nil, byzzbench.WrapConfigf("%d replicas cannot tolerate f=%d", len(sorted), f)
	}

	signer, err := NewSigner(cfg.SignatureScheme, id, cfg.Seed)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("replica", string(id)))

	quorum := len(sorted) - f
	r := &Replica{
		id:            id,
		replicas:      sorted,
		transport:     transport,
		quorum:        quorum,
		chain:         NewChain(),
		votes:         NewVoteAccumulator(quorum, signer),
		signer:        signer,
		commitLog:     commitlog.New(),
		view:          1,
		pending:       make(map[OpKey]bool),
		lastTimestamp: make(map[byzzbench.NodeID]uint64),
		lastReply:     make(map[byzzbench.NodeID]byzzbench.Reply),
		logger:        logger,
	}
	r.pacemaker = NewPacemaker(id, transport, timer.BackoffConfig{
		BaseDuration:  cfg.ViewTimeout,
		MaxDuration:   cfg.MaxViewTimeout,
		BackoffFactor: cfg.BackoffFactor,
	}, quorum, logger)
	return r, nil
}

// ID returns the replica identifier.
func (r *Replica) ID() byzzbench.NodeID { return r.id }

// Initialize announces view 1 to its leader with the genesis QC.
func (r *Replica) Initialize() error {
	r.logger.Debug("initialized",
		zap.Uint64("view", r.view),
		zap.String("leader", string(r.Leader(r.view))),
		zap.String("scheme", r.signer.Scheme()))
	r.sendNewView(r.view)
	return nil
}

// View returns the current view.
func (r *Replica) View() uint64 { return r.view }

// Disgruntled reports whether the replica's last view ended in a timeout
// and it has not yet voted in a later one.
func (r *Replica) Disgruntled() bool { return r.disgruntled }

// CommitLog returns the replica's commit log.
func (r *Replica) CommitLog() *commitlog.Log { return r.commitLog }

// Chain returns the replica's block tree.
func (r *Replica) Chain() *Chain { return r.chain }

// Pacemaker returns the replica's pacemaker.
func (r *Replica) Pacemaker() *Pacemaker { return r.pacemaker }

// MempoolLen returns the number of operations waiting to be committed.
func (r *Replica) MempoolLen() int { return len(r.mempool) }

// Quorum returns the number of votes that certify a block.
func (r *Replica) Quorum() int { return r.quorum }

// Leader returns the leader of view v.
func (r *Replica) Leader(v uint64) byzzbench.NodeID {
	return r.replicas[v%uint64(len(r.replicas))]
}

// HandleMessage implements byzzbench.Node.
func (r *Replica) HandleMessage(sender byzzbench.NodeID, payload byzzbench.Payload) error {
	switch p := payload.(type) {
	case byzzbench.ClientRequest:
		r.recvClientRequest(sender, p)
	case Request:
		r.addOperation(p.Operation)
	case Proposal:
		r.recvProposal(sender, p.Block)
	case Vote:
		r.recvVote(sender, p)
	case NewView:
		r.recvNewView(sender, p)
	default:
		return byzzbench.UnknownPayload(r.id, payload)
	}
	return nil
}

func (r *Replica) recvClientRequest(sender byzzbench.NodeID, op byzzbench.ClientRequest) {
	if last, ok := r.lastReply[op.ClientID]; ok && last.Timestamp == op.Timestamp {
		r.transport.Reply(r.id, op.ClientID, last)
		return
	}
	if !r.addOperation(op) {
		return
	}
	if sender == op.ClientID {
		r.broadcast(Request{Operation: op})
	}
}

// addOperation puts a new operation into the mempool. Executed and known
// operations are ignored.
func (r *Replica) addOperation(op byzzbench.ClientRequest) bool {
	key := keyOf(&op)
	if r.pending[key] || op.Timestamp <= r.lastTimestamp[op.ClientID] {
		return false
	}
	r.mempool = append(r.mempool, op)
	r.pending[key] = true

	if !r.pacemaker.Armed() {
		r.armPacemaker()
	}
	r.tryPropose()
	return true
}

// tryPropose proposes in the current view when this replica leads it, has
// collected the right to propose (a QC for the previous view or n-f
// NewViews) and has something to propose.
func (r *Replica) tryPropose() {
	v := r.view
	if r.Leader(v) != r.id || !r.pacemaker.CanPropose(v) {
		return
	}

	justify := r.chain.HighQC()
	parent := r.chain.Get(justify.Block)
	if parent == nil {
		return
	}

	op := r.nextOperation(parent)
	if op == nil && !r.carriesOperation(parent) {
		return
	}

	b := NewBlock(parent, v, r.id, op, justify)
	r.pacemaker.Proposed(v)

	r.logger.Info("proposing",
		zap.Uint64("view", v),
		zap.Uint64("height", b.Height),
		zap.Stringer("block", b.Hash),
		zap.Bool("empty", op == nil))

	r.broadcast(Proposal{Block: b})
	r.recvProposal(r.id, b)
}

// nextOperation returns the oldest mempool operation not already carried by
// an uncommitted ancestor of parent.
func (r *Replica) nextOperation(parent *Block) *byzzbench.ClientRequest {
	inChain := make(map[OpKey]bool)
	committed := r.chain.Committed().Height
	for b := parent; b != nil && b.Height > committed; b = r.chain.Get(b.Parent) {
		if b.Operation != nil {
			inChain[keyOf(b.Operation)] = true
		}
	}
	for i := range r.mempool {
		if !inChain[keyOf(&r.mempool[i])] {
			op := r.mempool[i]
			return &op
		}
	}
	return nil
}

// carriesOperation reports whether b or one of its two ancestors carries an
// operation. Such a chain needs further blocks for the operation to reach
// a 3-chain at every replica.
func (r *Replica) carriesOperation(b *Block) bool {
	for i := 0; i < 3 && b != nil && b.Height > 0; i++ {
		if b.Operation != nil {
			return true
		}
		b = r.chain.Get(b.Parent)
	}
	return false
}

// hasWork reports whether the replica expects progress: operations are
// waiting, or an uncommitted certified block carries one.
func (r *Replica) hasWork() bool {
	if len(r.mempool) > 0 {
		return true
	}
	committed := r.chain.Committed().Height
	for b := r.chain.Get(r.chain.HighQC().Block); b != nil && b.Height > committed; b = r.chain.Get(b.Parent) {
		if b.Operation != nil {
			return true
		}
	}
	return false
}

func (r *Replica) recvProposal(sender byzzbench.NodeID, b Block) {
	switch {
	case sender != r.Leader(b.View):
		r.dropped("proposal from non-leader", sender, b.View)
		return
	case b.ComputeHash() != b.Hash:
		r.dropped("block hash mismatch", sender, b.View)
		return
	case b.Justify.Block != b.Parent:
		r.dropped("justify does not certify parent", sender, b.View)
		return
	case !b.Justify.IsGenesis() && len(b.Justify.Signers) < r.quorum:
		r.dropped("justify below quorum", sender, b.View)
		return
	case b.View <= b.Justify.View:
		r.dropped("view not above justify", sender, b.View)
		return
	case b.View < r.view:
		r.dropped("stale proposal", sender, b.View)
		return
	}

	parent := r.chain.Get(b.Parent)
	if parent == nil {
		r.dropped("unknown parent", sender, b.View)
		return
	}
	if b.Height != parent.Height+1 {
		r.dropped("height does not extend parent", sender, b.View)
		return
	}
	if b.Justify.Height != parent.Height {
		r.dropped("justify height does not match parent", sender, b.View)
		return
	}

	stored := r.chain.Add(b)
	r.processQC(b.Justify)
	if b.View > r.view {
		r.enterView(b.View)
	}

	if !r.chain.SafeToVote(stored, r.lastVoted) {
		r.dropped("unsafe block", sender, b.View)
		return
	}
	r.lastVoted = b.View
	r.disgruntled = false

	vote := Vote{View: b.View, Height: b.Height, Block: b.Hash, ReplicaID: r.id}
	sig, err := r.signer.Sign(vote.SigningBytes())
	if err != nil {
		r.logger.Error("failed to sign vote", zap.Error(err))
		return
	}
	vote.Signature = sig

	r.logger.Debug("voting",
		zap.Uint64("view", b.View),
		zap.Uint64("height", b.Height),
		zap.Stringer("block", b.Hash))

	if next := r.Leader(b.View + 1); next != r.id {
		r.transport.Send(r.id, next, vote)
	} else {
		r.recvVote(r.id, vote)
	}
	r.armPacemaker()
}

func (r *Replica) recvVote(sender byzzbench.NodeID, v Vote) {
	if v.ReplicaID != sender {
		r.dropped("vote signer is not the sender", sender, v.View)
		return
	}
	if r.Leader(v.View+1) != r.id {
		r.dropped("vote for another leader", sender, v.View)
		return
	}
	if b := r.chain.Get(v.Block); b != nil && b.Height != v.Height {
		r.dropped("vote height does not match block", sender, v.View)
		return
	}

	qc, ok := r.votes.Add(v)
	if !ok {
		return
	}

	r.logger.Debug("formed QC",
		zap.Uint64("view", qc.View),
		zap.Uint64("height", qc.Height),
		zap.Stringer("block", qc.Block))

	r.processQC(*qc)
	next := qc.View + 1
	if next > r.view {
		r.enterView(next)
		r.disgruntled = false
	}
	if next == r.view {
		r.pacemaker.Allow(next)
		r.tryPropose()
	}
}

func (r *Replica) recvNewView(sender byzzbench.NodeID, nv NewView) {
	switch {
	case nv.ReplicaID != sender:
		r.dropped("new-view signer is not the sender", sender, nv.View)
		return
	case r.Leader(nv.View) != r.id:
		r.dropped("new-view for another leader", sender, nv.View)
		return
	case nv.View < r.view:
		r.dropped("stale new-view", sender, nv.View)
		return
	case !nv.HighQC.IsGenesis() && len(nv.HighQC.Signers) < r.quorum:
		r.dropped("new-view QC below quorum", sender, nv.View)
		return
	}
	// A QC for an unknown block is ignored by the chain; one contradicting
	// a known block's height is Byzantine.
	if b := r.chain.Get(nv.HighQC.Block); b != nil && b.Height != nv.HighQC.Height {
		r.dropped("new-view QC height does not match block", sender, nv.View)
		return
	}

	r.processQC(nv.HighQC)
	if !r.pacemaker.AddNewView(nv.View, sender) {
		return
	}

	r.logger.Info("collected new-views", zap.Uint64("view", nv.View))
	if nv.View > r.view {
		r.enterView(nv.View)
	}
	r.tryPropose()
}

// processQC applies a QC to the chain and commits what it finalizes.
func (r *Replica) processQC(qc QC) {
	blocks, err := r.chain.Update(qc)
	if err != nil {
		r.logger.Error("cannot commit", zap.Error(err))
		return
	}
	for _, b := range blocks {
		r.commit(b)
	}
	if len(blocks) > 0 && !r.hasWork() {
		r.pacemaker.Stop()
	}
}

func (r *Replica) commit(b *Block) {
	value := EncodeOperation(b.Operation)
	if err := r.commitLog.Add(b.Height, value); err != nil {
		r.logger.Error("commit log rejected block", zap.Uint64("height", b.Height), zap.Error(err))
		return
	}
	r.pacemaker.OnProgress()

	r.logger.Info("committed",
		zap.Uint64("height", b.Height),
		zap.Uint64("view", b.View),
		zap.Stringer("block", b.Hash))

	op := b.Operation
	if op == nil {
		return
	}
	key := keyOf(op)
	if r.pending[key] {
		delete(r.pending, key)
		for i := range r.mempool {
			if keyOf(&r.mempool[i]) == key {
				r.mempool = append(r.mempool[:i], r.mempool[i+1:]...)
				break
			}
		}
	}
	if op.Timestamp <= r.lastTimestamp[op.ClientID] {
		return
	}
	r.lastTimestamp[op.ClientID] = op.Timestamp

	reply := byzzbench.Reply{
		ReplicaID: r.id,
		ClientID:  op.ClientID,
		Timestamp: op.Timestamp,
		View:      b.View,
		Result:    op.Operation,
	}
	r.lastReply[op.ClientID] = reply
	r.transport.Reply(r.id, op.ClientID, reply)
}

// enterView moves to view v and restarts the view timer.
func (r *Replica) enterView(v uint64) {
	r.logger.Info("entering view",
		zap.Uint64("from", r.view),
		zap.Uint64("view", v),
		zap.String("leader", string(r.Leader(v))))
	r.view = v
	if v > 1 {
		r.votes.Prune(v - 1)
	}
	r.pacemaker.Prune(v)
	r.armPacemaker()
}

// armPacemaker restarts the view timer while there is work to do.
func (r *Replica) armPacemaker() {
	if !r.hasWork() {
		r.pacemaker.Stop()
		return
	}
	view := r.view
	r.pacemaker.Start(view, func() { r.onViewTimeout(view) })
}

// onViewTimeout abandons the view: the replica moves to the next one and
// hands its highQC to that view's leader.
func (r *Replica) onViewTimeout(view uint64) {
	if view != r.view {
		return
	}
	r.pacemaker.OnTimeout()
	r.logger.Info("view timed out",
		zap.Uint64("view", view),
		zap.Uint64("next_timeout", r.pacemaker.Current()))

	r.enterView(view + 1)
	r.disgruntled = true
	r.sendNewView(view + 1)
}

func (r *Replica) sendNewView(v uint64) {
	nv := NewView{View: v, HighQC: r.chain.HighQC(), ReplicaID: r.id}
	if leader := r.Leader(v); leader != r.id {
		r.transport.Send(r.id, leader, nv)
		return
	}
	r.recvNewView(r.id, nv)
}

func (r *Replica) broadcast(p byzzbench.Payload) {
	others := make([]byzzbench.NodeID, 0, len(r.replicas)-1)
	for _, id := range r.replicas {
		if id != r.id {
			others = append(others, id)
		}
	}
	r.transport.Multicast(r.id, others, p)
}

func (r *Replica) dropped(reason string, sender byzzbench.NodeID, view uint64) {
	r.logger.Debug(fmt.Sprintf("dropped: %s", reason),
		zap.String("from", string(sender)),
		zap.Uint64("view", view),
		zap.Uint64("current_view", r.view))
}
