package pbft

import (
	"bytes"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/timer"
)

// requestTimer is the view-change escalation state of one outstanding request.
type requestTimer struct {
	backoff *timer.LinearBackoff
	event   byzzbench.EventID
}

// Replica is a PBFT replica.
//
// All methods run on the scenario's event loop; nothing here is safe for
// concurrent use, and nothing needs to be.
type Replica struct {
	id        byzzbench.NodeID
	replicas  []byzzbench.NodeID
	transport byzzbench.Transport
	cfg       *byzzbench.Config
	f         int

	log       *MessageLog
	commitLog *commitlog.Log

	view        uint64
	seqCounter  uint64
	disgruntled bool

	timers   map[RequestKey]*requestTimer
	assigned map[RequestKey]bool

	// Execution happens strictly in sequence order. Tickets that committed
	// ahead of a gap wait in committed.
	lastExecuted  uint64
	committed     map[uint64]*Ticket
	stateDigest   []byte
	lastTimestamp map[byzzbench.NodeID]uint64
	lastReply     map[byzzbench.NodeID]byzzbench.Reply

	logger *zap.Logger
}

var _ byzzbench.Replica = (*Replica)(nil)

// New creates a PBFT replica. The replica set is sorted to fix the
// round-robin primary order; id must be a member of it.
func New(id byzzbench.NodeID, replicas []byzzbench.NodeID, transport byzzbench.Transport, cfg *byzzbench.Config) (*Replica, error) {
	if cfg == nil {
		return nil, byzzbench.WrapConfigf("config is required")
	}
	if transport == nil {
		return nil, byzzbench.WrapConfigf("transport is required")
	}

	sorted := append([]byzzbench.NodeID{}, replicas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	member := false
	for _, r := range sorted {
		if r == id {
			member = true
			break
		}
	}
	if !member {
		return nil, byzzbench.WrapConfigf("replica %s is not in the replica set", id)
	}

	f := cfg.F()
	if len(sorted) < 3*f+1 {
		return nil, byzzbench.WrapConfigf("%d replicas cannot tolerate f=%d", len(sorted), f)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Replica{
		id:        id,
		replicas:  sorted,
		transport: transport,
		cfg:       cfg,
		f:         f,
		log: NewMessageLog(LogConfig{
			BufferThreshold:    cfg.BufferThreshold,
			BufferCapacity:     cfg.BufferCapacity,
			CheckpointInterval: cfg.CheckpointInterval,
			WatermarkInterval:  cfg.WatermarkInterval,
		}),
		commitLog:     commitlog.New(),
		view:          1,
		seqCounter:    1,
		timers:        make(map[RequestKey]*requestTimer),
		assigned:      make(map[RequestKey]bool),
		committed:     make(map[uint64]*Ticket),
		lastTimestamp: make(map[byzzbench.NodeID]uint64),
		lastReply:     make(map[byzzbench.NodeID]byzzbench.Reply),
		logger:        logger.With(zap.String("replica", string(id))),
	}, nil
}

// ID returns the replica identifier.
func (r *Replica) ID() byzzbench.NodeID { return r.id }

// Initialize implements byzzbench.Node.
func (r *Replica) Initialize() error {
	r.logger.Debug("initialized",
		zap.Uint64("view", r.view),
		zap.String("primary", string(r.Primary(r.view))))
	return nil
}

// View returns the current view.
func (r *Replica) View() uint64 { return r.view }

// Disgruntled reports whether the replica is waiting for a view change.
func (r *Replica) Disgruntled() bool { return r.disgruntled }

// CommitLog returns the replica's commit log.
func (r *Replica) CommitLog() *commitlog.Log { return r.commitLog }

// Log returns the replica's message log.
func (r *Replica) Log() *MessageLog { return r.log }

// SeqCounter returns the next sequence number the replica would assign.
func (r *Replica) SeqCounter() uint64 { return r.seqCounter }

// LastExecuted returns the highest executed sequence number.
func (r *Replica) LastExecuted() uint64 { return r.lastExecuted }

// StateDigest returns the running digest of executed values.
func (r *Replica) StateDigest() []byte { return append([]byte{}, r.stateDigest...) }

// Primary returns the primary of a view.
func (r *Replica) Primary(view uint64) byzzbench.NodeID {
	return r.replicas[view%uint64(len(r.replicas))]
}

// IsPrimary reports whether this replica is the primary of the current view.
func (r *Replica) IsPrimary() bool {
	return r.Primary(r.view) == r.id
}

// HandleMessage dispatches a delivered payload. Protocol-invalid messages
// are dropped; only an unknown payload variant returns an error.
func (r *Replica) HandleMessage(sender byzzbench.NodeID, payload byzzbench.Payload) error {
	switch m := payload.(type) {
	case byzzbench.ClientRequest:
		r.recvRequest(Request{ClientID: m.ClientID, Timestamp: m.Timestamp, Operation: m.Operation}, false)
	case Request:
		r.recvRequest(m, false)
	case PrePrepare:
		r.recvPrePrepare(sender, m)
	case Prepare:
		r.recvPrepare(sender, m)
	case Commit:
		r.recvCommit(sender, m)
	case Checkpoint:
		r.recvCheckpoint(sender, m)
	case ViewChange:
		r.recvViewChange(sender, m)
	case NewView:
		r.recvNewView(sender, m)
	default:
		return byzzbench.UnknownPayload(r.id, payload)
	}
	return nil
}

func (r *Replica) recvRequest(req Request, fromBuffer bool) {
	if r.disgruntled {
		r.logger.Debug("dropping request while disgruntled",
			zap.String("client", string(req.ClientID)),
			zap.Uint64("timestamp", req.Timestamp))
		return
	}

	key := req.Key()
	if t := r.log.TicketFromCache(key); t != nil {
		r.sendReply(req.ClientID, req.Timestamp, t.Result)
		return
	}
	if last, ok := r.lastReply[req.ClientID]; ok && last.Timestamp == req.Timestamp {
		r.sendReply(req.ClientID, req.Timestamp, last.Result)
		return
	}
	if last, ok := r.lastTimestamp[req.ClientID]; ok && req.Timestamp <= last {
		return
	}

	r.armTimer(key)

	if !r.IsPrimary() {
		r.transport.Send(r.id, r.Primary(r.view), req)
		return
	}
	if r.assigned[key] {
		return
	}
	if (!fromBuffer && r.log.ShouldBuffer()) || !r.log.IsBetweenWaterMarks(r.seqCounter) {
		if !r.log.Buffer(req) {
			r.logger.Debug("request buffer full",
				zap.String("client", string(req.ClientID)),
				zap.Uint64("timestamp", req.Timestamp))
		}
		return
	}
	r.assign(req)
}

// assign orders a request at the next sequence number of the current view.
func (r *Replica) assign(req Request) {
	seq := r.seqCounter
	r.seqCounter++

	pp := PrePrepare{
		View:   r.view,
		Seq:    seq,
		Digest: DigestRequest(&req),
	}.WithRequest(&req)

	t := r.log.NewTicket(r.view, seq)
	t.Append(req)
	t.Append(pp)
	r.assigned[req.Key()] = true

	r.logger.Debug("assigned request",
		zap.Uint64("view", r.view),
		zap.Uint64("seq", seq),
		zap.String("client", string(req.ClientID)),
		zap.Uint64("timestamp", req.Timestamp))

	r.broadcast(pp)
}

// verifyPhaseMessage is the check shared by pre-prepares, prepares and commits.
func (r *Replica) verifyPhaseMessage(view, seq uint64) bool {
	if r.disgruntled || view != r.view {
		return false
	}
	if !r.log.IsBetweenWaterMarks(seq) {
		return false
	}
	return !r.log.IsCompleted(view, seq)
}

// validDigest reports whether a pre-prepare's digest matches its request.
func validDigest(pp PrePrepare) bool {
	if pp.Request == nil {
		return len(pp.Digest) == 0
	}
	return bytes.Equal(DigestRequest(pp.Request), pp.Digest)
}

func (r *Replica) recvPrePrepare(sender byzzbench.NodeID, pp PrePrepare) {
	if sender != r.Primary(pp.View) || sender == r.id {
		r.dropped("pre-prepare from non-primary", sender, pp.View, pp.Seq)
		return
	}
	if !r.verifyPhaseMessage(pp.View, pp.Seq) {
		r.dropped("pre-prepare failed verification", sender, pp.View, pp.Seq)
		return
	}
	if !validDigest(pp) {
		r.dropped("pre-prepare digest mismatch", sender, pp.View, pp.Seq)
		return
	}

	t := r.log.Ticket(pp.View, pp.Seq)
	if t != nil {
		if t.ConflictsWith(pp.Digest) {
			r.dropped("conflicting pre-prepare", sender, pp.View, pp.Seq)
			return
		}
		if _, ok := t.PrePrepare(); ok {
			t.Append(pp)
			r.tryAdvance(t)
			return
		}
	}

	t = r.log.NewTicket(pp.View, pp.Seq)
	t.Append(pp)
	if pp.Request != nil {
		r.assigned[pp.Request.Key()] = true
	}
	r.prepare(t, pp)
}

// prepare broadcasts and records this replica's prepare for a pre-prepare.
func (r *Replica) prepare(t *Ticket, pp PrePrepare) {
	p := Prepare{View: pp.View, Seq: pp.Seq, Digest: pp.Digest, ReplicaID: r.id}
	r.broadcast(p)
	t.Append(p)
	r.tryAdvance(t)
}

func (r *Replica) recvPrepare(sender byzzbench.NodeID, p Prepare) {
	if p.ReplicaID != sender || sender == r.Primary(p.View) {
		r.dropped("prepare from unexpected sender", sender, p.View, p.Seq)
		return
	}
	if !r.verifyPhaseMessage(p.View, p.Seq) {
		r.dropped("prepare failed verification", sender, p.View, p.Seq)
		return
	}
	t := r.log.NewTicket(p.View, p.Seq)
	t.Append(p)
	r.tryAdvance(t)
}

func (r *Replica) recvCommit(sender byzzbench.NodeID, c Commit) {
	if c.ReplicaID != sender {
		r.dropped("commit from unexpected sender", sender, c.View, c.Seq)
		return
	}
	if !r.verifyPhaseMessage(c.View, c.Seq) {
		r.dropped("commit failed verification", sender, c.View, c.Seq)
		return
	}
	t := r.log.NewTicket(c.View, c.Seq)
	t.Append(c)
	r.tryAdvance(t)
}

// tryAdvance moves a ticket through its phases. The commit check runs after
// the prepare check on every call so that commits which arrived before the
// ticket was prepared are not stranded.
func (r *Replica) tryAdvance(t *Ticket) {
	if t.Phase == PhasePrePrepare && t.IsPrepared(r.f) && t.CASPhase(PhasePrePrepare, PhasePrepare) {
		c := Commit{View: t.View, Seq: t.Seq, Digest: t.Digest(), ReplicaID: r.id}
		r.broadcast(c)
		t.Append(c)
	}

	if t.Phase == PhasePrepare && t.IsCommittedLocal(r.f) && t.CASPhase(PhasePrepare, PhaseCommit) {
		r.commit(t)
	}
}

func (r *Replica) commit(t *Ticket) {
	if t.Seq <= r.lastExecuted {
		r.log.CompleteTicket(nil, t.View, t.Seq)
		return
	}
	if _, ok := r.committed[t.Seq]; !ok {
		r.committed[t.Seq] = t
	}
	for {
		next, ok := r.committed[r.lastExecuted+1]
		if !ok {
			return
		}
		delete(r.committed, next.Seq)
		r.execute(next)
	}
}

// execute applies a committed ticket to the commit log, replies to the
// client and emits a checkpoint on interval boundaries. A request the
// client already had executed becomes a no-op entry.
func (r *Replica) execute(t *Ticket) {
	req := t.Request
	if req != nil {
		if last, ok := r.lastTimestamp[req.ClientID]; ok && req.Timestamp <= last {
			req = nil
		}
	}

	var value []byte
	if req != nil {
		value = EncodeRequest(req)
		t.Result = append([]byte{}, req.Operation...)
	}
	if err := r.commitLog.Add(t.Seq, value); err != nil {
		r.logger.Error("commit log rejected entry", zap.Uint64("seq", t.Seq), zap.Error(err))
		return
	}
	r.lastExecuted = t.Seq
	r.stateDigest = nextStateDigest(r.stateDigest, t.Seq, value)

	if req != nil {
		key := req.Key()
		r.lastTimestamp[req.ClientID] = req.Timestamp
		r.log.CompleteTicket(&key, t.View, t.Seq)
		r.sendReply(req.ClientID, req.Timestamp, t.Result)
		r.clearTimer(key)
	} else {
		r.log.CompleteTicket(nil, t.View, t.Seq)
	}

	r.logger.Info("executed",
		zap.Uint64("view", t.View),
		zap.Uint64("seq", t.Seq),
		zap.Bool("noop", req == nil))

	if r.cfg.CheckpointInterval > 0 && t.Seq%r.cfg.CheckpointInterval == 0 {
		cp := Checkpoint{Seq: t.Seq, Digest: r.StateDigest(), ReplicaID: r.id}
		r.broadcast(cp)
		r.appendCheckpoint(cp)
	}

	if next, ok := r.log.PopBuffer(); ok {
		r.recvRequest(next, true)
	}
}

func (r *Replica) sendReply(client byzzbench.NodeID, timestamp uint64, result []byte) {
	reply := byzzbench.Reply{
		ReplicaID: r.id,
		ClientID:  client,
		Timestamp: timestamp,
		View:      r.view,
		Result:    append([]byte{}, result...),
	}
	r.lastReply[client] = reply
	r.transport.Reply(r.id, client, reply)
}

func (r *Replica) recvCheckpoint(sender byzzbench.NodeID, cp Checkpoint) {
	if cp.ReplicaID != sender {
		r.dropped("checkpoint from unexpected sender", sender, 0, cp.Seq)
		return
	}
	r.appendCheckpoint(cp)
}

func (r *Replica) appendCheckpoint(cp Checkpoint) {
	if r.log.AppendCheckpoint(cp, r.f) {
		r.logger.Info("checkpoint stable",
			zap.Uint64("seq", cp.Seq),
			zap.Uint64("low", r.log.LowWatermark()),
			zap.Uint64("high", r.log.HighWatermark()))
	}
}

// armTimer starts the escalation timer of a request once.
func (r *Replica) armTimer(key RequestKey) {
	if _, ok := r.timers[key]; ok {
		return
	}
	rt := &requestTimer{
		backoff: timer.NewLinearBackoff(r.view, r.cfg.RequestTimeout, r.transport.Now()),
	}
	r.timers[key] = rt
	r.scheduleTimer(key, rt, r.cfg.RequestTimeout)
}

func (r *Replica) scheduleTimer(key RequestKey, rt *requestTimer, ticks uint64) {
	desc := fmt.Sprintf("request %s/%d", key.ClientID, key.Timestamp)
	rt.event = r.transport.SetTimeout(r.id, ticks, desc, func() { r.checkTimeout(key) })
}

func (r *Replica) clearTimer(key RequestKey) {
	rt, ok := r.timers[key]
	if !ok {
		return
	}
	r.transport.ClearTimeout(r.id, rt.event)
	delete(r.timers, key)
}

// checkTimeout runs when a request timer fires. While the backoff waits
// for votes it polls every initial timeout; otherwise it reschedules for
// the remaining time or, once expired, votes for the backoff's target view.
func (r *Replica) checkTimeout(key RequestKey) {
	rt, ok := r.timers[key]
	if !ok {
		return
	}
	rt.event = 0
	b := rt.backoff
	now := r.transport.Now()

	if b.WaitingForVotes() {
		r.scheduleTimer(key, rt, b.InitialTimeout())
		return
	}
	if remaining := b.Remaining(now); remaining > 0 {
		r.scheduleTimer(key, rt, uint64(remaining))
		return
	}

	target := b.NewViewNumber()
	r.disgruntled = true
	if !r.log.HasVoted(r.id, target) {
		vc, err := r.log.ProduceViewChange(target, r.id, r.f)
		if err != nil {
			r.logger.Error("failed to produce view change", zap.Uint64("view", target), zap.Error(err))
			return
		}
		r.logger.Info("request timed out, voting for view change",
			zap.String("client", string(key.ClientID)),
			zap.Uint64("timestamp", key.Timestamp),
			zap.Uint64("new_view", target))
		r.broadcast(vc)
	}
	b.Expire()
	r.scheduleTimer(key, rt, b.InitialTimeout())
	r.maybeProduceNewView(target)
}

func (r *Replica) recvViewChange(sender byzzbench.NodeID, vc ViewChange) {
	if vc.ReplicaID != sender {
		r.dropped("view change from unexpected sender", sender, vc.NewView, vc.LastSeq)
		return
	}
	if vc.NewView <= r.view {
		r.dropped("stale view change", sender, vc.NewView, vc.LastSeq)
		return
	}
	if !r.log.ValidViewChange(vc, r.f) {
		r.dropped("view change with invalid proofs", sender, vc.NewView, vc.LastSeq)
		return
	}

	res := r.log.AcceptViewChange(vc, r.id, r.view, r.f)

	if res.ShouldBandwagon {
		r.disgruntled = true
		own, err := r.log.ProduceViewChange(res.BandwagonView, r.id, r.f)
		if err != nil {
			r.logger.Error("failed to produce view change", zap.Uint64("view", res.BandwagonView), zap.Error(err))
			return
		}
		r.logger.Info("joining view change", zap.Uint64("new_view", res.BandwagonView))
		r.broadcast(own)
		if res.BandwagonView != vc.NewView {
			r.maybeProduceNewView(res.BandwagonView)
		}
	}

	// Our own bandwagon vote may complete the quorum, so recount.
	if res.BeginNextVote || r.log.ViewChangeVotes(vc.NewView) >= 2*r.f+1 {
		now := r.transport.Now()
		for _, rt := range r.timers {
			if rt.backoff.WaitingForVotes() && rt.backoff.NewViewNumber() == vc.NewView+1 {
				rt.backoff.BeginNextTimer(now)
			}
		}
	}

	r.maybeProduceNewView(vc.NewView)
}

// maybeProduceNewView lets the primary of view install it once enough votes arrived.
func (r *Replica) maybeProduceNewView(view uint64) {
	if view <= r.view || r.Primary(view) != r.id {
		return
	}
	nv, ok, err := r.log.ProduceNewView(view, r.id, r.f)
	if err != nil {
		r.logger.Error("failed to produce new view", zap.Uint64("view", view), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	r.logger.Info("installing new view",
		zap.Uint64("view", view),
		zap.Int("reproposals", len(nv.PrePrepares)))

	r.broadcast(nv)
	r.enterNewView(view)
	r.adoptReproposals(nv.PrePrepares)

	for _, pp := range nv.PrePrepares {
		if t := r.log.Ticket(pp.View, pp.Seq); t != nil {
			r.tryAdvance(t)
		}
	}
}

func (r *Replica) recvNewView(sender byzzbench.NodeID, nv NewView) {
	if nv.NewView <= r.view || sender != r.Primary(nv.NewView) {
		r.dropped("unexpected new view", sender, nv.NewView, 0)
		return
	}
	if !r.log.AcceptNewView(nv, r.f) {
		r.dropped("invalid new view", sender, nv.NewView, 0)
		return
	}

	r.logger.Info("entering new view",
		zap.Uint64("view", nv.NewView),
		zap.String("primary", string(sender)))

	r.enterNewView(nv.NewView)
	r.adoptReproposals(nv.PrePrepares)

	for _, pp := range nv.PrePrepares {
		if !validDigest(pp) {
			r.dropped("re-proposal digest mismatch", sender, pp.View, pp.Seq)
			continue
		}
		t := r.log.NewTicket(pp.View, pp.Seq)
		if !t.Append(pp) {
			continue
		}
		r.prepare(t, pp)
	}
}

// adoptReproposals marks re-proposed requests as assigned and moves the
// sequence counter past them, the low watermark and everything executed.
func (r *Replica) adoptReproposals(pps []PrePrepare) {
	next := r.log.LowWatermark() + 1
	if r.lastExecuted+1 > next {
		next = r.lastExecuted + 1
	}
	for _, pp := range pps {
		if pp.Request != nil {
			r.assigned[pp.Request.Key()] = true
		}
		if pp.Seq+1 > next {
			next = pp.Seq + 1
		}
	}
	if next > r.seqCounter {
		r.seqCounter = next
	}
}

// enterNewView clears the disgruntled flag and every pending request timer.
func (r *Replica) enterNewView(view uint64) {
	r.disgruntled = false
	r.view = view
	for key, rt := range r.timers {
		r.transport.ClearTimeout(r.id, rt.event)
		delete(r.timers, key)
	}
	r.assigned = make(map[RequestKey]bool)
}

// broadcast sends a payload to every other replica.
func (r *Replica) broadcast(p byzzbench.Payload) {
	recipients := make([]byzzbench.NodeID, 0, len(r.replicas)-1)
	for _, id := range r.replicas {
		if id != r.id {
			recipients = append(recipients, id)
		}
	}
	r.transport.Multicast(r.id, recipients, p)
}

func (r *Replica) dropped(reason string, sender byzzbench.NodeID, view, seq uint64) {
	r.logger.Debug("dropped message",
		zap.String("reason", reason),
		zap.String("sender", string(sender)),
		zap.Uint64("view", view),
		zap.Uint64("seq", seq))
}
