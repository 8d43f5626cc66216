package codec

import (
	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/pbft"
)

func init() {
	register(pbft.TypeRequest,
		func(e *encoder, p byzzbench.Payload) { encodeRequest(e, p.(pbft.Request)) },
		func(fs []field) (byzzbench.Payload, error) { return decodeRequest(fs), nil })

	register(pbft.TypePrePrepare,
		func(e *encoder, p byzzbench.Payload) { encodePrePrepare(e, p.(pbft.PrePrepare)) },
		func(fs []field) (byzzbench.Payload, error) { return decodePrePrepare(fs) })

	register(pbft.TypePrepare,
		func(e *encoder, p byzzbench.Payload) {
			m := p.(pbft.Prepare)
			encodePhase(e, m.View, m.Seq, m.Digest, m.ReplicaID)
		},
		func(fs []field) (byzzbench.Payload, error) {
			var m pbft.Prepare
			m.View, m.Seq, m.Digest, m.ReplicaID = decodePhase(fs)
			return m, nil
		})

	register(pbft.TypeCommit,
		func(e *encoder, p byzzbench.Payload) {
			m := p.(pbft.Commit)
			encodePhase(e, m.View, m.Seq, m.Digest, m.ReplicaID)
		},
		func(fs []field) (byzzbench.Payload, error) {
			var m pbft.Commit
			m.View, m.Seq, m.Digest, m.ReplicaID = decodePhase(fs)
			return m, nil
		})

	register(pbft.TypeCheckpoint,
		func(e *encoder, p byzzbench.Payload) { encodeCheckpoint(e, p.(pbft.Checkpoint)) },
		func(fs []field) (byzzbench.Payload, error) { return decodeCheckpoint(fs), nil })

	register(pbft.TypeViewChange,
		func(e *encoder, p byzzbench.Payload) { encodeViewChange(e, p.(pbft.ViewChange)) },
		func(fs []field) (byzzbench.Payload, error) { return decodeViewChange(fs) })

	register(pbft.TypeNewView,
		func(e *encoder, p byzzbench.Payload) {
			m := p.(pbft.NewView)
			e.putUint(1, m.NewView)
			for _, vc := range m.ViewChanges {
				e.putMessage(2, func(e *encoder) { encodeViewChange(e, vc) })
			}
			for _, pp := range m.PrePrepares {
				e.putMessage(3, func(e *encoder) { encodePrePrepare(e, pp) })
			}
		},
		func(fs []field) (byzzbench.Payload, error) {
			var m pbft.NewView
			for _, f := range fs {
				switch f.num {
				case 1:
					m.NewView = f.u
				case 2:
					sub, err := f.sub()
					if err != nil {
						return nil, err
					}
					vc, err := decodeViewChange(sub)
					if err != nil {
						return nil, err
					}
					m.ViewChanges = append(m.ViewChanges, vc)
				case 3:
					sub, err := f.sub()
					if err != nil {
						return nil, err
					}
					pp, err := decodePrePrepare(sub)
					if err != nil {
						return nil, err
					}
					m.PrePrepares = append(m.PrePrepares, pp)
				}
			}
			return m, nil
		})
}

func encodeRequest(e *encoder, r pbft.Request) {
	e.putString(1, string(r.ClientID))
	e.putUint(2, r.Timestamp)
	e.putBytes(3, r.Operation)
}

func decodeRequest(fs []field) pbft.Request {
	c := decodeClientRequest(fs)
	return pbft.Request{ClientID: c.ClientID, Timestamp: c.Timestamp, Operation: c.Operation}
}

func encodePrePrepare(e *encoder, m pbft.PrePrepare) {
	e.putUint(1, m.View)
	e.putUint(2, m.Seq)
	e.putBytes(3, m.Digest)
	if m.Request != nil {
		e.putMessage(4, func(e *encoder) { encodeRequest(e, *m.Request) })
	}
}

func decodePrePrepare(fs []field) (pbft.PrePrepare, error) {
	var m pbft.PrePrepare
	for _, f := range fs {
		switch f.num {
		case 1:
			m.View = f.u
		case 2:
			m.Seq = f.u
		case 3:
			m.Digest = f.copyBytes()
		case 4:
			sub, err := f.sub()
			if err != nil {
				return m, err
			}
			r := decodeRequest(sub)
			m.Request = &r
		}
	}
	return m, nil
}

func encodePhase(e *encoder, view, seq uint64, digest []byte, id byzzbench.NodeID) {
	e.putUint(1, view)
	e.putUint(2, seq)
	e.putBytes(3, digest)
	e.putString(4, string(id))
}

func decodePhase(fs []field) (view, seq uint64, digest []byte, id byzzbench.NodeID) {
	for _, f := range fs {
		switch f.num {
		case 1:
			view = f.u
		case 2:
			seq = f.u
		case 3:
			digest = f.copyBytes()
		case 4:
			id = byzzbench.NodeID(f.raw)
		}
	}
	return view, seq, digest, id
}

func encodeCheckpoint(e *encoder, m pbft.Checkpoint) {
	e.putUint(1, m.Seq)
	e.putBytes(2, m.Digest)
	e.putString(3, string(m.ReplicaID))
}

func decodeCheckpoint(fs []field) pbft.Checkpoint {
	var m pbft.Checkpoint
	for _, f := range fs {
		switch f.num {
		case 1:
			m.Seq = f.u
		case 2:
			m.Digest = f.copyBytes()
		case 3:
			m.ReplicaID = byzzbench.NodeID(f.raw)
		}
	}
	return m
}

func encodeViewChange(e *encoder, m pbft.ViewChange) {
	e.putUint(1, m.NewView)
	e.putUint(2, m.LastSeq)
	for _, cp := range m.Checkpoints {
		e.putMessage(3, func(e *encoder) { encodeCheckpoint(e, cp) })
	}
	for _, proof := range m.Prepared {
		e.putMessage(4, func(e *encoder) {
			e.putMessage(1, func(e *encoder) { encodePrePrepare(e, proof.PrePrepare) })
			for _, p := range proof.Prepares {
				e.putMessage(2, func(e *encoder) { encodePhase(e, p.View, p.Seq, p.Digest, p.ReplicaID) })
			}
		})
	}
	e.putString(5, string(m.ReplicaID))
}

func decodeViewChange(fs []field) (pbft.ViewChange, error) {
	var m pbft.ViewChange
	for _, f := range fs {
		switch f.num {
		case 1:
			m.NewView = f.u
		case 2:
			m.LastSeq = f.u
		case 3:
			sub, err := f.sub()
			if err != nil {
				return m, err
			}
			m.Checkpoints = append(m.Checkpoints, decodeCheckpoint(sub))
		case 4:
			proof, err := decodePreparedProof(f)
			if err != nil {
				return m, err
			}
			m.Prepared = append(m.Prepared, proof)
		case 5:
			m.ReplicaID = byzzbench.NodeID(f.raw)
		}
	}
	return m, nil
}

func decodePreparedProof(f field) (pbft.PreparedProof, error) {
	var proof pbft.PreparedProof
	fs, err := f.sub()
	if err != nil {
		return proof, err
	}
	for _, f := range fs {
		sub, err := f.sub()
		if err != nil {
			return proof, err
		}
		switch f.num {
		case 1:
			if proof.PrePrepare, err = decodePrePrepare(sub); err != nil {
				return proof, err
			}
		case 2:
			var p pbft.Prepare
			p.View, p.Seq, p.Digest, p.ReplicaID = decodePhase(sub)
			proof.Prepares = append(proof.Prepares, p)
		}
	}
	return proof, nil
}
