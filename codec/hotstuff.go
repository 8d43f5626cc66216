package codec

import (
	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/hotstuff"
)

func init() {
	register(hotstuff.TypeRequest,
		func(e *encoder, p byzzbench.Payload) {
			op := p.(hotstuff.Request).Operation
			e.putMessage(1, func(e *encoder) { encodeClientRequest(e, op) })
		},
		func(fs []field) (byzzbench.Payload, error) {
			var m hotstuff.Request
			for _, f := range fs {
				if f.num != 1 {
					continue
				}
				sub, err := f.sub()
				if err != nil {
					return nil, err
				}
				m.Operation = decodeClientRequest(sub)
			}
			return m, nil
		})

	register(hotstuff.TypeProposal,
		func(e *encoder, p byzzbench.Payload) {
			b := p.(hotstuff.Proposal).Block
			e.putMessage(1, func(e *encoder) { encodeBlock(e, b) })
		},
		func(fs []field) (byzzbench.Payload, error) {
			var m hotstuff.Proposal
			for _, f := range fs {
				if f.num != 1 {
					continue
				}
				sub, err := f.sub()
				if err != nil {
					return nil, err
				}
				if m.Block, err = decodeBlock(sub); err != nil {
					return nil, err
				}
			}
			return m, nil
		})

	register(hotstuff.TypeVote,
		func(e *encoder, p byzzbench.Payload) {
			v := p.(hotstuff.Vote)
			e.putUint(1, v.View)
			e.putUint(2, v.Height)
			e.putBytes(3, v.Block[:])
			e.putString(4, string(v.ReplicaID))
			e.putBytes(5, v.Signature)
		},
		func(fs []field) (byzzbench.Payload, error) {
			var v hotstuff.Vote
			for _, f := range fs {
				switch f.num {
				case 1:
					v.View = f.u
				case 2:
					v.Height = f.u
				case 3:
					copy(v.Block[:], f.raw)
				case 4:
					v.ReplicaID = byzzbench.NodeID(f.raw)
				case 5:
					v.Signature = f.copyBytes()
				}
			}
			return v, nil
		})

	register(hotstuff.TypeNewView,
		func(e *encoder, p byzzbench.Payload) {
			nv := p.(hotstuff.NewView)
			e.putUint(1, nv.View)
			e.putMessage(2, func(e *encoder) { encodeQC(e, nv.HighQC) })
			e.putString(3, string(nv.ReplicaID))
		},
		func(fs []field) (byzzbench.Payload, error) {
			var nv hotstuff.NewView
			for _, f := range fs {
				switch f.num {
				case 1:
					nv.View = f.u
				case 2:
					sub, err := f.sub()
					if err != nil {
						return nil, err
					}
					nv.HighQC = decodeQC(sub)
				case 3:
					nv.ReplicaID = byzzbench.NodeID(f.raw)
				}
			}
			return nv, nil
		})
}

func encodeQC(e *encoder, qc hotstuff.QC) {
	e.putUint(1, qc.View)
	e.putUint(2, qc.Height)
	e.putBytes(3, qc.Block[:])
	for _, s := range qc.Signers {
		e.putString(4, string(s))
	}
	e.putBytes(5, qc.Signature)
}

func decodeQC(fs []field) hotstuff.QC {
	var qc hotstuff.QC
	for _, f := range fs {
		switch f.num {
		case 1:
			qc.View = f.u
		case 2:
			qc.Height = f.u
		case 3:
			copy(qc.Block[:], f.raw)
		case 4:
			qc.Signers = append(qc.Signers, byzzbench.NodeID(f.raw))
		case 5:
			qc.Signature = f.copyBytes()
		}
	}
	return qc
}

func encodeBlock(e *encoder, b hotstuff.Block) {
	e.putBytes(1, b.Hash[:])
	e.putBytes(2, b.Parent[:])
	e.putUint(3, b.Height)
	e.putUint(4, b.View)
	e.putString(5, string(b.Proposer))
	if b.Operation != nil {
		op := *b.Operation
		e.putMessage(6, func(e *encoder) { encodeClientRequest(e, op) })
	}
	e.putMessage(7, func(e *encoder) { encodeQC(e, b.Justify) })
}

func decodeBlock(fs []field) (hotstuff.Block, error) {
	var b hotstuff.Block
	for _, f := range fs {
		switch f.num {
		case 1:
			copy(b.Hash[:], f.raw)
		case 2:
			copy(b.Parent[:], f.raw)
		case 3:
			b.Height = f.u
		case 4:
			b.View = f.u
		case 5:
			b.Proposer = byzzbench.NodeID(f.raw)
		case 6:
			sub, err := f.sub()
			if err != nil {
				return b, err
			}
			op := decodeClientRequest(sub)
			b.Operation = &op
		case 7:
			sub, err := f.sub()
			if err != nil {
				return b, err
			}
			b.Justify = decodeQC(sub)
		}
	}
	return b, nil
}
