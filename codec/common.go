package codec

import "github.com/edgedlt/byzzbench"

func init() {
	register("ClientRequest",
		func(e *encoder, p byzzbench.Payload) {
			encodeClientRequest(e, p.(byzzbench.ClientRequest))
		},
		func(fs []field) (byzzbench.Payload, error) {
			return decodeClientRequest(fs), nil
		})

	register("Reply",
		func(e *encoder, p byzzbench.Payload) {
			r := p.(byzzbench.Reply)
			e.putString(1, string(r.ReplicaID))
			e.putString(2, string(r.ClientID))
			e.putUint(3, r.Timestamp)
			e.putUint(4, r.View)
			e.putBytes(5, r.Result)
		},
		func(fs []field) (byzzbench.Payload, error) {
			var r byzzbench.Reply
			for _, f := range fs {
				switch f.num {
				case 1:
					r.ReplicaID = byzzbench.NodeID(f.raw)
				case 2:
					r.ClientID = byzzbench.NodeID(f.raw)
				case 3:
					r.Timestamp = f.u
				case 4:
					r.View = f.u
				case 5:
					r.Result = f.copyBytes()
				}
			}
			return r, nil
		})
}

func encodeClientRequest(e *encoder, r byzzbench.ClientRequest) {
	e.putString(1, string(r.ClientID))
	e.putUint(2, r.Timestamp)
	e.putBytes(3, r.Operation)
}

func decodeClientRequest(fs []field) byzzbench.ClientRequest {
	var r byzzbench.ClientRequest
	for _, f := range fs {
		switch f.num {
		case 1:
			r.ClientID = byzzbench.NodeID(f.raw)
		case 2:
			r.Timestamp = f.u
		case 3:
			r.Operation = f.copyBytes()
		}
	}
	return r
}
