package store

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/scheduler"
	"github.com/edgedlt/byzzbench/transport"
)

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk calls fn for every field of b. Varint and fixed64 values arrive in
// u; length-delimited values in raw.
func walk(b []byte, fn func(num protowire.Number, u uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return byzzbench.WrapInternalf("store: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var (
			u   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return byzzbench.WrapInternalf("store: field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		fn(num, u, raw)
	}
	return nil
}

func encodeMeta(run *Run) []byte {
	c := run.Config
	var b []byte
	b = appendString(b, 1, string(c.Protocol))
	b = appendUint(b, 2, uint64(c.Replicas))
	b = appendUint(b, 3, uint64(c.Faults))
	b = appendUint(b, 4, uint64(c.Clients))
	b = appendUint(b, 5, uint64(c.Requests))
	b = appendUint(b, 6, c.RequestTimeout)
	b = appendUint(b, 7, c.CheckpointInterval)
	b = appendUint(b, 8, c.WatermarkInterval)
	b = appendUint(b, 9, uint64(c.BufferThreshold))
	b = appendUint(b, 10, uint64(c.BufferCapacity))
	b = appendUint(b, 11, c.ViewTimeout)
	b = appendUint(b, 12, c.MaxViewTimeout)
	b = appendFloat(b, 13, c.BackoffFactor)
	b = appendString(b, 14, c.SignatureScheme)
	b = appendString(b, 15, c.Scheduler)
	b = appendFloat(b, 16, c.DropProbability)
	b = appendFloat(b, 17, c.MutateProbability)
	b = appendUint(b, 18, uint64(c.MaxDrops))
	b = appendUint(b, 19, uint64(c.MaxMutations))
	b = appendString(b, 20, string(c.Behavior))
	b = appendUint(b, 21, uint64(c.FaultyReplicas))
	b = appendInt(b, 22, c.Seed)
	b = appendUint(b, 23, uint64(c.MaxEvents))
	b = appendUint(b, 24, uint64(c.GSTAfter))
	b = appendUint(b, 25, uint64(c.GSTGracePeriod))

	b = appendString(b, 30, run.Scheduler)
	b = appendUint(b, 31, uint64(run.Steps))
	b = appendUint(b, 32, uint64(run.Completed))
	b = appendUint(b, 33, uint64(run.Expected))
	b = appendInt(b, 34, run.CreatedAt.UnixNano())
	for _, v := range run.Violations {
		b = appendString(b, 35, v)
	}
	return b
}

func decodeMeta(b []byte) (*Run, error) {
	run := &Run{}
	c := &run.Config
	err := walk(b, func(num protowire.Number, u uint64, raw []byte) {
		switch num {
		case 1:
			c.Protocol = byzzbench.Protocol(raw)
		case 2:
			c.Replicas = int(u)
		case 3:
			c.Faults = int(u)
		case 4:
			c.Clients = int(u)
		case 5:
			c.Requests = int(u)
		case 6:
			c.RequestTimeout = u
		case 7:
			c.CheckpointInterval = u
		case 8:
			c.WatermarkInterval = u
		case 9:
			c.BufferThreshold = int(u)
		case 10:
			c.BufferCapacity = int(u)
		case 11:
			c.ViewTimeout = u
		case 12:
			c.MaxViewTimeout = u
		case 13:
			c.BackoffFactor = math.Float64frombits(u)
		case 14:
			c.SignatureScheme = string(raw)
		case 15:
			c.Scheduler = string(raw)
		case 16:
			c.DropProbability = math.Float64frombits(u)
		case 17:
			c.MutateProbability = math.Float64frombits(u)
		case 18:
			c.MaxDrops = int(u)
		case 19:
			c.MaxMutations = int(u)
		case 20:
			c.Behavior = byzzbench.Behavior(raw)
		case 21:
			c.FaultyReplicas = int(u)
		case 22:
			c.Seed = protowire.DecodeZigZag(u)
		case 23:
			c.MaxEvents = int(u)
		case 24:
			c.GSTAfter = int(u)
		case 25:
			c.GSTGracePeriod = int(u)
		case 30:
			run.Scheduler = string(raw)
		case 31:
			run.Steps = int(u)
		case 32:
			run.Completed = int(u)
		case 33:
			run.Expected = int(u)
		case 34:
			run.CreatedAt = time.Unix(0, protowire.DecodeZigZag(u)).UTC()
		case 35:
			run.Violations = append(run.Violations, string(raw))
		}
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func encodeRecord(r Record) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(r.Decision.Action))
	b = appendUint(b, 2, uint64(r.Decision.EventID))
	if r.Decision.MutatorID != "" {
		b = appendString(b, 3, r.Decision.MutatorID)
	}
	b = appendUint(b, 4, uint64(r.EventType))
	b = appendString(b, 5, string(r.Sender))
	b = appendString(b, 6, string(r.Recipient))
	if r.Payload != nil {
		b = appendBytes(b, 7, r.Payload)
	}
	return b
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	err := walk(b, func(num protowire.Number, u uint64, raw []byte) {
		switch num {
		case 1:
			r.Decision.Action = scheduler.Action(u)
		case 2:
			r.Decision.EventID = byzzbench.EventID(u)
		case 3:
			r.Decision.MutatorID = string(raw)
		case 4:
			r.EventType = transport.EventType(u)
		case 5:
			r.Sender = byzzbench.NodeID(raw)
		case 6:
			r.Recipient = byzzbench.NodeID(raw)
		case 7:
			r.Payload = append([]byte{}, raw...)
		}
	})
	return r, err
}

func encodeEntry(e commitlog.Entry) []byte {
	var b []byte
	b = appendUint(b, 1, e.Seq)
	if e.Value != nil {
		b = appendBytes(b, 2, e.Value)
	}
	return b
}

func decodeEntry(b []byte) (commitlog.Entry, error) {
	var e commitlog.Entry
	err := walk(b, func(num protowire.Number, u uint64, raw []byte) {
		switch num {
		case 1:
			e.Seq = u
		case 2:
			e.Value = append([]byte{}, raw...)
		}
	})
	return e, err
}
