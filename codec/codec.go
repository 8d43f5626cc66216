// Package codec encodes every payload variant in protobuf wire format.
//
// An encoded payload is an envelope holding the payload's type name
// (field 1) and its body (field 2). Bodies are plain protowire messages
// with one field number per struct field; absent byte fields decode to nil.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/byzzbench"
)

type encodeFunc func(e *encoder, p byzzbench.Payload)

type decodeFunc func(fs []field) (byzzbench.Payload, error)

var registry = map[string]struct {
	encode encodeFunc
	decode decodeFunc
}{}

func register(typ string, enc encodeFunc, dec decodeFunc) {
	registry[typ] = struct {
		encode encodeFunc
		decode decodeFunc
	}{enc, dec}
}

// Kinds returns the registered payload type names.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// Marshal encodes a payload.
func Marshal(p byzzbench.Payload) ([]byte, error) {
	if p == nil {
		return nil, byzzbench.WrapInvalidMessagef("codec: nil payload")
	}
	c, ok := registry[p.Type()]
	if !ok {
		return nil, byzzbench.WrapInvalidMessagef("codec: unknown payload type %s", p.Type())
	}

	var body encoder
	c.encode(&body, p)

	var env encoder
	env.putString(1, p.Type())
	env.putBytes(2, body.b)
	return env.b, nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(b []byte) (byzzbench.Payload, error) {
	fs, err := parse(b)
	if err != nil {
		return nil, err
	}
	var (
		kind string
		body []byte
	)
	for _, f := range fs {
		switch f.num {
		case 1:
			kind = string(f.raw)
		case 2:
			body = f.raw
		}
	}
	c, ok := registry[kind]
	if !ok {
		return nil, byzzbench.WrapInvalidMessagef("codec: unknown payload type %q", kind)
	}
	bodyFields, err := parse(body)
	if err != nil {
		return nil, fmt.Errorf("codec: %s: %w", kind, err)
	}
	return c.decode(bodyFields)
}

type encoder struct {
	b []byte
}

func (e *encoder) putUint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) putBytes(num protowire.Number, v []byte) {
	if v == nil {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) putString(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) putMessage(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

type field struct {
	num protowire.Number
	u   uint64
	raw []byte
}

func (f field) copyBytes() []byte {
	return append([]byte{}, f.raw...)
}

func (f field) sub() ([]field, error) {
	return parse(f.raw)
}

// parse splits a message into its fields. Unknown wire types are skipped.
func parse(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, byzzbench.WrapInvalidMessagef("codec: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, byzzbench.WrapInvalidMessagef("codec: field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType || typ == protowire.BytesType {
			out = append(out, f)
		}
	}
	return out, nil
}
