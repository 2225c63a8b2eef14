package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// ContentType tags the body encoding of a frame. Tags are stable wire values.
type ContentType uint8

const (
	ContentTypeBinary  ContentType = 1
	ContentTypeMsgpack ContentType = 2
	ContentTypeCBOR    ContentType = 3
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeBinary:
		return "binary"
	case ContentTypeMsgpack:
		return "msgpack"
	case ContentTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown-%d", uint8(c))
	}
}

// ParseContentType maps a configured codec name to its tag. Empty selects binary.
func ParseContentType(name string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "binary", "tlv":
		return ContentTypeBinary, nil
	case "msgpack":
		return ContentTypeMsgpack, nil
	case "cbor":
		return ContentTypeCBOR, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Codec converts envelopes to and from one body encoding.
type Codec interface {
	ContentType() ContentType
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

// CodecFor returns the codec registered for ct.
func CodecFor(ct ContentType) (Codec, error) {
	switch ct {
	case ContentTypeBinary:
		return BinaryCodec{}, nil
	case ContentTypeMsgpack:
		return MsgpackCodec{}, nil
	case ContentTypeCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, ct)
	}
}

// BinaryCodec is the canonical TLV encoding.
type BinaryCodec struct{}

func (BinaryCodec) ContentType() ContentType                 { return ContentTypeBinary }
func (BinaryCodec) Marshal(env *Envelope) ([]byte, error)    { return env.Serialize() }
func (BinaryCodec) Unmarshal(data []byte) (*Envelope, error) { return Deserialize(data) }

// wireEnvelope is the document shape shared by the msgpack and cbor codecs.
type wireEnvelope struct {
	Version      string            `msgpack:"version" cbor:"version"`
	From         string            `msgpack:"from" cbor:"from"`
	To           string            `msgpack:"to" cbor:"to"`
	Operation    uint16            `msgpack:"op" cbor:"op"`
	MessageID    string            `msgpack:"msg_id" cbor:"msg_id"`
	TimestampNS  *int64            `msgpack:"ts,omitempty" cbor:"ts,omitempty"`
	Capabilities map[string]string `msgpack:"capabilities,omitempty" cbor:"capabilities,omitempty"`
	HasPayload   bool              `msgpack:"has_payload" cbor:"has_payload"`
	Payload      []byte            `msgpack:"payload,omitempty" cbor:"payload,omitempty"`
}

func toWire(env *Envelope) wireEnvelope {
	w := wireEnvelope{
		Version:      env.version,
		From:         env.from,
		To:           env.to,
		Operation:    uint16(env.op),
		MessageID:    env.messageID,
		Capabilities: env.capabilities,
		HasPayload:   env.hasPayload,
		Payload:      env.payload,
	}
	if !env.timestamp.IsZero() {
		ns := env.timestamp.UnixNano()
		w.TimestampNS = &ns
	}
	return w
}

func fromWire(w wireEnvelope) (*Envelope, error) {
	op := Operation(w.Operation)
	if !op.Valid() {
		return nil, decodeErr("invalid operation tag "+op.String(), ErrInvalidOperation)
	}
	b := NewBuilder().
		Version(w.Version).
		From(w.From).
		To(w.To).
		Operation(op).
		MessageID(w.MessageID).
		Capabilities(w.Capabilities)
	if w.TimestampNS != nil {
		b.Timestamp(time.Unix(0, *w.TimestampNS).UTC())
	}
	if w.HasPayload {
		b.Payload(w.Payload)
	}
	env, err := b.Build()
	if err != nil {
		return nil, decodeErr("invalid envelope", err)
	}
	return env, nil
}

// MsgpackCodec encodes envelopes as msgpack maps.
type MsgpackCodec struct{}

func (MsgpackCodec) ContentType() ContentType { return ContentTypeMsgpack }

func (MsgpackCodec) Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, &ValidationError{Field: "envelope", Reason: "nil envelope"}
	}
	return msgpack.Marshal(toWire(env))
}

func (MsgpackCodec) Unmarshal(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, decodeErr("empty input", ErrTruncated)
	}
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, decodeErr("msgpack", err)
	}
	return fromWire(w)
}

// CBORCodec encodes envelopes as CBOR maps.
type CBORCodec struct{}

func (CBORCodec) ContentType() ContentType { return ContentTypeCBOR }

func (CBORCodec) Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, &ValidationError{Field: "envelope", Reason: "nil envelope"}
	}
	return cbor.Marshal(toWire(env))
}

func (CBORCodec) Unmarshal(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, decodeErr("empty input", ErrTruncated)
	}
	var w wireEnvelope
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, decodeErr("cbor", err)
	}
	return fromWire(w)
}
