package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/umicp/internal/protocol/schema"
	"github.com/danmuck/umicp/internal/protocol/tlv"
	"github.com/danmuck/umicp/internal/testutil/testlog"
)

func sampleBuilder() *Builder {
	return NewBuilder().
		From("client-001").
		To("server-001").
		Operation(OpData).
		MessageID("msg-12345").
		Capability("content-type", "application/json").
		Capability("message", "Hello UMICP!")
}

func TestRoundTripSerializeDeserialize(t *testing.T) {
	testlog.Start(t)
	payloads := map[string][]byte{
		"absent":   nil,
		"empty":    {},
		"non-utf8": {0xff, 0xfe, 0x00, 0x80, 0xc3, 0x28},
		"text":     []byte("hello"),
	}
	for name, p := range payloads {
		b := sampleBuilder()
		if name != "absent" {
			b.Payload(p)
		}
		env := b.MustBuild()

		raw, err := env.Serialize()
		if err != nil {
			t.Fatalf("%s: serialize: %v", name, err)
		}
		got, err := Deserialize(raw)
		if err != nil {
			t.Fatalf("%s: deserialize: %v", name, err)
		}
		if !env.Equal(got) {
			t.Fatalf("%s: round-trip mismatch:\nwant %v\ngot  %v", name, env, got)
		}
		if got.HasPayload() != (name != "absent") {
			t.Fatalf("%s: payload presence lost", name)
		}
		if !bytes.Equal(got.Payload(), env.Payload()) {
			t.Fatalf("%s: payload bytes mismatch", name)
		}
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	testlog.Start(t)
	env := sampleBuilder().Payload([]byte{0, 1, 2, 0xff}).MustBuild()
	for _, ct := range []ContentType{ContentTypeBinary, ContentTypeMsgpack, ContentTypeCBOR} {
		codec, err := CodecFor(ct)
		if err != nil {
			t.Fatalf("codec %s: %v", ct, err)
		}
		raw, err := codec.Marshal(env)
		if err != nil {
			t.Fatalf("%s marshal: %v", ct, err)
		}
		got, err := codec.Unmarshal(raw)
		if err != nil {
			t.Fatalf("%s unmarshal: %v", ct, err)
		}
		if !env.Equal(got) {
			t.Fatalf("%s round-trip mismatch: %v vs %v", ct, env, got)
		}
	}
}

func TestBuildFailsIffRequiredFieldMissing(t *testing.T) {
	testlog.Start(t)
	names := []string{"from", "to", "operation", "message_id"}
	for mask := 0; mask < 16; mask++ {
		b := NewBuilder()
		if mask&1 != 0 {
			b.From("a")
		}
		if mask&2 != 0 {
			b.To("b")
		}
		if mask&4 != 0 {
			b.Operation(OpControl)
		}
		if mask&8 != 0 {
			b.MessageID("m")
		}
		_, err := b.Build()
		if mask == 15 {
			if err != nil {
				t.Fatalf("mask=%d: unexpected error %v", mask, err)
			}
			continue
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("mask=%d: expected ValidationError, got %v", mask, err)
		}
		// First missing field in the fixed check order.
		for i, name := range names {
			if mask&(1<<i) == 0 {
				if ve.Field != name {
					t.Fatalf("mask=%d: expected field %q, got %q", mask, name, ve.Field)
				}
				break
			}
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("mask=%d: expected errors.Is ErrValidation", mask)
		}
	}
}

func TestBuildSucceedsWithoutCapabilitiesOrPayload(t *testing.T) {
	testlog.Start(t)
	env, err := NewBuilder().From("a").To("b").Operation(OpAck).MessageID("m").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.HasPayload() || len(env.Capabilities()) != 0 {
		t.Fatalf("unexpected optional fields: %v", env)
	}
	if env.Version() != Version || env.Timestamp().IsZero() {
		t.Fatalf("expected defaults, got version=%q ts=%v", env.Version(), env.Timestamp())
	}
}

func TestBuildRejectsUnknownOperation(t *testing.T) {
	testlog.Start(t)
	_, err := NewBuilder().From("a").To("b").Operation(Operation(99)).MessageID("m").Build()
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "operation" {
		t.Fatalf("expected operation ValidationError, got %v", err)
	}
}

func TestEpochTimestampRoundTripsInEveryCodec(t *testing.T) {
	testlog.Start(t)
	epoch := time.Unix(0, 0).UTC()
	env := sampleBuilder().Timestamp(epoch).MustBuild()
	for _, ct := range []ContentType{ContentTypeBinary, ContentTypeMsgpack, ContentTypeCBOR} {
		codec, err := CodecFor(ct)
		if err != nil {
			t.Fatalf("codec %s: %v", ct, err)
		}
		raw, err := codec.Marshal(env)
		if err != nil {
			t.Fatalf("%s marshal: %v", ct, err)
		}
		got, err := codec.Unmarshal(raw)
		if err != nil {
			t.Fatalf("%s unmarshal: %v", ct, err)
		}
		if !got.Timestamp().Equal(epoch) {
			t.Fatalf("%s timestamp = %v, want %v", ct, got.Timestamp(), epoch)
		}
	}
}

func TestBuildRejectsTimestampOutsideNanosecondRange(t *testing.T) {
	testlog.Start(t)
	for _, ts := range []time.Time{
		time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		_, err := sampleBuilder().Timestamp(ts).Build()
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "timestamp" {
			t.Fatalf("%v: expected timestamp ValidationError, got %v", ts, err)
		}
	}
	if _, err := sampleBuilder().Timestamp(time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)).Build(); err != nil {
		t.Fatalf("in-range timestamp rejected: %v", err)
	}
}

func TestCapabilityOverwrite(t *testing.T) {
	testlog.Start(t)
	env := NewBuilder().
		From("a").To("b").Operation(OpData).MessageID("m").
		Capability("k", "v1").
		Capability("k", "v2").
		MustBuild()
	caps := env.Capabilities()
	if len(caps) != 1 || caps["k"] != "v2" {
		t.Fatalf("expected exactly k=v2, got %v", caps)
	}
}

func TestEnvelopeImmutable(t *testing.T) {
	testlog.Start(t)
	src := []byte("abc")
	env := sampleBuilder().Payload(src).MustBuild()
	src[0] = 'z'
	p := env.Payload()
	p[1] = 'z'
	caps := env.Capabilities()
	caps["content-type"] = "changed"
	if string(env.Payload()) != "abc" {
		t.Fatalf("payload mutated: %q", env.Payload())
	}
	if v, _ := env.Capability("content-type"); v != "application/json" {
		t.Fatalf("capability mutated: %q", v)
	}

	next := env.ToBuilder().Capability("content-type", "text/plain").MustBuild()
	if v, _ := env.Capability("content-type"); v != "application/json" {
		t.Fatalf("original changed through ToBuilder: %q", v)
	}
	if v, _ := next.Capability("content-type"); v != "text/plain" {
		t.Fatalf("derived envelope missing change: %q", v)
	}
	if next.MessageID() != env.MessageID() || !next.Timestamp().Equal(env.Timestamp()) {
		t.Fatalf("derived envelope lost fields")
	}
}

func TestDeserializeTruncated(t *testing.T) {
	testlog.Start(t)
	raw, err := sampleBuilder().Payload([]byte("payload")).MustBuild().Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	for _, cut := range []int{0, 3, len(raw) - 1} {
		_, err := Deserialize(raw[:cut])
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("cut=%d: expected DecodeError, got %v", cut, err)
		}
	}
}

func TestDeserializeInvalidOperationTag(t *testing.T) {
	testlog.Start(t)
	raw := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldFrom, "a"),
		tlv.String(schema.FieldTo, "b"),
		tlv.U16(schema.FieldOperation, 42),
		tlv.String(schema.FieldMessageID, "m"),
	})
	_, err := Deserialize(raw)
	if !errors.Is(err, ErrDecode) || !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected invalid operation DecodeError, got %v", err)
	}
}

func TestDeserializePayloadLengthExceedsInput(t *testing.T) {
	testlog.Start(t)
	raw := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldFrom, "a"),
		tlv.String(schema.FieldTo, "b"),
		tlv.U16(schema.FieldOperation, uint16(OpData)),
		tlv.String(schema.FieldMessageID, "m"),
	})
	head := make([]byte, tlv.HeaderLen)
	binary.BigEndian.PutUint16(head[0:2], schema.FieldPayload)
	head[2] = tlv.TypeBytes
	binary.BigEndian.PutUint32(head[3:7], 1024)
	raw = append(raw, head...)
	raw = append(raw, 1, 2, 3)

	_, err := Deserialize(raw)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !errors.Is(err, tlv.ErrShortFieldValue) {
		t.Fatalf("expected short field value cause, got %v", err)
	}
}

func TestExtensionOperationRoundTrip(t *testing.T) {
	testlog.Start(t)
	op := OpExtensionBase + 1
	env := NewBuilder().From("a").To("b").Operation(op).MessageID("m").MustBuild()
	raw, err := env.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.Operation() != op || !got.Operation().IsExtension() {
		t.Fatalf("unexpected op %s", got.Operation())
	}
	parsed, err := ParseOperation(op.String())
	if err != nil || parsed != op {
		t.Fatalf("parse %q: op=%v err=%v", op.String(), parsed, err)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	testlog.Start(t)
	raw, err := sampleBuilder().MustBuild().Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	raw = tlv.AppendField(raw, tlv.Field{ID: 999, Type: tlv.TypeBytes, Value: []byte{1}})
	if _, err := Deserialize(raw); err != nil {
		t.Fatalf("unknown field should be skipped: %v", err)
	}
}

func TestSerializeDeterministic(t *testing.T) {
	testlog.Start(t)
	ts := time.Unix(1700000000, 42).UTC()
	a := sampleBuilder().Timestamp(ts).Capability("z", "1").Capability("b", "2").MustBuild()
	b := sampleBuilder().Timestamp(ts).Capability("b", "2").Capability("z", "1").MustBuild()
	ra, _ := a.Serialize()
	rb, _ := b.Serialize()
	if !bytes.Equal(ra, rb) {
		t.Fatalf("equal envelopes serialized differently")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := bytes.Repeat([]byte("matrix-row;"), 512)
	env := sampleBuilder().Payload(payload).Capability(CapContentEncoding, "gzip").MustBuild()

	small, compressed, err := Compress(env, len(payload)+1)
	if err != nil || compressed || small != env {
		t.Fatalf("below threshold should be unchanged: compressed=%v err=%v", compressed, err)
	}

	packed, compressed, err := Compress(env, 1024)
	if err != nil || !compressed {
		t.Fatalf("compress: compressed=%v err=%v", compressed, err)
	}
	if packed.PayloadLen() >= len(payload) {
		t.Fatalf("payload not compressed: %d >= %d", packed.PayloadLen(), len(payload))
	}
	if enc, _ := packed.Capability(CapContentEncoding); enc != "gzip" {
		t.Fatalf("application content-encoding changed to %q", enc)
	}
	if len(packed.Capabilities()) != len(env.Capabilities()) {
		t.Fatalf("capabilities changed: %v", packed.Capabilities())
	}
	unpacked, err := Decompress(packed, 0)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !env.Equal(unpacked) {
		t.Fatalf("compression round-trip mismatch")
	}

	if _, err := Decompress(packed, 16); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Decompress(env, 0); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for an uncompressed payload, got %v", err)
	}
}

func TestPayloadHintRoundTrip(t *testing.T) {
	testlog.Start(t)
	hint := PayloadHint{Type: PayloadVector, Encoding: EncodingFloat32, Count: 6, Shape: []int{2, 3}}
	env, err := NewData("a", "b", make([]byte, 24), hint)
	if err != nil {
		t.Fatalf("new data: %v", err)
	}
	got, ok, err := HintFrom(env)
	if err != nil || !ok {
		t.Fatalf("hint: ok=%v err=%v", ok, err)
	}
	if got.Type != PayloadVector || got.Encoding != EncodingFloat32 || got.Count != 6 || FormatShape(got.Shape) != "2x3" {
		t.Fatalf("unexpected hint %+v", got)
	}
}

func TestMessageConstructors(t *testing.T) {
	testlog.Start(t)
	ctrl, err := NewControl("a", "b", "hello", "v=1")
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if ctrl.Operation() != OpControl || ctrl.MessageID() == "" {
		t.Fatalf("unexpected control %v", ctrl)
	}
	if _, err := NewControl("a", "b", " ", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty command, got %v", err)
	}

	ack, err := NewAck("b", "a", ctrl.MessageID())
	if err != nil || CorrelationID(ack) != ctrl.MessageID() {
		t.Fatalf("ack correlation: err=%v id=%q", err, CorrelationID(ack))
	}
	fail, err := NewError("b", "a", "bad_request", "nope", ctrl.MessageID())
	if err != nil || fail.Operation() != OpError {
		t.Fatalf("error envelope: %v %v", fail, err)
	}

	reply := ReplyTo(ctrl, OpResponse).MustBuild()
	if reply.From() != "b" || reply.To() != "a" || CorrelationID(reply) != ctrl.MessageID() {
		t.Fatalf("unexpected reply %v", reply)
	}
}
