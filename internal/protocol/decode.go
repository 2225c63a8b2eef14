package protocol

import (
	"errors"
	"time"

	"github.com/danmuck/umicp/internal/protocol/schema"
	"github.com/danmuck/umicp/internal/protocol/tlv"
)

// Deserialize reconstructs an envelope from its canonical binary TLV form.
func Deserialize(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, decodeErr("empty input", ErrTruncated)
	}
	fields, err := tlv.DecodeFields(data)
	if err != nil {
		switch {
		case errors.Is(err, tlv.ErrShortFieldHeader):
			return nil, decodeErr("truncated input", err)
		case errors.Is(err, tlv.ErrShortFieldValue):
			return nil, decodeErr("declared length exceeds remaining input", err)
		default:
			return nil, decodeErr("malformed fields", err)
		}
	}
	if err := schema.Validate(fields); err != nil {
		return nil, decodeErr("schema", err)
	}

	b := NewBuilder()
	for _, f := range fields {
		switch f.ID {
		case schema.FieldVersion:
			v, err := tlv.StringFromField(f)
			if err != nil {
				return nil, decodeErr("version", err)
			}
			b.Version(v)
		case schema.FieldFrom:
			v, err := tlv.StringFromField(f)
			if err != nil {
				return nil, decodeErr("from", err)
			}
			b.From(v)
		case schema.FieldTo:
			v, err := tlv.StringFromField(f)
			if err != nil {
				return nil, decodeErr("to", err)
			}
			b.To(v)
		case schema.FieldOperation:
			v, err := tlv.U16FromField(f)
			if err != nil {
				return nil, decodeErr("operation", err)
			}
			op := Operation(v)
			if !op.Valid() {
				return nil, decodeErr("invalid operation tag "+op.String(), ErrInvalidOperation)
			}
			b.Operation(op)
		case schema.FieldMessageID:
			v, err := tlv.StringFromField(f)
			if err != nil {
				return nil, decodeErr("message_id", err)
			}
			b.MessageID(v)
		case schema.FieldTimestamp:
			v, err := tlv.U64FromField(f)
			if err != nil {
				return nil, decodeErr("timestamp", err)
			}
			b.Timestamp(time.Unix(0, int64(v)).UTC())
		case schema.FieldCapability:
			k, v, err := tlv.PairFromField(f)
			if err != nil {
				return nil, decodeErr("capability", err)
			}
			b.Capability(k, v)
		case schema.FieldPayload:
			b.Payload(f.Value)
		}
	}

	env, err := b.Build()
	if err != nil {
		return nil, decodeErr("invalid envelope", err)
	}
	return env, nil
}
