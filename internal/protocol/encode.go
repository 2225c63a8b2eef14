package protocol

import (
	"sort"

	"github.com/danmuck/umicp/internal/protocol/schema"
	"github.com/danmuck/umicp/internal/protocol/tlv"
)

// Serialize encodes e in the canonical binary TLV form.
//
// Capabilities are written sorted by key so equal envelopes serialize to equal
// bytes; decoders must not rely on that order.
func (e *Envelope) Serialize() ([]byte, error) {
	if e == nil {
		return nil, &ValidationError{Field: "envelope", Reason: "nil envelope"}
	}
	if uint64(len(e.payload)) > uint64(^uint32(0)) {
		return nil, ErrPayloadTooLarge
	}
	fields := make([]tlv.Field, 0, 7+len(e.capabilities))
	fields = append(fields,
		tlv.String(schema.FieldVersion, e.version),
		tlv.String(schema.FieldFrom, e.from),
		tlv.String(schema.FieldTo, e.to),
		tlv.U16(schema.FieldOperation, uint16(e.op)),
		tlv.String(schema.FieldMessageID, e.messageID),
	)
	if !e.timestamp.IsZero() {
		fields = append(fields, tlv.U64(schema.FieldTimestamp, uint64(e.timestamp.UnixNano())))
	}

	keys := make([]string, 0, len(e.capabilities))
	for k := range e.capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, tlv.Pair(schema.FieldCapability, k, e.capabilities[k]))
	}

	if e.hasPayload {
		fields = append(fields, tlv.Field{ID: schema.FieldPayload, Type: tlv.TypeBytes, Value: e.payload})
	}
	return tlv.EncodeFields(fields), nil
}
