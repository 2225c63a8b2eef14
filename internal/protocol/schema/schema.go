package schema

import (
	"fmt"

	"github.com/danmuck/umicp/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Envelope body field IDs. IDs are part of the wire contract and never reused.
const (
	FieldVersion    uint16 = 1
	FieldFrom       uint16 = 2
	FieldTo         uint16 = 3
	FieldOperation  uint16 = 4
	FieldMessageID  uint16 = 5
	FieldTimestamp  uint16 = 6
	FieldCapability uint16 = 20
	FieldPayload    uint16 = 30
)

type Requirement struct {
	ID       uint16
	Type     uint8
	Required bool
	Repeated bool
}

type ValidationError struct {
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: field=%d (%s): %s", e.FieldID, FieldName(e.FieldID), e.Reason)
}

var envelope = []Requirement{
	{ID: FieldVersion, Type: tlv.TypeString},
	{ID: FieldFrom, Type: tlv.TypeString, Required: true},
	{ID: FieldTo, Type: tlv.TypeString, Required: true},
	{ID: FieldOperation, Type: tlv.TypeU16, Required: true},
	{ID: FieldMessageID, Type: tlv.TypeString, Required: true},
	{ID: FieldTimestamp, Type: tlv.TypeU64},
	{ID: FieldCapability, Type: tlv.TypePair, Repeated: true},
	{ID: FieldPayload, Type: tlv.TypeBytes},
}

var names = map[uint16]string{
	FieldVersion:    "version",
	FieldFrom:       "from",
	FieldTo:         "to",
	FieldOperation:  "operation",
	FieldMessageID:  "message_id",
	FieldTimestamp:  "timestamp",
	FieldCapability: "capability",
	FieldPayload:    "payload",
}

// FieldName returns the contract name of a known field id.
func FieldName(id uint16) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "unknown"
}

// Validate enforces required fields, field types and singleton fields for an envelope body.
// Unknown fields are ignored so newer peers can add fields.
func Validate(fields []tlv.Field) error {
	log.Trace().Str("component", "schema").Int("fields", len(fields)).Msg("validate envelope body")
	for _, req := range envelope {
		count := 0
		for _, f := range fields {
			if f.ID != req.ID {
				continue
			}
			count++
			if f.Type != req.Type {
				log.Debug().
					Str("component", "schema").
					Uint16("field_id", req.ID).
					Uint8("got", f.Type).
					Uint8("want", req.Type).
					Msg("type mismatch")
				return ValidationError{FieldID: req.ID, Reason: "type mismatch"}
			}
		}
		if count == 0 && req.Required {
			log.Debug().Str("component", "schema").Uint16("field_id", req.ID).Msg("missing required field")
			return ValidationError{FieldID: req.ID, Reason: "missing required field"}
		}
		if count > 1 && !req.Repeated {
			return ValidationError{FieldID: req.ID, Reason: "duplicate field"}
		}
	}
	return nil
}
