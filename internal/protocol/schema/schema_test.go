package schema

import (
	"testing"

	"github.com/danmuck/umicp/internal/protocol/tlv"
	"github.com/danmuck/umicp/internal/testutil/testlog"
)

func validFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldVersion, "1.0"),
		tlv.String(FieldFrom, "client-001"),
		tlv.String(FieldTo, "server-001"),
		tlv.U16(FieldOperation, 2),
		tlv.String(FieldMessageID, "msg-1"),
	}
}

func TestValidateRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(validFields()); err != nil {
		t.Fatalf("validate envelope: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(validFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateRepeatedCapabilities(t *testing.T) {
	testlog.Start(t)
	fields := append(validFields(),
		tlv.Pair(FieldCapability, "a", "1"),
		tlv.Pair(FieldCapability, "b", "2"),
	)
	if err := Validate(fields); err != nil {
		t.Fatalf("validate with capabilities: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldFrom, "client-001")}
	err := Validate(fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldTo || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := validFields()
	fields[3] = tlv.String(FieldOperation, "data")
	err := Validate(fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldOperation || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateDuplicateSingleton(t *testing.T) {
	testlog.Start(t)
	fields := append(validFields(), tlv.String(FieldMessageID, "msg-2"))
	err := Validate(fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldMessageID || ve.Reason != "duplicate field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}
