package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known capability keys.
const (
	CapContentType       = "content-type"
	CapContentEncoding   = "content-encoding"
	CapCorrelationID     = "correlation-id"
	CapCommand           = "command"
	CapParams            = "params"
	CapPayloadType       = "payload-type"
	CapPayloadEncoding   = "payload-encoding"
	CapPayloadCount      = "payload-count"
	CapPayloadShape      = "payload-shape"
	CapErrorCode         = "error-code"
	CapErrorMessage      = "error-message"
	CapOriginalMessageID = "original-message-id"
	CapAckedMessageID    = "acked-message-id"
)

// PayloadType describes what the payload bytes carry.
type PayloadType string

const (
	PayloadVector   PayloadType = "vector"
	PayloadText     PayloadType = "text"
	PayloadMetadata PayloadType = "metadata"
	PayloadBinary   PayloadType = "binary"
)

// Element encodings for numeric payloads.
const (
	EncodingFloat32 = "float32"
	EncodingFloat64 = "float64"
	EncodingInt32   = "int32"
	EncodingInt64   = "int64"
	EncodingUint8   = "uint8"
)

// PayloadHint is payload metadata carried as capabilities.
type PayloadHint struct {
	Type     PayloadType
	Encoding string
	Count    int
	Shape    []int
}

// Apply writes the non-zero hint fields into b.
func (h PayloadHint) Apply(b *Builder) *Builder {
	if h.Type != "" {
		b.Capability(CapPayloadType, string(h.Type))
	}
	if h.Encoding != "" {
		b.Capability(CapPayloadEncoding, h.Encoding)
	}
	if h.Count > 0 {
		b.Capability(CapPayloadCount, strconv.Itoa(h.Count))
	}
	if len(h.Shape) > 0 {
		b.Capability(CapPayloadShape, FormatShape(h.Shape))
	}
	return b
}

// HintFrom reads a payload hint back from env. ok is false when env carries no hint.
func HintFrom(env *Envelope) (PayloadHint, bool, error) {
	var h PayloadHint
	found := false
	if v, ok := env.Capability(CapPayloadType); ok {
		h.Type = PayloadType(v)
		found = true
	}
	if v, ok := env.Capability(CapPayloadEncoding); ok {
		h.Encoding = v
		found = true
	}
	if v, ok := env.Capability(CapPayloadCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return PayloadHint{}, true, fmt.Errorf("protocol: invalid %s %q", CapPayloadCount, v)
		}
		h.Count = n
		found = true
	}
	if v, ok := env.Capability(CapPayloadShape); ok {
		shape, err := ParseShape(v)
		if err != nil {
			return PayloadHint{}, true, err
		}
		h.Shape = shape
		found = true
	}
	return h, found, nil
}

// FormatShape renders dimensions as "2x3".
func FormatShape(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

func ParseShape(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("protocol: empty %s", CapPayloadShape)
	}
	parts := strings.Split(raw, "x")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("protocol: invalid %s %q", CapPayloadShape, raw)
		}
		out[i] = n
	}
	return out, nil
}
