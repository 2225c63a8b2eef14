package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Version is the envelope contract version stamped by the builder.
const Version = "1.0"

// Operation is the stable envelope operation tag. Codes are part of the wire
// contract and are never renumbered.
type Operation uint16

const (
	OpUnspecified Operation = 0
	OpControl     Operation = 1
	OpData        Operation = 2
	OpAck         Operation = 3
	OpError       Operation = 4
	OpRequest     Operation = 5
	OpResponse    Operation = 6
	OpHeartbeat   Operation = 7

	// OpExtensionBase starts the reserved extension range. Codes at or above it
	// are carried through unchanged so newer peers interoperate.
	OpExtensionBase Operation = 0x8000
)

var opNames = map[Operation]string{
	OpControl:   "control",
	OpData:      "data",
	OpAck:       "ack",
	OpError:     "error",
	OpRequest:   "request",
	OpResponse:  "response",
	OpHeartbeat: "heartbeat",
}

// IsExtension reports whether op falls in the reserved extension range.
func (op Operation) IsExtension() bool {
	return op >= OpExtensionBase
}

// Valid reports whether op is a known operation or an extension.
func (op Operation) Valid() bool {
	if op.IsExtension() {
		return true
	}
	_, ok := opNames[op]
	return ok
}

func (op Operation) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	if op.IsExtension() {
		return fmt.Sprintf("ext-0x%04x", uint16(op))
	}
	return fmt.Sprintf("invalid-%d", uint16(op))
}

// ParseOperation resolves a stable operation name (or "ext-0x8001") to its tag.
func ParseOperation(name string) (Operation, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	var code uint16
	if _, err := fmt.Sscanf(name, "ext-0x%x", &code); err == nil && Operation(code).IsExtension() {
		return Operation(code), nil
	}
	return OpUnspecified, fmt.Errorf("%w: %q", ErrInvalidOperation, name)
}

// Envelope is the immutable unit of communication. Build one with NewBuilder;
// derive a modified copy with ToBuilder.
type Envelope struct {
	version      string
	from         string
	to           string
	op           Operation
	messageID    string
	capabilities map[string]string
	payload      []byte
	hasPayload   bool
	timestamp    time.Time
}

func (e *Envelope) Version() string      { return e.version }
func (e *Envelope) From() string         { return e.from }
func (e *Envelope) To() string           { return e.to }
func (e *Envelope) Operation() Operation { return e.op }
func (e *Envelope) MessageID() string    { return e.messageID }
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// HasPayload distinguishes an absent payload from a present zero-length one.
func (e *Envelope) HasPayload() bool { return e.hasPayload }

// Payload returns a copy of the payload bytes, or nil when absent.
func (e *Envelope) Payload() []byte {
	if !e.hasPayload {
		return nil
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out
}

// PayloadLen returns the payload size without copying it.
func (e *Envelope) PayloadLen() int { return len(e.payload) }

// Capabilities returns a copy of the capability map.
func (e *Envelope) Capabilities() map[string]string {
	out := make(map[string]string, len(e.capabilities))
	for k, v := range e.capabilities {
		out[k] = v
	}
	return out
}

// Capability looks up a single capability value.
func (e *Envelope) Capability(key string) (string, bool) {
	v, ok := e.capabilities[key]
	return v, ok
}

// ToBuilder returns a fresh builder seeded with every field of e.
func (e *Envelope) ToBuilder() *Builder {
	b := NewBuilder().
		Version(e.version).
		From(e.from).
		To(e.to).
		Operation(e.op).
		MessageID(e.messageID).
		Timestamp(e.timestamp)
	for k, v := range e.capabilities {
		b.Capability(k, v)
	}
	if e.hasPayload {
		b.Payload(e.payload)
	}
	return b
}

// Equal reports observational equality: same header fields, capability set,
// payload bytes and instant.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.version != other.version || e.from != other.from || e.to != other.to ||
		e.op != other.op || e.messageID != other.messageID {
		return false
	}
	if !e.timestamp.Equal(other.timestamp) {
		return false
	}
	if e.hasPayload != other.hasPayload || !bytes.Equal(e.payload, other.payload) {
		return false
	}
	if len(e.capabilities) != len(other.capabilities) {
		return false
	}
	for k, v := range e.capabilities {
		if ov, ok := other.capabilities[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{id=%s op=%s from=%s to=%s caps=%d payload=%d}",
		e.messageID, e.op, e.from, e.to, len(e.capabilities), len(e.payload))
}
