package protocol

import (
	"math"
	"strings"
	"time"
)

// Instants outside this range have no int64 nanosecond encoding.
var (
	minTimestamp = time.Unix(0, math.MinInt64)
	maxTimestamp = time.Unix(0, math.MaxInt64)
)

// Builder accumulates envelope fields. Setters never validate; Build is the
// single validation point.
type Builder struct {
	version    string
	from       string
	to         string
	op         Operation
	messageID  string
	caps       map[string]string
	payload    []byte
	hasPayload bool
	timestamp  time.Time
}

func NewBuilder() *Builder {
	return &Builder{caps: make(map[string]string)}
}

func (b *Builder) Version(v string) *Builder {
	b.version = v
	return b
}

func (b *Builder) From(id string) *Builder {
	b.from = id
	return b
}

func (b *Builder) To(id string) *Builder {
	b.to = id
	return b
}

func (b *Builder) Operation(op Operation) *Builder {
	b.op = op
	return b
}

func (b *Builder) MessageID(id string) *Builder {
	b.messageID = id
	return b
}

// Capability sets one capability; setting the same key again overwrites it.
func (b *Builder) Capability(key, value string) *Builder {
	b.caps[key] = value
	return b
}

// Capabilities merges caps into the builder with last-write-wins semantics.
func (b *Builder) Capabilities(caps map[string]string) *Builder {
	for k, v := range caps {
		b.caps[k] = v
	}
	return b
}

// RemoveCapability drops key if present.
func (b *Builder) RemoveCapability(key string) *Builder {
	delete(b.caps, key)
	return b
}

// Payload stores a copy of p. A nil or empty p still marks the payload present.
func (b *Builder) Payload(p []byte) *Builder {
	b.payload = make([]byte, len(p))
	copy(b.payload, p)
	b.hasPayload = true
	return b
}

// ClearPayload marks the payload absent.
func (b *Builder) ClearPayload() *Builder {
	b.payload = nil
	b.hasPayload = false
	return b
}

func (b *Builder) Timestamp(ts time.Time) *Builder {
	b.timestamp = ts
	return b
}

// Build validates the accumulated fields in the fixed order from, to,
// operation, message_id, timestamp and returns an immutable Envelope.
func (b *Builder) Build() (*Envelope, error) {
	if strings.TrimSpace(b.from) == "" {
		return nil, &ValidationError{Field: "from", Reason: "missing sender identifier"}
	}
	if strings.TrimSpace(b.to) == "" {
		return nil, &ValidationError{Field: "to", Reason: "missing recipient identifier"}
	}
	if b.op == OpUnspecified {
		return nil, &ValidationError{Field: "operation", Reason: "missing operation"}
	}
	if !b.op.Valid() {
		return nil, &ValidationError{Field: "operation", Reason: "unknown operation " + b.op.String()}
	}
	if strings.TrimSpace(b.messageID) == "" {
		return nil, &ValidationError{Field: "message_id", Reason: "missing message id"}
	}
	if !b.timestamp.IsZero() && (b.timestamp.Before(minTimestamp) || b.timestamp.After(maxTimestamp)) {
		return nil, &ValidationError{Field: "timestamp", Reason: "outside the unix nanosecond range"}
	}
	caps := make(map[string]string, len(b.caps))
	for k, v := range b.caps {
		if k == "" {
			return nil, &ValidationError{Field: "capabilities", Reason: "empty capability key"}
		}
		caps[k] = v
	}

	env := &Envelope{
		version:      b.version,
		from:         b.from,
		to:           b.to,
		op:           b.op,
		messageID:    b.messageID,
		capabilities: caps,
		hasPayload:   b.hasPayload,
		timestamp:    b.timestamp,
	}
	if env.version == "" {
		env.version = Version
	}
	if env.timestamp.IsZero() {
		env.timestamp = time.Now().UTC()
	}
	if b.hasPayload {
		env.payload = make([]byte, len(b.payload))
		copy(env.payload, b.payload)
	}
	return env, nil
}

// MustBuild is Build for fixtures whose fields are known to be valid.
func (b *Builder) MustBuild() *Envelope {
	env, err := b.Build()
	if err != nil {
		panic(err)
	}
	return env
}
