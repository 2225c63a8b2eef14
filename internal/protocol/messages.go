package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh random message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewControl builds a control envelope carrying command and optional params.
func NewControl(from, to, command, params string) (*Envelope, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &ValidationError{Field: CapCommand, Reason: "missing command"}
	}
	b := NewBuilder().
		From(from).
		To(to).
		Operation(OpControl).
		MessageID(NewMessageID()).
		Capability(CapCommand, command)
	if params != "" {
		b.Capability(CapParams, params)
	}
	return b.Build()
}

// NewData builds a data envelope with payload and hint.
func NewData(from, to string, payload []byte, hint PayloadHint) (*Envelope, error) {
	b := NewBuilder().
		From(from).
		To(to).
		Operation(OpData).
		MessageID(NewMessageID()).
		Payload(payload)
	return hint.Apply(b).Build()
}

// NewAck acknowledges ackedID.
func NewAck(from, to, ackedID string) (*Envelope, error) {
	return NewBuilder().
		From(from).
		To(to).
		Operation(OpAck).
		MessageID(NewMessageID()).
		Capability(CapAckedMessageID, ackedID).
		Capability(CapCorrelationID, ackedID).
		Build()
}

// NewError builds an error envelope; originalID may be empty.
func NewError(from, to, code, message, originalID string) (*Envelope, error) {
	b := NewBuilder().
		From(from).
		To(to).
		Operation(OpError).
		MessageID(NewMessageID()).
		Capability(CapErrorCode, code).
		Capability(CapErrorMessage, message)
	if originalID != "" {
		b.Capability(CapOriginalMessageID, originalID)
		b.Capability(CapCorrelationID, originalID)
	}
	return b.Build()
}

// ReplyTo seeds a builder addressed back to req's sender and correlated to it.
func ReplyTo(req *Envelope, op Operation) *Builder {
	return NewBuilder().
		From(req.To()).
		To(req.From()).
		Operation(op).
		MessageID(NewMessageID()).
		Capability(CapCorrelationID, req.MessageID())
}

// CorrelationID returns the id of the message env answers, if any.
func CorrelationID(env *Envelope) string {
	v, _ := env.Capability(CapCorrelationID)
	return v
}
