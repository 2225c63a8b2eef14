package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/transport"
)

var (
	ErrRemote          = errors.New("peer: remote error")
	ErrUnexpectedReply = errors.New("peer: unexpected reply")
	ErrNoPeerID        = errors.New("peer: remote id unknown")
)

// RemoteError is an OpError reply to a request.
type RemoteError struct {
	Code      string
	Message   string
	MessageID string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer: remote error %s for message %q: %s", e.Code, e.MessageID, e.Message)
}

// Is maps well-known codes back to the local sentinels so callers can test a
// remote failure like a local one.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemote:
		return true
	case matrix.ErrDimensionMismatch:
		return e.Code == CodeDimensionMismatch
	case matrix.ErrPayloadShape:
		return e.Code == CodeInvalidPayload
	case ErrUnknownCommand:
		return e.Code == CodeUnknownCommand
	}
	return false
}

// Client issues matrix requests over one connection.
type Client struct {
	tr      *transport.Transport
	localID string
	connID  string
	// To overrides the remote id; by default the connection's handshake id
	// is used.
	To string
}

func NewClient(tr *transport.Transport, localID, connID string) *Client {
	return &Client{tr: tr, localID: localID, connID: connID}
}

// Compute sends command with operands and returns the result matrix.
func (c *Client) Compute(ctx context.Context, command string, operands ...*matrix.Matrix) (*matrix.Matrix, error) {
	want, ok := Arity(command)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	if want != len(operands) {
		return nil, fmt.Errorf("%w: %s takes %d operands, got %d", matrix.ErrPayloadShape, command, want, len(operands))
	}
	payload, err := PackMatrices(operands...)
	if err != nil {
		return nil, err
	}
	to, err := c.remoteID()
	if err != nil {
		return nil, err
	}
	req, err := protocol.NewBuilder().
		From(c.localID).
		To(to).
		Operation(protocol.OpRequest).
		MessageID(protocol.NewMessageID()).
		Capability(protocol.CapCommand, command).
		Payload(payload).
		Build()
	if err != nil {
		return nil, err
	}
	reply, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return matrix.DecodeMatrix(reply.Payload())
}

// Request sends env and converts an OpError reply into a *RemoteError.
func (c *Client) Request(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	reply, err := c.tr.Request(ctx, env, c.connID)
	if err != nil {
		return nil, err
	}
	switch reply.Operation() {
	case protocol.OpError:
		code, _ := reply.Capability(protocol.CapErrorCode)
		msg, _ := reply.Capability(protocol.CapErrorMessage)
		return nil, &RemoteError{Code: code, Message: msg, MessageID: env.MessageID()}
	case protocol.OpResponse, protocol.OpAck:
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Operation())
	}
}

func (c *Client) remoteID() (string, error) {
	if c.To != "" {
		return c.To, nil
	}
	conns := c.tr.Connections()
	for _, info := range conns {
		if (c.connID == "" && len(conns) == 1) || info.ID == c.connID {
			if info.PeerID != "" {
				return info.PeerID, nil
			}
		}
	}
	return "", ErrNoPeerID
}
