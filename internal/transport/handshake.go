package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/protocol/frame"
)

const (
	helloCommand = "hello"
	helloParams  = "version=" + protocol.Version

	errCodeHandshake = "handshake_rejected"
)

// clientHello sends hello and waits for the server's ack. It returns the
// server's id. A rejection wraps ErrHandshakeRejected and is not retried.
func clientHello(conn net.Conn, cfg Config, target string) (string, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := protocol.NewControl(cfg.LocalID, target, helloCommand, helloParams)
	if err != nil {
		return "", err
	}
	if err := writeEnvelope(conn, hello, cfg.limits()); err != nil {
		return "", err
	}
	reply, err := readEnvelope(conn, cfg.limits())
	if err != nil {
		return "", err
	}
	if protocol.CorrelationID(reply) != hello.MessageID() {
		return "", fmt.Errorf("%w: reply does not answer hello", ErrInvalidHandshake)
	}
	switch reply.Operation() {
	case protocol.OpAck:
		if cmd, _ := reply.Capability(protocol.CapCommand); cmd != helloCommand {
			return "", fmt.Errorf("%w: ack command %q", ErrInvalidHandshake, cmd)
		}
		return reply.From(), nil
	case protocol.OpError:
		msg, _ := reply.Capability(protocol.CapErrorMessage)
		return "", fmt.Errorf("%w: %s", ErrHandshakeRejected, msg)
	default:
		return "", fmt.Errorf("%w: unexpected %s reply", ErrInvalidHandshake, reply.Operation())
	}
}

// serverHello reads the client's hello, vets it and answers. certID is the
// verified TLS identity, if any; a hello claiming another id is rejected.
func serverHello(conn net.Conn, cfg Config, certID string) (string, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := readEnvelope(conn, cfg.limits())
	if err != nil {
		return "", err
	}
	reject := func(reason string) (string, error) {
		if e, err := protocol.NewError(cfg.LocalID, hello.From(), errCodeHandshake, reason, hello.MessageID()); err == nil {
			_ = writeEnvelope(conn, e, cfg.limits())
		}
		return "", fmt.Errorf("%w: %s", ErrHandshakeRejected, reason)
	}
	if hello.Operation() != protocol.OpControl {
		return reject("expected control hello, got " + hello.Operation().String())
	}
	if cmd, _ := hello.Capability(protocol.CapCommand); cmd != helloCommand {
		return reject(fmt.Sprintf("expected command %q, got %q", helloCommand, cmd))
	}
	peerID := hello.From()
	if certID != "" && certID != peerID {
		return reject(fmt.Sprintf("identity %q does not match certificate %q", peerID, certID))
	}
	if cfg.AcceptPeer != nil {
		if err := cfg.AcceptPeer(peerID); err != nil {
			return reject(err.Error())
		}
	}

	ack, err := protocol.ReplyTo(hello, protocol.OpAck).
		From(cfg.LocalID).
		Capability(protocol.CapCommand, helloCommand).
		Capability(protocol.CapAckedMessageID, hello.MessageID()).
		Build()
	if err != nil {
		return "", err
	}
	if err := writeEnvelope(conn, ack, cfg.limits()); err != nil {
		return "", err
	}
	return peerID, nil
}

// Handshake frames always use the binary codec.
func writeEnvelope(conn net.Conn, env *protocol.Envelope, limits frame.Limits) error {
	body, err := env.Serialize()
	if err != nil {
		return err
	}
	return frame.WriteFrame(conn, frame.New(uint8(protocol.ContentTypeBinary), 0, body), limits)
}

func readEnvelope(conn net.Conn, limits frame.Limits) (*protocol.Envelope, error) {
	f, err := frame.ReadFrame(conn, limits)
	if err != nil {
		return nil, err
	}
	if protocol.ContentType(f.Header.Codec) != protocol.ContentTypeBinary {
		return nil, fmt.Errorf("%w: handshake codec %d", ErrInvalidHandshake, f.Header.Codec)
	}
	env, err := protocol.Deserialize(f.Body)
	if err != nil {
		return nil, errors.Join(ErrInvalidHandshake, err)
	}
	return env, nil
}
