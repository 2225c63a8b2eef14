package main

import (
	"context"
	"time"

	"github.com/danmuck/umicp/internal/config"
	"github.com/danmuck/umicp/internal/peer"
	"github.com/danmuck/umicp/internal/transport"
	"github.com/spf13/pflag"
)

type clientOptions struct {
	connect string
	to      string
	timeout time.Duration
}

func (c *clientOptions) bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.connect, "connect", "", "peer address (overrides transport.connect)")
	flags.StringVar(&c.to, "to", "", "remote node id (defaults to the id from the handshake)")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "deadline for connecting and the reply")
}

func (c *clientOptions) apply(cfg *config.Config) {
	if c.connect != "" {
		cfg.Transport.Connect = c.connect
	}
}

// session is a running client peer. Close flushes queued frames.
type session struct {
	peer   *peer.Peer
	cancel context.CancelFunc
	done   chan error
}

func dial(ctx context.Context, cfg config.Config) (*session, error) {
	tc, err := cfg.TransportConfig()
	if err != nil {
		return nil, err
	}
	tr, err := transport.NewClient(ctx, cfg.Transport.Connect, tc)
	if err != nil {
		return nil, err
	}
	p := peer.New(cfg.Node.ID, tr, peer.Options{})
	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{peer: p, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- p.Run(runCtx) }()
	return s, nil
}

func (s *session) client(to string) *peer.Client {
	c := s.peer.Client("")
	c.To = to
	return c
}

// remote resolves the id outbound envelopes are addressed to.
func (s *session) remote(to string) string {
	if to != "" {
		return to
	}
	conns := s.peer.Transport().Connections()
	if len(conns) == 0 {
		return ""
	}
	return conns[0].PeerID
}

func (s *session) Close() error {
	s.cancel()
	return <-s.done
}
