package transport

import (
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		got := NextBackoffDelay(cfg, 2, rng)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestConfigWithDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	if cfg.Network != NetworkTCP || cfg.SendQueueSize != DefaultSendQueueSize || cfg.Codec != protocol.ContentTypeBinary {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := Config{Network: "quic"}.WithDefaults()
	if err := bad.Validate(); !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
	bad = Config{Codec: 99}.WithDefaults()
	if err := bad.Validate(); !errors.Is(err, protocol.ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
	bad = Config{Network: NetworkWebSocket, WebSocketPath: "ws"}.WithDefaults()
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected websocket path error")
	}
}

func TestTLSValidation(t *testing.T) {
	testlog.Start(t)
	if err := (TLSConfig{Mutual: true}).ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	if err := (TLSConfig{Enabled: true}).ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	if err := (TLSConfig{Enabled: true, InsecureSkipVerify: true, Mutual: true}).ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	if err := (TLSConfig{Enabled: true, CertFile: "c.pem"}).ValidateServer(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	if err := (TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", Mutual: true}).ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	if err := (TLSConfig{}).ValidateServer(); err != nil {
		t.Fatalf("plain server config should validate: %v", err)
	}
}

func TestPendingTableLifecycle(t *testing.T) {
	testlog.Start(t)
	p := newPendingTable()
	replyA, err := p.add("msg-a", "conn-1")
	if err != nil {
		t.Fatalf("add msg-a: %v", err)
	}
	replyB, err := p.add("msg-b", "conn-2")
	if err != nil {
		t.Fatalf("add msg-b: %v", err)
	}
	if got := p.list(); len(got) != 2 || got[0].MessageID != "msg-a" {
		t.Fatalf("unexpected pending list %+v", got)
	}

	env := protocol.NewBuilder().From("x").To("y").Operation(protocol.OpResponse).MessageID("r").MustBuild()
	if !p.resolve("msg-a", env) {
		t.Fatalf("expected msg-a to resolve")
	}
	if res := <-replyA; res.env != env || res.err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if p.resolve("msg-a", env) {
		t.Fatalf("msg-a resolved twice")
	}

	p.failConn("conn-2", ErrStopped)
	if res := <-replyB; !errors.Is(res.err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", res.err)
	}
	if len(p.list()) != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestPendingTableRejectsDuplicateID(t *testing.T) {
	testlog.Start(t)
	p := newPendingTable()
	first, err := p.add("msg-a", "conn-1")
	if err != nil {
		t.Fatalf("add msg-a: %v", err)
	}
	if _, err := p.add(" msg-a ", "conn-2"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if got := p.list(); len(got) != 1 || got[0].ConnID != "conn-1" {
		t.Fatalf("first request was replaced: %+v", got)
	}

	stale := make(chan pendingResult, 1)
	p.remove("msg-a", stale)
	if len(p.list()) != 1 {
		t.Fatalf("remove with a foreign reply channel dropped the entry")
	}

	env := protocol.NewBuilder().From("x").To("y").Operation(protocol.OpResponse).MessageID("r").MustBuild()
	if !p.resolve("msg-a", env) {
		t.Fatalf("expected msg-a to resolve")
	}
	if res := <-first; res.env != env {
		t.Fatalf("reply went elsewhere: %+v", res)
	}
}

func TestHandshakeOverPipe(t *testing.T) {
	testlog.Start(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverCfg := Config{LocalID: "server-001"}.WithDefaults()
	clientCfg := Config{LocalID: "client-001"}.WithDefaults()

	type result struct {
		peer string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		peer, err := serverHello(serverConn, serverCfg, "")
		done <- result{peer, err}
	}()

	peer, err := clientHello(clientConn, clientCfg, "server-001")
	if err != nil {
		t.Fatalf("client hello: %v", err)
	}
	if peer != "server-001" {
		t.Fatalf("unexpected server id %q", peer)
	}
	res := <-done
	if res.err != nil || res.peer != "client-001" {
		t.Fatalf("server hello: peer=%q err=%v", res.peer, res.err)
	}
}

func TestHandshakeRejectsCertificateMismatch(t *testing.T) {
	testlog.Start(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := serverHello(serverConn, Config{LocalID: "server"}.WithDefaults(), "someone-else")
		done <- err
	}()
	_, err := clientHello(clientConn, Config{LocalID: "client"}.WithDefaults(), "server")
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected client to see rejection, got %v", err)
	}
	if err := <-done; !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected server rejection, got %v", err)
	}
}
