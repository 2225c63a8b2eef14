package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/umicp/internal/observability"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler processes one inbound envelope. A non-nil reply is queued on the
// connection the request arrived on.
type Handler func(ctx context.Context, env *protocol.Envelope, connID string) (*protocol.Envelope, error)

type Role string

const (
	RoleServer   Role = "server"
	RoleClient   Role = "client"
	RoleDetached Role = "detached"
)

// Transport owns a set of connections, frames envelopes onto them and
// dispatches inbound envelopes to the registered Handler.
type Transport struct {
	cfg     Config
	role    Role
	network Network
	codec   protocol.Codec
	limits  frame.Limits

	ln net.Listener

	handler atomic.Pointer[Handler]
	onError atomic.Pointer[func(error)]

	mu    sync.RWMutex
	conns map[string]*connection
	// seen is set once a connection was registered; a client's Run ends when
	// the table becomes empty after that.
	seen bool

	pending *pendingTable
	stats   counters

	baseCtx    context.Context
	cancelBase context.CancelFunc

	running   atomic.Bool
	started   chan struct{}
	stopping  chan struct{}
	stopOnce  sync.Once
	idle      chan struct{}
	idleOnce  sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New returns a transport with no listener and no connections. Streams are
// added with Attach.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(RoleDetached, cfg)
}

func newTransport(role Role, cfg Config) (*Transport, error) {
	network, err := NewNetwork(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := protocol.CodecFor(cfg.Codec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:        cfg,
		role:       role,
		network:    network,
		codec:      codec,
		limits:     cfg.limits(),
		conns:      make(map[string]*connection),
		pending:    newPendingTable(),
		baseCtx:    ctx,
		cancelBase: cancel,
		started:    make(chan struct{}),
		stopping:   make(chan struct{}),
		idle:       make(chan struct{}),
	}, nil
}

// NewServer binds bindAddr and starts accepting connections immediately.
// ctx bounds the bind only; the transport lives until Stop.
func NewServer(ctx context.Context, bindAddr string, cfg Config) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.TLS.ValidateServer(); err != nil {
		return nil, &BindError{Addr: bindAddr, Err: err}
	}
	t, err := newTransport(RoleServer, cfg)
	if err != nil {
		return nil, err
	}
	ln, err := t.network.Listen(ctx, bindAddr)
	if err != nil {
		t.cancelBase()
		return nil, &BindError{Addr: bindAddr, Err: err}
	}
	t.ln = ln
	log.Info().Str("component", "transport").Str("network", t.network.Name()).Str("addr", ln.Addr().String()).Msg("listening")

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// NewClient dials targetAddr, retrying with backoff up to
// cfg.MaxConnectAttempts times (negative retries until ctx is done), and runs
// the hello handshake. ctx bounds connection setup only.
func NewClient(ctx context.Context, targetAddr string, cfg Config) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, err := newTransport(RoleClient, cfg)
	if err != nil {
		return nil, err
	}
	conn, peerID, attempts, err := t.connect(ctx, targetAddr)
	if err != nil {
		t.cancelBase()
		return nil, &ConnectError{Addr: targetAddr, Attempts: attempts, Err: err}
	}
	if _, err := t.register(conn, peerID); err != nil {
		_ = conn.Close()
		t.cancelBase()
		return nil, &ConnectError{Addr: targetAddr, Attempts: attempts, Err: err}
	}
	return t, nil
}

func (t *Transport) connect(ctx context.Context, addr string) (net.Conn, string, int, error) {
	if err := t.cfg.TLS.ValidateClient(); err != nil {
		return nil, "", 0, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		attempt++
		conn, peerID, err := t.dialOnce(ctx, addr)
		if err == nil {
			return conn, peerID, attempt, nil
		}
		log.Warn().Str("component", "transport").Int("attempt", attempt).Str("addr", addr).Err(err).Msg("connect attempt failed")
		observability.RecordTransportError("connect")
		if errors.Is(err, ErrHandshakeRejected) || !t.shouldRetry(attempt) {
			return nil, "", attempt, err
		}
		if serr := sleepBackoff(ctx, t.cfg.Backoff, attempt, rng); serr != nil {
			return nil, "", attempt, errors.Join(err, serr)
		}
	}
}

func (t *Transport) dialOnce(ctx context.Context, addr string) (net.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, err := t.network.Dial(dialCtx, addr)
	if err != nil {
		return nil, "", err
	}
	if t.cfg.DisableHandshake {
		return conn, "", nil
	}
	peerID, err := clientHello(conn, t.cfg, addr)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, peerID, nil
}

func (t *Transport) shouldRetry(attempt int) bool {
	if t.cfg.MaxConnectAttempts < 0 {
		return true
	}
	return attempt < t.cfg.MaxConnectAttempts
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.report(fmt.Errorf("transport: accept: %w", err))
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		t.wg.Add(1)
		go t.admit(conn)
	}
}

// admit runs the server side of the handshake for one accepted stream.
func (t *Transport) admit(conn net.Conn) {
	defer t.wg.Done()
	remote := conn.RemoteAddr().String()
	if err := completeTLS(conn, t.cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		observability.RecordConnectionRejected(t.network.Name())
		t.report(fmt.Errorf("transport: tls handshake from %s: %w", remote, err))
		return
	}
	peerID := peerIdentity(conn)
	if t.cfg.TLS.Mutual && peerID == "" {
		_ = conn.Close()
		observability.RecordConnectionRejected(t.network.Name())
		t.report(fmt.Errorf("transport: peer %s: %w", remote, ErrMTLSRequired))
		return
	}
	if !t.cfg.DisableHandshake {
		var err error
		peerID, err = serverHello(conn, t.cfg, peerID)
		if err != nil {
			_ = conn.Close()
			observability.RecordConnectionRejected(t.network.Name())
			log.Warn().Str("component", "transport").Str("remote", remote).Err(err).Msg("handshake failed")
			t.report(fmt.Errorf("transport: handshake from %s: %w", remote, err))
			return
		}
	}
	if _, err := t.register(conn, peerID); err != nil {
		_ = conn.Close()
	}
}

// Attach adopts an established stream without a handshake and returns its
// connection id.
func (t *Transport) Attach(conn net.Conn) (string, error) {
	return t.register(conn, "")
}

func (t *Transport) register(conn net.Conn, peerID string) (string, error) {
	c := newConnection(uuid.NewString(), peerID, t.network.Name(), conn, t.cfg.SendQueueSize)
	c.advance(StateOpen)

	t.mu.Lock()
	if t.isStopping() {
		t.mu.Unlock()
		return "", ErrStopped
	}
	t.conns[c.id] = c
	t.seen = true
	t.wg.Add(2)
	t.mu.Unlock()

	observability.RecordConnectionOpened(c.network)
	log.Info().Str("component", "transport").Str("conn_id", c.id).Str("peer", peerID).Str("remote", c.remote).Msg("connection open")

	go t.readLoop(c)
	go t.writeLoop(c)
	return c.id, nil
}

// SetMessageHandler installs h as the single active handler. The last
// registration wins; nil removes the handler.
func (t *Transport) SetMessageHandler(h Handler) {
	if h == nil {
		t.handler.Store(nil)
		return
	}
	t.handler.Store(&h)
}

// OnError installs a callback for asynchronous errors: connection failures,
// skipped frames and handler errors.
func (t *Transport) OnError(fn func(error)) {
	if fn == nil {
		t.onError.Store(nil)
		return
	}
	t.onError.Store(&fn)
}

func (t *Transport) report(err error) {
	t.stats.errors.Add(1)
	if fn := t.onError.Load(); fn != nil {
		(*fn)(err)
	}
}

// Run dispatches inbound envelopes until ctx is done, Stop is called, or, for
// a client, every connection has closed. It then stops the transport.
func (t *Transport) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	t.startOnce.Do(func() { close(t.started) })

	var idle <-chan struct{}
	if t.role == RoleClient {
		idle = t.idle
	}
	select {
	case <-ctx.Done():
	case <-t.stopping:
	case <-idle:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout+t.cfg.HandshakeTimeout)
	defer cancel()
	return t.Stop(stopCtx)
}

// Stop closes the listener and every connection, then waits for all
// goroutines. Each connection stops reading, lets its in-flight handler
// enqueue a reply, and flushes its queue before it closes.
func (t *Transport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopping) })
	if t.ln != nil {
		_ = t.ln.Close()
	}

	var wg sync.WaitGroup
	for _, c := range t.snapshot() {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			_ = t.closeConn(ctx, c)
		}(c)
	}
	wg.Wait()

	t.pending.failAll(ErrStopped)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.cancelBase()
	return err
}

func (t *Transport) isStopping() bool {
	select {
	case <-t.stopping:
		return true
	default:
		return false
	}
}

// Send queues env on connID without blocking. An empty connID selects the
// only connection.
func (t *Transport) Send(env *protocol.Envelope, connID string) error {
	c, err := t.target(connID)
	if err != nil {
		return err
	}
	raw, err := t.encode(env, 0)
	if err != nil {
		return err
	}
	return t.enqueue(c, raw)
}

func (t *Transport) enqueue(c *connection, raw []byte) error {
	err := c.enqueue(raw)
	if errors.Is(err, ErrBackpressure) {
		t.stats.backpressure.Add(1)
		observability.RecordBackpressure()
	}
	return err
}

// SendContext is Send that waits for queue space instead of failing with
// BackpressureError.
func (t *Transport) SendContext(ctx context.Context, env *protocol.Envelope, connID string) error {
	c, err := t.target(connID)
	if err != nil {
		return err
	}
	raw, err := t.encode(env, 0)
	if err != nil {
		return err
	}
	return t.enqueueWait(ctx, c, raw)
}

func (t *Transport) enqueueWait(ctx context.Context, c *connection, raw []byte) error {
	for {
		space := c.queue.spaceCh()
		err := c.enqueue(raw)
		if !errors.Is(err, ErrBackpressure) {
			return err
		}
		select {
		case <-space:
		case <-c.done:
			return &ConnectionClosedError{ConnID: c.id, Reason: "closed while waiting for queue space"}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Request sends env and waits for the inbound envelope whose correlation-id
// is env's message id. Correlated replies are not passed to the handler.
// Replies are only read while Run is active.
func (t *Transport) Request(ctx context.Context, env *protocol.Envelope, connID string) (*protocol.Envelope, error) {
	c, err := t.target(connID)
	if err != nil {
		return nil, err
	}
	raw, err := t.encode(env, 0)
	if err != nil {
		return nil, err
	}
	reply, err := t.pending.add(env.MessageID(), c.id)
	if err != nil {
		return nil, err
	}
	if err := t.enqueueWait(ctx, c, raw); err != nil {
		t.pending.remove(env.MessageID(), reply)
		return nil, err
	}
	select {
	case res := <-reply:
		return res.env, res.err
	case <-ctx.Done():
		t.pending.remove(env.MessageID(), reply)
		return nil, ctx.Err()
	}
}

// Pending lists requests still waiting for a reply.
func (t *Transport) Pending() []PendingRequest {
	return t.pending.list()
}

// Close stops reading connID, waits for its in-flight handler, moves it from
// Open to Closing, flushes its queue and closes it.
func (t *Transport) Close(ctx context.Context, connID string) error {
	c, ok := t.lookup(connID)
	if !ok {
		return &ConnectionClosedError{ConnID: connID, Reason: "unknown connection"}
	}
	return t.closeConn(ctx, c)
}

// closeConn stops the reader, waits for the envelope it is dispatching (and
// the reply that handler queues), then rejects new sends, flushes and closes.
// Calling it from a handler on its own connection waits until ctx is done.
func (t *Transport) closeConn(ctx context.Context, c *connection) error {
	c.stopReading()
	var err error
	select {
	case <-c.readerDone:
	case <-c.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if c.beginClose() {
		log.Debug().Str("component", "transport").Str("conn_id", c.id).Msg("connection closing")
	}
	if err == nil {
		select {
		case <-c.flushed:
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	t.teardown(c, nil)
	return err
}

// teardown closes the stream and removes c. cause is nil for requested
// closes. Only the first call has any effect.
func (t *Transport) teardown(c *connection, cause error) {
	c.closeOnce.Do(func() {
		prev, _ := c.advance(StateClosed)
		_ = c.conn.Close()
		close(c.done)
		dropped := c.queue.drop()

		t.mu.Lock()
		delete(t.conns, c.id)
		empty := len(t.conns) == 0 && t.seen
		t.mu.Unlock()
		if empty {
			t.idleOnce.Do(func() { close(t.idle) })
		}

		failed := cause != nil && prev == StateOpen
		observability.RecordConnectionClosed(c.network, failed)
		closedErr := &ConnectionClosedError{ConnID: c.id, Reason: "closed", Err: cause}
		t.pending.failConn(c.id, closedErr)

		ev := log.Info()
		if failed {
			ev = log.Warn().Err(cause)
		}
		ev.Str("component", "transport").Str("conn_id", c.id).Str("remote", c.remote).Int("dropped", dropped).Msg("connection closed")
		if failed {
			observability.RecordTransportError("io")
			t.report(closedErr)
		}
	})
}

// readLoop reads and dispatches frames in arrival order. Once draining it
// stops before the next frame and leaves teardown to closeConn.
func (t *Transport) readLoop(c *connection) {
	defer t.wg.Done()
	defer close(c.readerDone)
	select {
	case <-t.started:
	case <-c.done:
		return
	case <-c.drain:
		return
	}

	dec := frame.NewDecoder(t.limits)
	buf := make([]byte, 32*1024)
	for {
		if t.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}
		// Checked after the deadline is set so a concurrent stopReading
		// cannot be overwritten by it.
		if c.draining() {
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for !c.draining() {
				f, ok, ferr := dec.Next()
				if ferr != nil {
					observability.RecordTransportError("frame")
					t.teardown(c, ferr)
					return
				}
				if !ok {
					break
				}
				t.dispatch(c, f)
			}
		}
		if err != nil {
			if c.draining() {
				return
			}
			if errors.Is(err, io.EOF) && dec.Buffered() > 0 {
				err = fmt.Errorf("%w: %d bytes of partial frame", io.ErrUnexpectedEOF, dec.Buffered())
			}
			t.teardown(c, err)
			return
		}
	}
}

func (t *Transport) writeLoop(c *connection) {
	defer t.wg.Done()
	defer close(c.flushed)
	for {
		raw, ok := c.queue.next(c.done)
		if !ok {
			return
		}
		if t.cfg.WriteTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		}
		_, err := c.conn.Write(raw)
		c.queue.release()
		if err != nil {
			t.teardown(c, err)
			return
		}
		c.msgsSent.Add(1)
		c.bytesSent.Add(uint64(len(raw)))
		t.stats.msgsSent.Add(1)
		t.stats.bytesSent.Add(uint64(len(raw)))
		observability.RecordFrame(c.network, "out", len(raw))
	}
}

func (t *Transport) dispatch(c *connection, f frame.Frame) {
	size := frame.HeaderLen + len(f.Body)
	c.msgsRecv.Add(1)
	c.bytesRecv.Add(uint64(size))
	t.stats.msgsRecv.Add(1)
	t.stats.bytesRecv.Add(uint64(size))
	observability.RecordFrame(c.network, "in", size)

	env, err := t.decode(f)
	if err != nil {
		observability.RecordTransportError("decode")
		log.Debug().Str("component", "transport").Str("conn_id", c.id).Err(err).Msg("skipping undecodable frame")
		t.report(&DecodeReport{ConnID: c.id, Err: err})
		return
	}
	log.Debug().Str("component", "transport").Str("conn_id", c.id).Str("op", env.Operation().String()).Str("msg_id", env.MessageID()).Msg("inbound")

	if id := protocol.CorrelationID(env); id != "" && t.pending.resolve(id, env) {
		return
	}
	hp := t.handler.Load()
	if hp == nil {
		log.Debug().Str("component", "transport").Str("conn_id", c.id).Msg("no handler installed; envelope dropped")
		return
	}
	reply, err := t.invoke(*hp, env, c.id)
	if err != nil {
		observability.RecordTransportError("handler")
		t.report(&HandlerError{ConnID: c.id, MessageID: env.MessageID(), Err: err})
		return
	}
	if reply == nil {
		return
	}
	if protocol.CorrelationID(reply) == "" {
		if reply, err = reply.ToBuilder().Capability(protocol.CapCorrelationID, env.MessageID()).Build(); err != nil {
			t.report(&HandlerError{ConnID: c.id, MessageID: env.MessageID(), Err: err})
			return
		}
	}
	raw, err := t.encode(reply, frame.FlagIsResponse)
	if err != nil {
		t.report(&HandlerError{ConnID: c.id, MessageID: env.MessageID(), Err: err})
		return
	}
	if err := t.enqueue(c, raw); err != nil && !errors.Is(err, ErrConnectionClosed) {
		t.report(err)
	}
}

func (t *Transport) invoke(h Handler, env *protocol.Envelope, connID string) (reply *protocol.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(t.baseCtx, env, connID)
}

func (t *Transport) encode(env *protocol.Envelope, flags uint16) ([]byte, error) {
	if env == nil {
		return nil, &protocol.ValidationError{Field: "envelope", Reason: "nil envelope"}
	}
	env, compressed, err := protocol.Compress(env, t.cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}
	if compressed {
		flags |= frame.FlagCompressed
	}
	body, err := t.codec.Marshal(env)
	if err != nil {
		return nil, err
	}
	return frame.Encode(frame.New(uint8(t.codec.ContentType()), flags, body), t.limits)
}

func (t *Transport) decode(f frame.Frame) (*protocol.Envelope, error) {
	codec, err := protocol.CodecFor(protocol.ContentType(f.Header.Codec))
	if err != nil {
		return nil, err
	}
	env, err := codec.Unmarshal(f.Body)
	if err != nil {
		return nil, err
	}
	if f.Header.Flags&frame.FlagCompressed == 0 {
		return env, nil
	}
	return protocol.Decompress(env, 0)
}

func (t *Transport) target(connID string) (*connection, error) {
	connID = strings.TrimSpace(connID)
	if connID != "" {
		c, ok := t.lookup(connID)
		if !ok {
			return nil, &ConnectionClosedError{ConnID: connID, Reason: "unknown connection"}
		}
		return c, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch len(t.conns) {
	case 0:
		return nil, &ConnectionClosedError{Reason: "no open connection"}
	case 1:
		for _, c := range t.conns {
			return c, nil
		}
	}
	return nil, ErrAmbiguousTarget
}

func (t *Transport) lookup(connID string) (*connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[connID]
	return c, ok
}

func (t *Transport) snapshot() []*connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Connections lists live connections ordered by open time.
func (t *Transport) Connections() []ConnectionInfo {
	conns := t.snapshot()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Connection returns one connection's snapshot.
func (t *Transport) Connection(connID string) (ConnectionInfo, bool) {
	c, ok := t.lookup(connID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Addr is the bound listen address for servers and "" otherwise.
func (t *Transport) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *Transport) Role() Role      { return t.role }
func (t *Transport) LocalID() string { return t.cfg.LocalID }
func (t *Transport) Network() string { return t.network.Name() }
func (t *Transport) Config() Config  { return t.cfg }
func (t *Transport) Stats() Stats    { return t.stats.snapshot(len(t.snapshot())) }

// IsRunning reports whether Run is dispatching and Stop has not begun.
func (t *Transport) IsRunning() bool { return t.running.Load() && !t.isStopping() }

// Stopped is closed once Stop begins.
func (t *Transport) Stopped() <-chan struct{} { return t.stopping }
