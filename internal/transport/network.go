package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Network produces the byte streams a Transport frames envelopes over.
type Network interface {
	Name() string
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// NewNetwork returns the Network selected by cfg.Network.
func NewNetwork(cfg Config) (Network, error) {
	switch cfg.Network {
	case NetworkTCP:
		return &TCPNetwork{TLS: cfg.TLS, HandshakeTimeout: cfg.HandshakeTimeout}, nil
	case NetworkWebSocket:
		return &WebSocketNetwork{Path: cfg.WebSocketPath, TLS: cfg.TLS, HandshakeTimeout: cfg.HandshakeTimeout}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, cfg.Network)
	}
}

// TCPNetwork carries frames directly on TCP, optionally wrapped in TLS.
type TCPNetwork struct {
	TLS              TLSConfig
	HandshakeTimeout time.Duration
}

func (n *TCPNetwork) Name() string { return NetworkTCP }

func (n *TCPNetwork) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !n.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := n.TLS.serverConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func (n *TCPNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !n.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := n.TLS.clientConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, n.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// WebSocketNetwork carries each frame as one binary websocket message.
type WebSocketNetwork struct {
	Path             string
	TLS              TLSConfig
	HandshakeTimeout time.Duration
}

func (n *WebSocketNetwork) Name() string { return NetworkWebSocket }

func (n *WebSocketNetwork) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if n.TLS.Enabled {
		tlsCfg, err := n.TLS.serverConfig()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	wl := &wsListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: n.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(n.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Str("component", "transport").Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		conn := newWSConn(ws)
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			conn.identity = identityFromCert(r.TLS.PeerCertificates[0])
		}
		select {
		case wl.conns <- conn:
		case <-wl.closed:
			_ = ws.Close()
		}
	})
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: n.HandshakeTimeout}
	go func() {
		if err := wl.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Str("component", "transport").Err(err).Msg("websocket listener stopped")
		}
	}()
	return wl, nil
}

func (n *WebSocketNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: n.HandshakeTimeout}
	scheme := "ws"
	if n.TLS.Enabled {
		tlsCfg, err := n.TLS.clientConfig(addr)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: n.Path}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

// wsListener adapts upgraded websocket connections to net.Listener.
type wsListener struct {
	ln        net.Listener
	srv       *http.Server
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

// wsConn presents a websocket as a byte stream. Reads concatenate binary
// messages; every Write is sent as one binary message.
type wsConn struct {
	ws       *websocket.Conn
	reader   io.Reader
	wmu      sync.Mutex
	identity string
}

func (c *wsConn) peerIdentity() string { return c.identity }

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
