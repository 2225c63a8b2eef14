// Package peer ties a transport to operation routing, the matrix request
// service and the admin HTTP surface.
package peer

import (
	"context"
	"time"

	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/node"
	"github.com/danmuck/umicp/internal/observability"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Engine serves matrix requests. Nil builds one whose timings feed the
	// matrix metrics.
	Engine *matrix.Engine
	// ServeMatrix routes OpRequest to the matrix service.
	ServeMatrix bool
	// AdminAddr, when set, is where Run serves the admin HTTP routes.
	AdminAddr   string
	CORSOrigins []string
	// AdminToken, when set, guards the mutating admin routes.
	AdminToken string
}

// Peer is one protocol endpoint: a transport plus the handlers it serves.
type Peer struct {
	ID       string    `json:"id"`
	Appeared time.Time `json:"appeared"`

	tr        *transport.Transport
	router    *Router
	matrix    *MatrixService
	http      *gin.Engine
	adminAddr string
}

var _ node.Node = (*Peer)(nil)

// New installs the peer's router as tr's message handler.
func New(localID string, tr *transport.Transport, opts Options) *Peer {
	engine := opts.Engine
	if engine == nil {
		cfg := matrix.DefaultConfig()
		cfg.Observe = observability.RecordMatrixOp
		engine = matrix.New(cfg)
	}
	p := &Peer{
		ID:        localID,
		Appeared:  time.Now(),
		tr:        tr,
		router:    NewRouter(localID),
		matrix:    NewMatrixService(localID, engine),
		adminAddr: opts.AdminAddr,
	}
	if opts.ServeMatrix {
		_ = p.router.Handle(protocol.OpRequest, p.matrix.Handle)
	}
	_ = p.router.Handle(protocol.OpHeartbeat, p.heartbeat)
	p.http = newAdminRouter(localID, opts.CORSOrigins)
	p.RegisterRoutes(opts.AdminToken)
	tr.SetMessageHandler(p.router.Dispatch)
	return p
}

func (p *Peer) NodeID() string                  { return p.ID }
func (p *Peer) Kind() string                    { return "umicp" }
func (p *Peer) HTTPRouter() *gin.Engine         { return p.http }
func (p *Peer) Transport() *transport.Transport { return p.tr }
func (p *Peer) Router() *Router                 { return p.router }
func (p *Peer) Matrix() *MatrixService          { return p.matrix }

func (p *Peer) Handle(op protocol.Operation, h HandlerFunc) error {
	return p.router.Handle(op, h)
}

func (p *Peer) Unhandle(op protocol.Operation) {
	p.router.Unhandle(op)
}

// Run runs the transport and, when configured, the admin HTTP server. It
// returns when either stops.
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.tr.Run(gctx)
	})
	if p.adminAddr != "" {
		g.Go(func() error {
			return p.ServeAdmin(gctx, p.adminAddr)
		})
	}
	log.Info().Str("component", "peer").Str("id", p.ID).Str("role", string(p.tr.Role())).Str("admin", p.adminAddr).Msg("peer running")
	return g.Wait()
}

// SendControl queues a control envelope and returns its message id.
func (p *Peer) SendControl(to, command, params, connID string) (string, error) {
	env, err := protocol.NewControl(p.ID, to, command, params)
	if err != nil {
		return "", err
	}
	return p.send(env, connID)
}

func (p *Peer) SendData(to string, payload []byte, hint protocol.PayloadHint, connID string) (string, error) {
	env, err := protocol.NewData(p.ID, to, payload, hint)
	if err != nil {
		return "", err
	}
	return p.send(env, connID)
}

func (p *Peer) SendAck(to, ackedID, connID string) (string, error) {
	env, err := protocol.NewAck(p.ID, to, ackedID)
	if err != nil {
		return "", err
	}
	return p.send(env, connID)
}

func (p *Peer) SendError(to, code, message, originalID, connID string) (string, error) {
	env, err := protocol.NewError(p.ID, to, code, message, originalID)
	if err != nil {
		return "", err
	}
	return p.send(env, connID)
}

func (p *Peer) send(env *protocol.Envelope, connID string) (string, error) {
	if err := p.tr.Send(env, connID); err != nil {
		return "", err
	}
	return env.MessageID(), nil
}

// Client returns a matrix client bound to connID.
func (p *Peer) Client(connID string) *Client {
	return &Client{tr: p.tr, localID: p.ID, connID: connID}
}

func (p *Peer) heartbeat(_ context.Context, env *protocol.Envelope, _ string) (*protocol.Envelope, error) {
	return protocol.ReplyTo(env, protocol.OpAck).
		From(p.ID).
		Capability(protocol.CapAckedMessageID, env.MessageID()).
		Build()
}
