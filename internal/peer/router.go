package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/umicp/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Error codes carried in error-code on OpError replies.
const (
	CodeUnhandledOperation = "unhandled_operation"
	CodeUnknownCommand     = "unknown_command"
	CodeDimensionMismatch  = "dimension_mismatch"
	CodeInvalidPayload     = "invalid_payload"
	CodeInternal           = "internal_error"
)

// HandlerFunc handles one routed envelope. A non-nil reply is sent back on
// connID.
type HandlerFunc func(ctx context.Context, env *protocol.Envelope, connID string) (*protocol.Envelope, error)

// Router dispatches inbound envelopes by operation. It is installed as the
// transport's single message handler.
type Router struct {
	localID string

	mu     sync.RWMutex
	routes map[protocol.Operation]HandlerFunc
}

func NewRouter(localID string) *Router {
	return &Router{localID: localID, routes: make(map[protocol.Operation]HandlerFunc)}
}

// Handle routes op to h, replacing any earlier route.
func (r *Router) Handle(op protocol.Operation, h HandlerFunc) error {
	if !op.Valid() {
		return fmt.Errorf("%w: %s", protocol.ErrInvalidOperation, op)
	}
	if h == nil {
		return fmt.Errorf("peer: nil handler for %s", op)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[op] = h
	return nil
}

func (r *Router) Unhandle(op protocol.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, op)
}

// Operations lists routed operations in tag order.
func (r *Router) Operations() []protocol.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]protocol.Operation, 0, len(r.routes))
	for op := range r.routes {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Dispatch is a transport.Handler. Unrouted operations are answered with an
// OpError reply, except acks and errors, which are dropped so two peers never
// bounce errors back and forth.
func (r *Router) Dispatch(ctx context.Context, env *protocol.Envelope, connID string) (*protocol.Envelope, error) {
	r.mu.RLock()
	h, ok := r.routes[env.Operation()]
	r.mu.RUnlock()
	if ok {
		return h(ctx, env, connID)
	}

	switch env.Operation() {
	case protocol.OpAck, protocol.OpError:
		log.Debug().
			Str("component", "peer").
			Str("conn_id", connID).
			Str("op", env.Operation().String()).
			Str("msg_id", env.MessageID()).
			Msg("unrouted envelope dropped")
		return nil, nil
	}
	log.Debug().
		Str("component", "peer").
		Str("conn_id", connID).
		Str("op", env.Operation().String()).
		Msg("unhandled operation")
	return protocol.NewError(r.localID, env.From(), CodeUnhandledOperation,
		"no handler for operation "+env.Operation().String(), env.MessageID())
}
