package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/umicp/internal/protocol"
)

// PendingRequest describes one Request awaiting its correlated reply.
type PendingRequest struct {
	MessageID string    `json:"message_id"`
	ConnID    string    `json:"conn_id"`
	SentAt    time.Time `json:"sent_at"`
}

type pendingResult struct {
	env *protocol.Envelope
	err error
}

type pendingEntry struct {
	meta  PendingRequest
	reply chan pendingResult
}

// pendingTable stores in-flight requests by message id.
type pendingTable struct {
	mu    sync.RWMutex
	items map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]*pendingEntry)}
}

// add registers a request. A message id that is already pending is rejected
// so the earlier caller keeps its reply.
func (p *pendingTable) add(messageID, connID string) (<-chan pendingResult, error) {
	key := strings.TrimSpace(messageID)
	entry := &pendingEntry{
		meta:  PendingRequest{MessageID: key, ConnID: connID, SentAt: time.Now().UTC()},
		reply: make(chan pendingResult, 1),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[key]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateRequest, key)
	}
	p.items[key] = entry
	return entry.reply, nil
}

// resolve delivers env to the request it answers. It reports false when no
// request with that id is pending.
func (p *pendingTable) resolve(messageID string, env *protocol.Envelope) bool {
	entry, ok := p.take(messageID)
	if !ok {
		return false
	}
	entry.reply <- pendingResult{env: env}
	return true
}

func (p *pendingTable) take(messageID string) (*pendingEntry, bool) {
	key := strings.TrimSpace(messageID)
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	return entry, ok
}

// remove drops the entry for messageID only if it is still the one that
// owns reply.
func (p *pendingTable) remove(messageID string, reply <-chan pendingResult) {
	key := strings.TrimSpace(messageID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.items[key]; ok && entry.reply == reply {
		delete(p.items, key)
	}
}

// failConn fails every request sent on connID.
func (p *pendingTable) failConn(connID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.items {
		if entry.meta.ConnID != connID {
			continue
		}
		delete(p.items, key)
		entry.reply <- pendingResult{err: err}
	}
}

func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.items {
		delete(p.items, key)
		entry.reply <- pendingResult{err: err}
	}
}

func (p *pendingTable) list() []PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, entry := range p.items {
		out = append(out, entry.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
