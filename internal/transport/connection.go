package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection lifecycle state. Transitions only move forward;
// Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a point-in-time snapshot of one connection.
type ConnectionInfo struct {
	ID               string    `json:"id"`
	PeerID           string    `json:"peer_id,omitempty"`
	RemoteAddr       string    `json:"remote_addr"`
	Network          string    `json:"network"`
	State            string    `json:"state"`
	OpenedAt         time.Time `json:"opened_at"`
	Queued           int       `json:"queued"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	BytesSent        uint64    `json:"bytes_sent"`
	BytesReceived    uint64    `json:"bytes_received"`
}

type connection struct {
	id       string
	peerID   string
	remote   string
	network  string
	openedAt time.Time
	conn     net.Conn

	state atomic.Int32
	queue *sendQueue

	// done closes once the stream is torn down; flushed closes when the
	// writer goroutine exits. drain asks the reader to stop taking frames and
	// readerDone closes when it has, after any in-flight dispatch returned.
	done       chan struct{}
	flushed    chan struct{}
	drain      chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	drainOnce  sync.Once

	msgsSent  atomic.Uint64
	msgsRecv  atomic.Uint64
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

func newConnection(id, peerID, network string, conn net.Conn, queueSize int) *connection {
	c := &connection{
		id:       id,
		peerID:   peerID,
		network:  network,
		openedAt: time.Now().UTC(),
		conn:     conn,
		queue:    newSendQueue(queueSize),
		done:       make(chan struct{}),
		flushed:    make(chan struct{}),
		drain:      make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	return c
}

func (c *connection) State() State {
	return State(c.state.Load())
}

// advance moves the state forward to next. It returns the previous state and
// whether the transition happened.
func (c *connection) advance(next State) (State, bool) {
	for {
		cur := c.state.Load()
		if State(cur) >= next {
			return State(cur), false
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			return State(cur), true
		}
	}
}

// stopReading asks the reader to finish. A past read deadline unblocks a
// pending Read; the stream itself stays open so replies can still flush.
func (c *connection) stopReading() {
	c.drainOnce.Do(func() {
		close(c.drain)
		_ = c.conn.SetReadDeadline(time.Now())
	})
}

func (c *connection) draining() bool {
	select {
	case <-c.drain:
		return true
	default:
		return false
	}
}

// beginClose moves Open to Closing. Sends are rejected from then on.
func (c *connection) beginClose() bool {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false
	}
	c.queue.close()
	return true
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:               c.id,
		PeerID:           c.peerID,
		RemoteAddr:       c.remote,
		Network:          c.network,
		State:            c.State().String(),
		OpenedAt:         c.openedAt,
		Queued:           c.queue.len(),
		MessagesSent:     c.msgsSent.Load(),
		MessagesReceived: c.msgsRecv.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
	}
}

func (c *connection) enqueue(raw []byte) error {
	if c.State() != StateOpen {
		return &ConnectionClosedError{ConnID: c.id, Reason: "state " + c.State().String()}
	}
	switch err := c.queue.push(raw); err {
	case nil:
		return nil
	case errQueueFull:
		return &BackpressureError{ConnID: c.id, Limit: c.queue.limit}
	default:
		return &ConnectionClosedError{ConnID: c.id, Reason: "closing"}
	}
}

type queueErr string

func (e queueErr) Error() string { return string(e) }

const (
	errQueueFull   = queueErr("queue full")
	errQueueClosed = queueErr("queue closed")
)

// sendQueue is a bounded FIFO of encoded frames. The frame being written
// counts against the bound until the write completes.
type sendQueue struct {
	mu       sync.Mutex
	items    [][]byte
	inflight int
	limit    int
	closing  bool
	wake     chan struct{}
	space    chan struct{}
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{
		limit: limit,
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}),
	}
}

func (q *sendQueue) push(raw []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return errQueueClosed
	}
	if len(q.items)+q.inflight >= q.limit {
		return errQueueFull
	}
	q.items = append(q.items, raw)
	q.signal()
	return nil
}

func (q *sendQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until a frame is available. ok is false once the queue is
// closing and empty, or stop is closed.
func (q *sendQueue) next(stop <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			raw := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.inflight = 1
			q.mu.Unlock()
			return raw, true
		}
		closing := q.closing
		q.mu.Unlock()
		if closing {
			return nil, false
		}
		select {
		case <-q.wake:
		case <-stop:
			return nil, false
		}
	}
}

// release marks the in-flight frame written and wakes blocked senders.
func (q *sendQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = 0
	close(q.space)
	q.space = make(chan struct{})
}

// spaceCh returns a channel closed the next time an entry leaves the queue.
func (q *sendQueue) spaceCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.space
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closing = true
	q.signal()
}

// drop discards pending frames after the stream is gone.
func (q *sendQueue) drop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.closing = true
	q.signal()
	return n
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}
