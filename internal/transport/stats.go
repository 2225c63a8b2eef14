package transport

import "sync/atomic"

// Stats aggregates traffic over the transport's lifetime.
type Stats struct {
	MessagesSent          uint64 `json:"messages_sent"`
	MessagesReceived      uint64 `json:"messages_received"`
	BytesSent             uint64 `json:"bytes_sent"`
	BytesReceived         uint64 `json:"bytes_received"`
	Errors                uint64 `json:"errors"`
	BackpressureRejection uint64 `json:"backpressure_rejections"`
	ActiveConnections     int    `json:"active_connections"`
}

type counters struct {
	msgsSent     atomic.Uint64
	msgsRecv     atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64
	errors       atomic.Uint64
	backpressure atomic.Uint64
}

func (c *counters) snapshot(active int) Stats {
	return Stats{
		MessagesSent:          c.msgsSent.Load(),
		MessagesReceived:      c.msgsRecv.Load(),
		BytesSent:             c.bytesSent.Load(),
		BytesReceived:         c.bytesRecv.Load(),
		Errors:                c.errors.Load(),
		BackpressureRejection: c.backpressure.Load(),
		ActiveConnections:     active,
	}
}
