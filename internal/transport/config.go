package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/protocol/frame"
)

const (
	NetworkTCP       = "tcp"
	NetworkWebSocket = "websocket"

	DefaultSendQueueSize = 256
	DefaultWebSocketPath = "/umicp"
)

// Config is passed explicitly to NewServer, NewClient and New. Zero fields
// take the values from DefaultConfig.
type Config struct {
	// LocalID is this endpoint's identity in handshakes.
	LocalID       string
	Network       string
	WebSocketPath string
	Codec         protocol.ContentType
	// CompressionThreshold deflates outbound payloads at or above this many
	// bytes; 0 disables compression.
	CompressionThreshold int
	SendQueueSize        int
	MaxFrameBytes        uint32

	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig

	DisableHandshake bool
	// AcceptPeer, when set, vets the peer id presented in a server-side hello.
	AcceptPeer func(peerID string) error

	TLS TLSConfig
}

func DefaultConfig() Config {
	return Config{
		LocalID:            "umicp",
		Network:            NetworkTCP,
		WebSocketPath:      DefaultWebSocketPath,
		Codec:              protocol.ContentTypeBinary,
		SendQueueSize:      DefaultSendQueueSize,
		MaxFrameBytes:      frame.DefaultLimits().MaxFrameBytes,
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       15 * time.Second,
		MaxConnectAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.LocalID) == "" {
		c.LocalID = def.LocalID
	}
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	if c.Network == "" {
		c.Network = def.Network
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	if c.Codec == 0 {
		c.Codec = def.Codec
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	switch c.Network {
	case NetworkTCP, NetworkWebSocket:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, c.Network)
	}
	if _, err := protocol.CodecFor(c.Codec); err != nil {
		return err
	}
	if c.Network == NetworkWebSocket && !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("transport: websocket path must start with /: %q", c.WebSocketPath)
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("transport: negative compression threshold %d", c.CompressionThreshold)
	}
	return nil
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxFrameBytes}
}
