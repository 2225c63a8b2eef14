// Package config loads umicpd settings from TOML with UMICP_* environment
// overrides and converts them into the runtime configs of the core packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/umicp/internal/auth"
	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/protocol/frame"
	"github.com/danmuck/umicp/internal/transport"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Duration reads and writes Go duration strings ("5s") in TOML and env.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Node      NodeSection      `toml:"node"`
	Transport TransportSection `toml:"transport"`
	Envelope  EnvelopeSection  `toml:"envelope"`
	Matrix    MatrixSection    `toml:"matrix"`
	Admin     AdminSection     `toml:"admin"`
}

type NodeSection struct {
	ID string `toml:"id" env:"UMICP_NODE_ID"`
}

type TransportSection struct {
	Network            string     `toml:"network" env:"UMICP_NETWORK"`
	Listen             string     `toml:"listen" env:"UMICP_LISTEN"`
	Connect            string     `toml:"connect" env:"UMICP_CONNECT"`
	WebSocketPath      string     `toml:"websocket_path" env:"UMICP_WEBSOCKET_PATH"`
	SendQueueSize      int        `toml:"send_queue_size" env:"UMICP_SEND_QUEUE_SIZE"`
	MaxFrameBytes      uint32     `toml:"max_frame_bytes" env:"UMICP_MAX_FRAME_BYTES"`
	ConnectTimeout     Duration   `toml:"connect_timeout" env:"UMICP_CONNECT_TIMEOUT"`
	HandshakeTimeout   Duration   `toml:"handshake_timeout" env:"UMICP_HANDSHAKE_TIMEOUT"`
	ReadTimeout        Duration   `toml:"read_timeout" env:"UMICP_READ_TIMEOUT"`
	WriteTimeout       Duration   `toml:"write_timeout" env:"UMICP_WRITE_TIMEOUT"`
	MaxConnectAttempts int        `toml:"max_connect_attempts" env:"UMICP_MAX_CONNECT_ATTEMPTS"`
	DisableHandshake   bool       `toml:"disable_handshake" env:"UMICP_DISABLE_HANDSHAKE"`
	AllowedPeers       []string   `toml:"allowed_peers" env:"UMICP_ALLOWED_PEERS" envSeparator:","`
	TLS                TLSSection `toml:"tls"`
}

type TLSSection struct {
	Enabled            bool   `toml:"enabled" env:"UMICP_TLS_ENABLED"`
	Mutual             bool   `toml:"mutual" env:"UMICP_TLS_MUTUAL"`
	CertFile           string `toml:"cert_file" env:"UMICP_TLS_CERT_FILE"`
	KeyFile            string `toml:"key_file" env:"UMICP_TLS_KEY_FILE"`
	CAFile             string `toml:"ca_file" env:"UMICP_TLS_CA_FILE"`
	ServerName         string `toml:"server_name" env:"UMICP_TLS_SERVER_NAME"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" env:"UMICP_TLS_INSECURE_SKIP_VERIFY"`
}

type EnvelopeSection struct {
	Codec                string `toml:"codec" env:"UMICP_CODEC"`
	CompressionThreshold int    `toml:"compression_threshold" env:"UMICP_COMPRESSION_THRESHOLD"`
}

type MatrixSection struct {
	ParallelThreshold int `toml:"parallel_threshold" env:"UMICP_MATRIX_PARALLEL_THRESHOLD"`
	Workers           int `toml:"workers" env:"UMICP_MATRIX_WORKERS"`
}

type AdminSection struct {
	Listen      string   `toml:"listen" env:"UMICP_ADMIN_LISTEN"`
	CORSOrigins []string `toml:"cors_origins" env:"UMICP_ADMIN_CORS_ORIGINS" envSeparator:","`
	// Token, when set, is required as a bearer token on mutating admin routes.
	Token string `toml:"token" env:"UMICP_ADMIN_TOKEN"`
}

func Default() Config {
	return Config{
		Node: NodeSection{ID: "umicp-node"},
		Transport: TransportSection{
			Network:            transport.NetworkTCP,
			Listen:             "127.0.0.1:7400",
			Connect:            "127.0.0.1:7400",
			WebSocketPath:      transport.DefaultWebSocketPath,
			SendQueueSize:      transport.DefaultSendQueueSize,
			MaxFrameBytes:      frame.DefaultLimits().MaxFrameBytes,
			ConnectTimeout:     Duration(5 * time.Second),
			HandshakeTimeout:   Duration(5 * time.Second),
			WriteTimeout:       Duration(15 * time.Second),
			MaxConnectAttempts: 3,
		},
		Envelope: EnvelopeSection{
			Codec:                protocol.ContentTypeBinary.String(),
			CompressionThreshold: 1024,
		},
		Matrix: MatrixSection{
			ParallelThreshold: matrix.DefaultParallelThreshold,
		},
		Admin: AdminSection{
			CORSOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load overlays the TOML file at path (skipped when path is empty) and then
// UMICP_* environment variables on Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config env overrides: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile decodes into cfg so keys absent from the file keep their
// defaults. Unknown keys are rejected.
func decodeFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) normalize() {
	c.Node.ID = strings.TrimSpace(c.Node.ID)
	c.Transport.Network = strings.ToLower(strings.TrimSpace(c.Transport.Network))
	c.Transport.Listen = strings.TrimSpace(c.Transport.Listen)
	c.Transport.Connect = strings.TrimSpace(c.Transport.Connect)
	c.Envelope.Codec = strings.ToLower(strings.TrimSpace(c.Envelope.Codec))
	c.Admin.Listen = strings.TrimSpace(c.Admin.Listen)
	peers := c.Transport.AllowedPeers[:0]
	for _, p := range c.Transport.AllowedPeers {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	if len(peers) == 0 {
		peers = nil
	}
	c.Transport.AllowedPeers = peers
}

func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("%w: node.id is required", ErrInvalidConfig)
	}
	if c.Transport.SendQueueSize < 0 {
		return fmt.Errorf("%w: transport.send_queue_size must not be negative", ErrInvalidConfig)
	}
	if c.Transport.MaxFrameBytes > 0 && c.Transport.MaxFrameBytes < frame.HeaderLen {
		return fmt.Errorf("%w: transport.max_frame_bytes %d is below the frame header size", ErrInvalidConfig, c.Transport.MaxFrameBytes)
	}
	for name, d := range map[string]Duration{
		"connect_timeout":   c.Transport.ConnectTimeout,
		"handshake_timeout": c.Transport.HandshakeTimeout,
		"read_timeout":      c.Transport.ReadTimeout,
		"write_timeout":     c.Transport.WriteTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: transport.%s must not be negative", ErrInvalidConfig, name)
		}
	}
	if c.Matrix.Workers < 0 || c.Matrix.ParallelThreshold < 0 {
		return fmt.Errorf("%w: matrix workers and parallel_threshold must not be negative", ErrInvalidConfig)
	}
	tc, err := c.TransportConfig()
	if err != nil {
		return err
	}
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Transport.TLS.Enabled || c.Transport.TLS.Mutual {
		if c.Transport.Listen != "" {
			if err := tc.TLS.ValidateServer(); err != nil {
				return fmt.Errorf("%w: transport.tls (server): %v", ErrInvalidConfig, err)
			}
		}
		if c.Transport.Connect != "" {
			if err := tc.TLS.ValidateClient(); err != nil {
				return fmt.Errorf("%w: transport.tls (client): %v", ErrInvalidConfig, err)
			}
		}
	}
	return nil
}

// TransportConfig converts the transport and envelope sections.
func (c Config) TransportConfig() (transport.Config, error) {
	codec, err := protocol.ParseContentType(c.Envelope.Codec)
	if err != nil {
		return transport.Config{}, fmt.Errorf("%w: envelope.codec: %v", ErrInvalidConfig, err)
	}
	t := c.Transport
	out := transport.Config{
		LocalID:              c.Node.ID,
		Network:              t.Network,
		WebSocketPath:        t.WebSocketPath,
		Codec:                codec,
		CompressionThreshold: c.Envelope.CompressionThreshold,
		SendQueueSize:        t.SendQueueSize,
		MaxFrameBytes:        t.MaxFrameBytes,
		ConnectTimeout:       t.ConnectTimeout.Std(),
		HandshakeTimeout:     t.HandshakeTimeout.Std(),
		ReadTimeout:          t.ReadTimeout.Std(),
		WriteTimeout:         t.WriteTimeout.Std(),
		MaxConnectAttempts:   t.MaxConnectAttempts,
		DisableHandshake:     t.DisableHandshake,
		TLS: transport.TLSConfig{
			Enabled:            t.TLS.Enabled,
			Mutual:             t.TLS.Mutual,
			CertFile:           t.TLS.CertFile,
			KeyFile:            t.TLS.KeyFile,
			CAFile:             t.TLS.CAFile,
			ServerName:         t.TLS.ServerName,
			InsecureSkipVerify: t.TLS.InsecureSkipVerify,
		},
	}
	if len(t.AllowedPeers) > 0 {
		out.AcceptPeer = auth.NewAllowList(t.AllowedPeers...).Validate
	}
	return out.WithDefaults(), nil
}

// MatrixConfig converts the matrix section. Observe is left for the caller.
func (c Config) MatrixConfig() matrix.Config {
	return matrix.Config{
		ParallelThreshold: c.Matrix.ParallelThreshold,
		Workers:           c.Matrix.Workers,
	}
}
