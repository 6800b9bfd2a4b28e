package bridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is constructed once at startup and handed to every component that
// needs it.
type Config struct {
	// MaxHandshakeAttempts bounds the initial handshake retries of a client.
	MaxHandshakeAttempts int `yaml:"max_handshake_attempts"`
	// ConnectPollInterval is how often the client coordinator polls the engine
	// while connecting.
	ConnectPollInterval time.Duration `yaml:"connect_poll_interval"`
	// ReadChunkSize caps the buffer handed to the consumer per read notification.
	ReadChunkSize int `yaml:"read_chunk_size"`
	// StreamReceiveWindow caps bytes the engine binding buffers per stream before
	// it stops reading from the network.
	StreamReceiveWindow int `yaml:"stream_receive_window"`
	// DefaultStreamErrorCode is used for reset/stop-sending signals synthesized at teardown.
	DefaultStreamErrorCode uint32 `yaml:"default_stream_error_code"`
	// DetachSessionCode and DetachSessionMessage are reported when a session is
	// torn down by the dispatcher rather than by the engine.
	DetachSessionCode    uint32 `yaml:"detach_session_code"`
	DetachSessionMessage string `yaml:"detach_session_message"`
	// MaxDatagramSize is the datagram payload limit the binding advertises.
	MaxDatagramSize int `yaml:"max_datagram_size"`
	// EgressBytesPerSecond caps the packet writer; 0 means unlimited.
	EgressBytesPerSecond int64 `yaml:"egress_bytes_per_second"`
	// MaxPacketSize is the largest UDP payload the packet writer accepts.
	MaxPacketSize int `yaml:"max_packet_size"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		MaxHandshakeAttempts:   4,
		ConnectPollInterval:    25 * time.Millisecond,
		ReadChunkSize:          16 * 1024,
		StreamReceiveWindow:    256 * 1024,
		DefaultStreamErrorCode: 0,
		DetachSessionCode:      0,
		DetachSessionMessage:   "session detached",
		MaxDatagramSize:        1200,
		EgressBytesPerSecond:   0,
		MaxPacketSize:          1452,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (cfg *Config) Validate() error {
	var errs []string

	if cfg.MaxHandshakeAttempts <= 0 {
		errs = append(errs, "max_handshake_attempts must be positive")
	}
	if cfg.ConnectPollInterval <= 0 {
		errs = append(errs, "connect_poll_interval must be positive")
	}
	if cfg.ReadChunkSize <= 0 {
		errs = append(errs, "read_chunk_size must be positive")
	}
	if cfg.StreamReceiveWindow < cfg.ReadChunkSize {
		errs = append(errs, "stream_receive_window must be at least read_chunk_size")
	}
	if cfg.MaxDatagramSize <= 0 {
		errs = append(errs, "max_datagram_size must be positive")
	}
	if cfg.EgressBytesPerSecond < 0 {
		errs = append(errs, "egress_bytes_per_second cannot be negative")
	}
	if cfg.MaxPacketSize < 1200 {
		errs = append(errs, "max_packet_size must be at least 1200")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}
