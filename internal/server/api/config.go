package api

import "time"

// Config configures the sync HTTP server.
type Config struct {
	// Port is the HTTP port for both the REST endpoints and the
	// websocket sync endpoint. Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading a request.
	// Upgraded sync connections are not affected. Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds response writes. Default: 10s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle limit. Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ChunkSize bounds changes per outbound chunk. Default: 100
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	// AckTimeout is the per-chunk acknowledgement deadline. Default: 30s
	AckTimeout time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`

	// HeartbeatInterval drives the websocket read deadline. Default: 5m
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
}
