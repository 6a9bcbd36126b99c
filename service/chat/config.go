package chat

import "time"

// Config tunes the realtime core. Zero values are replaced by Norm.
type Config struct {
	AuthTimeout    time.Duration `yaml:"auth_timeout" envconfig:"AUTH_TIMEOUT"`       // connect -> authenticated
	SendBuffer     int           `yaml:"send_buffer" envconfig:"SEND_BUFFER"`         // per-connection outbound queue
	WriteTimeout   time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`     // one frame write
	PongTimeout    time.Duration `yaml:"pong_timeout" envconfig:"PONG_TIMEOUT"`       // read idle limit
	PingPeriod     time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`         // must stay below PongTimeout
	MaxFrameBytes  int64         `yaml:"max_frame_bytes" envconfig:"MAX_FRAME_BYTES"` // inbound frame limit
	Shards         int           `yaml:"shards"`                                      // lock stripes for registry, rooms and presence
	PresenceTTL    time.Duration `yaml:"presence_ttl" envconfig:"PRESENCE_TTL"`       // redis mirror key lifetime
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"` // store calls made on behalf of a frame
}

func (c *Config) Norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongTimeout {
		c.PingPeriod = c.PongTimeout * 9 / 10
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.Shards <= 0 {
		c.Shards = 64
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 90 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}
