package natsx

import "time"

type Mode string

const (
	Core      Mode = "core"      // fire and forget
	JetStream Mode = "jetstream" // persisted, per-node durable push consumer
)

type Config struct {
	Servers       []string      `yaml:"servers" envconfig:"SERVERS"`
	Name          string        `yaml:"name" envconfig:"NAME"`
	User          string        `yaml:"user" envconfig:"USER"`
	Password      string        `yaml:"password" envconfig:"PASSWORD"`
	Subject       string        `yaml:"subject" envconfig:"SUBJECT"`
	Stream        string        `yaml:"stream" envconfig:"STREAM"`
	Mode          Mode          `yaml:"mode" envconfig:"MODE"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" envconfig:"RECONNECT_WAIT"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	AckWait       time.Duration `yaml:"ack_wait" envconfig:"ACK_WAIT"`
	MaxAckPending int           `yaml:"max_ack_pending" envconfig:"MAX_ACK_PENDING"`
	Retries       int           `yaml:"retries" envconfig:"RETRIES"`
	Backoff       time.Duration `yaml:"backoff" envconfig:"BACKOFF"`
}

func (c *Config) Norm() {
	if c.Name == "" {
		c.Name = "chatnow"
	}
	if c.Subject == "" {
		c.Subject = "chatnow.relay"
	}
	if c.Stream == "" {
		c.Stream = "CHATNOW_RELAY"
	}
	if c.Mode == "" {
		c.Mode = Core
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = 1024
	}
	if c.Backoff == 0 {
		c.Backoff = 100 * time.Millisecond
	}
}
