package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"

	"chatnow/tools/errs"
)

type Config struct {
	Brokers           []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic             string   `yaml:"topic" envconfig:"TOPIC"`
	GroupPrefix       string   `yaml:"group_prefix" envconfig:"GROUP_PREFIX"`
	Version           string   `yaml:"version" envconfig:"VERSION"`
	Compression       string   `yaml:"compression" envconfig:"COMPRESSION"` // none/snappy/lz4/zstd
	InitialOffset     string   `yaml:"initial_offset" envconfig:"INITIAL_OFFSET"`
	Retries           int      `yaml:"retries" envconfig:"RETRIES"`
	Partitions        int32    `yaml:"partitions" envconfig:"PARTITIONS"`
	ReplicationFactor int16    `yaml:"replication_factor" envconfig:"REPLICATION_FACTOR"`
	AutoCreateTopic   bool     `yaml:"auto_create_topic" envconfig:"AUTO_CREATE_TOPIC"`
}

func (c *Config) Norm() {
	if c.Topic == "" {
		c.Topic = "chatnow.relay"
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = "chatnow-node-"
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "newest"
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.Partitions <= 0 {
		c.Partitions = 3
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
}

// BuildSaramaConfig turns c into a validated sarama config for producing
// and consuming. Messages are partitioned by key hash.
func BuildSaramaConfig(c Config) (*sarama.Config, error) {
	c.Norm()
	cfg := sarama.NewConfig()
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka version", "version", c.Version)
	}
	cfg.Version = ver

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	switch strings.ToLower(c.InitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	cfg.Admin.Timeout = 15 * time.Second
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("sarama config", "err", err)
	}
	return cfg, nil
}
