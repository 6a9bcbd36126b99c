package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"chatnow/data/database/mgo/mongoutil"
	"chatnow/logger"
	"chatnow/service/chat"
	"chatnow/service/dispatcher/kafka"
	"chatnow/service/nacos"
	"chatnow/service/natsx"
	rds "chatnow/service/storage/redis"
	"chatnow/tools/errs"
)

// EnvPrefix prefixes every environment override, e.g. CHATNOW_NODE_ID.
const EnvPrefix = "CHATNOW"

const (
	StorageMongo  = "mongo"
	StorageMemory = "memory"

	RelayNone  = "none"
	RelayNats  = "nats"
	RelayKafka = "kafka"

	DiscoveryNone  = "none"
	DiscoveryNacos = "nacos"
)

type AppConfig struct {
	Node      NodeConfig       `yaml:"node"`
	Log       logger.Options   `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	Mongo     mongoutil.Config `yaml:"mongo"`
	Redis     RedisConfig      `yaml:"redis"`
	JWT       JWTConfig        `yaml:"jwt"`
	Realtime  chat.Config      `yaml:"realtime"`
	Relay     RelayConfig      `yaml:"relay"`
	Discovery DiscoveryConfig  `yaml:"discovery"`
}

type NodeConfig struct {
	ID       int64  `yaml:"id" validate:"gte=0,lte=1023"`
	Name     string `yaml:"name"`
	Port     int    `yaml:"port" validate:"gt=0,lt=65536"`
	GrpcPort int    `yaml:"grpc_port" envconfig:"GRPC_PORT" validate:"gt=0,lt=65536"`
	// AllowedOrigins restricts the websocket handshake; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=mongo memory"`
}

type RedisConfig struct {
	rds.Config `yaml:",inline"`
	Enabled    bool `yaml:"enabled"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret" validate:"required,min=16"`
	Alg    string        `yaml:"alg" validate:"omitempty,oneof=HS256 HS384 HS512"`
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
	// SecureCookie marks the access token cookie Secure; enable behind TLS.
	SecureCookie bool `yaml:"secure_cookie" envconfig:"SECURE_COOKIE"`
}

type RelayConfig struct {
	Driver string       `yaml:"driver" validate:"oneof=none nats kafka"`
	Nats   natsx.Config `yaml:"nats"`
	Kafka  kafka.Config `yaml:"kafka"`
}

type DiscoveryConfig struct {
	Driver string       `yaml:"driver" validate:"oneof=none nacos"`
	Nacos  nacos.Config `yaml:"nacos"`
}

// Load reads path (optional), applies CHATNOW_* overrides, fills defaults and validates.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("parse config", "path", path, "err", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("env overrides", "err", err)
	}
	cfg.norm()
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("invalid config", "err", err)
	}
	if cfg.Storage.Driver == StorageMongo && cfg.Mongo.Uri == "" && len(cfg.Mongo.Address) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("mongo storage needs mongo.uri or mongo.address")
	}
	if cfg.Relay.Driver == RelayNats && len(cfg.Relay.Nats.Servers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nats relay needs relay.nats.servers")
	}
	if cfg.Relay.Driver == RelayKafka && len(cfg.Relay.Kafka.Brokers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka relay needs relay.kafka.brokers")
	}
	if cfg.Discovery.Driver == DiscoveryNacos && len(cfg.Discovery.Nacos.Servers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nacos discovery needs discovery.nacos.servers")
	}
	return cfg, nil
}

func (c *AppConfig) norm() {
	if c.Node.Port == 0 {
		c.Node.Port = 8080
	}
	if c.Node.GrpcPort == 0 {
		c.Node.GrpcPort = 50051
	}
	if c.Node.Name == "" {
		host, _ := os.Hostname()
		c.Node.Name = host
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMongo
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "chatnow"
	}
	if c.JWT.Alg == "" {
		c.JWT.Alg = "HS256"
	}
	if c.JWT.TTL <= 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "chatnow"
	}
	if c.Relay.Driver == "" {
		c.Relay.Driver = RelayNone
	}
	if c.Discovery.Driver == "" {
		c.Discovery.Driver = DiscoveryNone
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	c.Realtime.Norm()
	c.Relay.Nats.Norm()
	c.Relay.Kafka.Norm()
	c.Discovery.Nacos.Norm()
}
