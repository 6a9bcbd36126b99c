// Package global builds the process-wide collaborators from AppConfig.
package global

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatnow/data/store"
	"chatnow/global/config"
	"chatnow/logger"
	"chatnow/service/dispatcher/kafka"
	mgoSrv "chatnow/service/mgo"
	"chatnow/service/nacos"
	"chatnow/service/natsx"
	"chatnow/service/relay"
	"chatnow/service/storage"
	rds "chatnow/service/storage/redis"
	"chatnow/tools/errs"
	"chatnow/tools/security"
)

const connectTimeout = 30 * time.Second

// Closer releases a collaborator on shutdown.
type Closer func()

// ConfigStore opens the configured store. Mongo is connected in the
// background and waited for up to connectTimeout.
func ConfigStore(ctx context.Context, cfg *config.AppConfig) (store.Store, Closer, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	mgr := mgoSrv.NewManager(&cfg.Mongo)
	mgr.StartAsync(ctx)

	wctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := mgr.WaitReady(wctx); err != nil {
		return nil, nil, errs.WrapMsg(err, "mongo", "last", mgr.Err())
	}
	st := store.NewMongo(mgr)
	if err := st.EnsureIndexes(wctx); err != nil {
		mgr.Close()
		return nil, nil, err
	}
	logger.Info("mongo ready", zap.String("db", cfg.Mongo.Database))
	return st, mgr.Close, nil
}

// ConfigMirror connects redis and returns the presence mirror, or nil when
// redis is disabled.
func ConfigMirror(ctx context.Context, cfg *config.AppConfig) (*storage.PresenceMirror, Closer, error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	rdb, err := rds.New(ctx, cfg.Redis.Config)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("redis ready", zap.String("addr", cfg.Redis.Addr))
	m := storage.NewPresenceMirror(rdb, cfg.Node.Name, cfg.Realtime.PresenceTTL)
	return m, func() { _ = rdb.Close() }, nil
}

// ConfigRelay opens the cluster relay, or returns nil for a single node.
func ConfigRelay(cfg *config.AppConfig, node string) (relay.Relay, error) {
	switch cfg.Relay.Driver {
	case config.RelayNats:
		c, err := natsx.Connect(cfg.Relay.Nats)
		if err != nil {
			return nil, err
		}
		logger.Info("nats relay ready", zap.Strings("servers", cfg.Relay.Nats.Servers), zap.String("mode", string(cfg.Relay.Nats.Mode)))
		return natsx.NewRelay(c, node), nil
	case config.RelayKafka:
		r, err := kafka.NewRelay(cfg.Relay.Kafka, node)
		if err != nil {
			return nil, err
		}
		logger.Info("kafka relay ready", zap.Strings("brokers", cfg.Relay.Kafka.Brokers), zap.String("topic", cfg.Relay.Kafka.Topic))
		return r, nil
	default:
		return nil, nil
	}
}

func JWTOptions(cfg *config.AppConfig) security.Options {
	opts := security.DefaultOptions([]byte(cfg.JWT.Secret))
	opts.Alg = cfg.JWT.Alg
	opts.TTL = cfg.JWT.TTL
	opts.Issuer = cfg.JWT.Issuer
	return opts
}

// ConfigDiscovery connects the naming service, or returns nil when discovery is off.
func ConfigDiscovery(cfg *config.AppConfig) (*nacos.Registry, error) {
	if cfg.Discovery.Driver != config.DiscoveryNacos {
		return nil, nil
	}
	r, err := nacos.New(cfg.Discovery.Nacos)
	if err != nil {
		return nil, err
	}
	logger.Info("nacos ready", zap.Strings("servers", cfg.Discovery.Nacos.Servers), zap.String("service", cfg.Discovery.Nacos.Service))
	return r, nil
}
