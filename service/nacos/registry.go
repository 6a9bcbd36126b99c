// Package nacos registers chat nodes with the Nacos naming service so
// gateways and peers can find them.
package nacos

import (
	"context"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/errs"
)

// Instance is one chat node as it appears in the naming service.
type Instance struct {
	NodeID  string `json:"nodeId"`
	Name    string `json:"name"`
	IP      string `json:"ip"`
	Port    uint64 `json:"port"`
	Healthy bool   `json:"healthy"`
}

// Registry keeps this node registered as an ephemeral instance.
type Registry struct {
	cfg    Config
	client naming_client.INamingClient

	mu   sync.Mutex
	self *vo.RegisterInstanceParam
}

func New(cfg Config) (*Registry, error) {
	cfg.Norm()
	servers, err := parseServers(cfg.Servers)
	if err != nil {
		return nil, err
	}
	sc := make([]constant.ServerConfig, 0, len(servers))
	for _, s := range servers {
		sc = append(sc, *constant.NewServerConfig(s.host, s.port))
	}
	cc := constant.NewClientConfig(
		constant.WithNamespaceId(cfg.Namespace),
		constant.WithTimeoutMs(cfg.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(cfg.LogLevel),
		constant.WithCacheDir(cfg.CacheDir),
		constant.WithLogDir(cfg.LogDir),
		constant.WithUsername(cfg.Username),
		constant.WithPassword(cfg.Password),
	)
	client, err := clients.NewNamingClient(vo.NacosClientParam{ClientConfig: cc, ServerConfigs: sc})
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("nacos naming client", "err", err)
	}
	return &Registry{cfg: cfg, client: client}, nil
}

// Register announces this node. Calling it again replaces the metadata.
func (r *Registry) Register(_ context.Context, nodeID, name string, port int) error {
	ip := r.cfg.AdvertiseIP
	if ip == "" {
		ip = outboundIP()
	}
	p := vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		ServiceName: r.cfg.Service,
		GroupName:   r.cfg.Group,
		ClusterName: r.cfg.Cluster,
		Metadata: map[string]string{
			"node":     nodeID,
			"name":     name,
			"protocol": "ws",
		},
	}
	ok, err := r.client.RegisterInstance(p)
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("nacos register", "err", err)
	}
	if !ok {
		return errs.ErrUpstreamUnavailable.WrapMsg("nacos register refused")
	}
	r.mu.Lock()
	r.self = &p
	r.mu.Unlock()
	logger.Info("registered with nacos", zap.String("service", r.cfg.Service), zap.String("ip", ip), zap.Int("port", port))
	return nil
}

// Deregister removes this node; a node that never registered is a no-op.
func (r *Registry) Deregister() error {
	r.mu.Lock()
	p := r.self
	r.self = nil
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          p.Ip,
		Port:        p.Port,
		Cluster:     p.ClusterName,
		ServiceName: p.ServiceName,
		GroupName:   p.GroupName,
		Ephemeral:   true,
	})
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("nacos deregister", "err", err)
	}
	return nil
}

// Peers lists the registered chat nodes, this one included.
func (r *Registry) Peers(_ context.Context) ([]Instance, error) {
	list, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: r.cfg.Service,
		GroupName:   r.cfg.Group,
		Clusters:    []string{r.cfg.Cluster},
		HealthyOnly: true,
	})
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("nacos select", "err", err)
	}
	return toInstances(list), nil
}

func (r *Registry) Close() {
	if err := r.Deregister(); err != nil {
		logger.Warn("nacos deregister", zap.Error(err))
	}
	r.client.CloseClient()
}

func toInstances(list []model.Instance) []Instance {
	out := make([]Instance, 0, len(list))
	for _, in := range list {
		out = append(out, Instance{
			NodeID:  in.Metadata["node"],
			Name:    in.Metadata["name"],
			IP:      in.Ip,
			Port:    in.Port,
			Healthy: in.Healthy,
		})
	}
	return out
}
