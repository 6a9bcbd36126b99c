package nacos

import (
	"net"
	"strconv"

	"chatnow/tools/errs"
)

// Config locates the Nacos naming service a node registers itself with.
type Config struct {
	Servers   []string `yaml:"servers" envconfig:"SERVERS"` // nacos 服务地址 host:port
	Namespace string   `yaml:"namespace" envconfig:"NAMESPACE"`
	Group     string   `yaml:"group" envconfig:"GROUP"`
	Service   string   `yaml:"service" envconfig:"SERVICE"`
	Cluster   string   `yaml:"cluster" envconfig:"CLUSTER"`
	Username  string   `yaml:"username" envconfig:"USERNAME"`
	Password  string   `yaml:"password" envconfig:"PASSWORD"`
	TimeoutMs uint64   `yaml:"timeout_ms" envconfig:"TIMEOUT_MS"`
	// AdvertiseIP is the address peers and gateways reach this node on.
	AdvertiseIP string `yaml:"advertise_ip" envconfig:"ADVERTISE_IP"`
	CacheDir    string `yaml:"cache_dir"`
	LogDir      string `yaml:"log_dir"`
	LogLevel    string `yaml:"log_level"`
}

func (c *Config) Norm() {
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.Service == "" {
		c.Service = "chatnow"
	}
	if c.Cluster == "" {
		c.Cluster = "DEFAULT"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
}

type server struct {
	host string
	port uint64
}

func parseServers(list []string) ([]server, error) {
	if len(list) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nacos servers required")
	}
	out := make([]server, 0, len(list))
	for _, s := range list {
		host, p, err := net.SplitHostPort(s)
		if err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("nacos server", "addr", s, "err", err)
		}
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return nil, errs.ErrInvalidArgument.WrapMsg("nacos server port", "addr", s)
		}
		out = append(out, server{host: host, port: port})
	}
	return out, nil
}

// outboundIP picks the first non-loopback IPv4 address of this host.
func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}
