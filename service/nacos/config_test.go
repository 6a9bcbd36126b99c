package nacos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chatnow/tools/errs"
)

func TestParseServers(t *testing.T) {
	req := require.New(t)

	got, err := parseServers([]string{"10.0.0.1:8848", "nacos.local:9848"})
	req.NoError(err)
	req.Equal([]server{{host: "10.0.0.1", port: 8848}, {host: "nacos.local", port: 9848}}, got)

	for _, bad := range [][]string{nil, {"no-port"}, {"h:0"}, {"h:99999"}} {
		_, err := parseServers(bad)
		req.ErrorIs(err, errs.ErrInvalidArgument, bad)
	}
}

func TestConfig_Norm(t *testing.T) {
	req := require.New(t)
	c := Config{Service: "edge"}
	c.Norm()

	req.Equal("edge", c.Service)
	req.Equal("DEFAULT_GROUP", c.Group)
	req.Equal("DEFAULT", c.Cluster)
	req.EqualValues(5000, c.TimeoutMs)
}

func TestOutboundIP(t *testing.T) {
	require.NotEmpty(t, outboundIP())
}
