package nacos

import (
	"testing"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/stretchr/testify/require"
)

func TestToInstances(t *testing.T) {
	req := require.New(t)

	out := toInstances([]model.Instance{
		{Ip: "10.0.0.1", Port: 8080, Healthy: true, Metadata: map[string]string{"node": "1", "name": "edge-1"}},
		{Ip: "10.0.0.2", Port: 8081},
	})

	req.Len(out, 2)
	req.Equal(Instance{NodeID: "1", Name: "edge-1", IP: "10.0.0.1", Port: 8080, Healthy: true}, out[0])
	req.Empty(out[1].NodeID)
	req.False(out[1].Healthy)
}

func TestDeregister_Without_Register(t *testing.T) {
	r := &Registry{}
	require.NoError(t, r.Deregister())
}
