// Package cluster exposes which chat nodes are serving.
package cluster

import (
	"context"

	"github.com/gin-gonic/gin"

	"chatnow/middleware"
	"chatnow/middleware/resp"
	"chatnow/service/nacos"
)

// Peers lists the healthy nodes registered for this service.
type Peers interface {
	Peers(ctx context.Context) ([]nacos.Instance, error)
}

type Handler struct {
	self  nacos.Instance
	peers Peers // nil when discovery is off
}

func NewHandler(nodeID, name string, port int, peers Peers) *Handler {
	h := &Handler{
		self: nacos.Instance{NodeID: nodeID, Name: name, Port: uint64(port), Healthy: true},
	}
	// a nil *nacos.Registry must not become a non-nil interface
	if r, ok := peers.(*nacos.Registry); !ok || r != nil {
		h.peers = peers
	}
	return h
}

func (h *Handler) Routes(rt *middleware.Routes) {
	rt.GET("/cluster/nodes", h.Nodes, middleware.RouteOpt{IsAuth: true})
}

// Nodes answers with the registered peers, or just this node when running standalone.
func (h *Handler) Nodes(c *gin.Context) {
	if h.peers == nil {
		resp.OK(c, []nacos.Instance{h.self})
		return
	}
	list, err := h.peers.Peers(c.Request.Context())
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, list)
}
