package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"chatnow/middleware"
	midsec "chatnow/middleware/security"
	"chatnow/service/nacos"
	"chatnow/tools/errs"
	"chatnow/tools/security"
)

type stubPeers struct {
	list []nacos.Instance
	err  error
}

func (s stubPeers) Peers(context.Context) ([]nacos.Instance, error) { return s.list, s.err }

func serve(t *testing.T, h *Handler, withToken bool) (int, []nacos.Instance, int) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwt := security.DefaultOptions([]byte("0123456789abcdef"))
	engine := gin.New()
	h.Routes(middleware.NewRoutes(engine.Group("/api"), midsec.Middleware(midsec.Options{JWT: jwt})))

	r := httptest.NewRequest(http.MethodGet, "/api/cluster/nodes", nil)
	if withToken {
		tok, _, err := security.Generate(jwt, "A")
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, r)

	var body struct {
		Code int              `json:"code"`
		Data []nacos.Instance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body.Data, body.Code
}

func TestNodes_Standalone(t *testing.T) {
	req := require.New(t)

	// Given discovery is off
	var none *nacos.Registry
	h := NewHandler("7", "edge-1", 8080, none)

	// When the node list is asked for
	status, list, _ := serve(t, h, true)

	// Then only this node is reported
	req.Equal(http.StatusOK, status)
	req.Len(list, 1)
	req.Equal("7", list[0].NodeID)
	req.Equal(uint64(8080), list[0].Port)
}

func TestNodes_FromRegistry(t *testing.T) {
	req := require.New(t)
	h := NewHandler("1", "a", 8080, stubPeers{list: []nacos.Instance{
		{NodeID: "1", IP: "10.0.0.1", Port: 8080, Healthy: true},
		{NodeID: "2", IP: "10.0.0.2", Port: 8080, Healthy: true},
	}})

	status, list, _ := serve(t, h, true)
	req.Equal(http.StatusOK, status)
	req.Len(list, 2)
	req.Equal("10.0.0.2", list[1].IP)
}

func TestNodes_RegistryDown(t *testing.T) {
	req := require.New(t)
	h := NewHandler("1", "a", 8080, stubPeers{err: errs.ErrUpstreamUnavailable.WrapMsg("nacos")})

	status, _, code := serve(t, h, true)
	req.Equal(http.StatusServiceUnavailable, status)
	req.Equal(errs.CodeUpstreamUnavailable, code)
}

func TestNodes_RequiresToken(t *testing.T) {
	status, _, _ := serve(t, NewHandler("1", "a", 8080, nil), false)
	require.Equal(t, http.StatusUnauthorized, status)
}
