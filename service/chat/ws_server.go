package chat

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatnow/logger"
)

// CookieName is the cookie that carries the access token for browser clients.
const CookieName = "accessToken"

type wsEndpoint struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongTimeout  time.Duration
	closeOnce    sync.Once
}

func newWSEndpoint(conn *websocket.Conn, cfg Config) *wsEndpoint {
	ep := &wsEndpoint{conn: conn, writeTimeout: cfg.WriteTimeout, pongTimeout: cfg.PongTimeout}
	conn.SetReadLimit(cfg.MaxFrameBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ep.pongTimeout))
	})
	return ep
}

func (e *wsEndpoint) Read() ([]byte, error) {
	for {
		mt, data, err := e.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (e *wsEndpoint) Write(payload []byte) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	return e.conn.WriteMessage(websocket.TextMessage, payload)
}

func (e *wsEndpoint) Ping() error {
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(e.writeTimeout))
}

func (e *wsEndpoint) SetReadDeadline(t time.Time) error { return e.conn.SetReadDeadline(t) }

func (e *wsEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = e.conn.Close()
	})
	return err
}

func (e *wsEndpoint) RemoteAddr() string { return e.conn.RemoteAddr().String() }

// CredentialFrom looks for a token in the cookie, the Authorization header
// and the token query parameter, in that order. Empty means the client will
// send a setup frame.
func CredentialFrom(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 || lo.Contains(h.origins, "*") {
		return true
	}
	if lo.Contains(h.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// HandleWS upgrades the request and runs the session until it closes.
func (h *Hub) HandleWS(c *gin.Context) {
	up := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	credential := CredentialFrom(c.Request)
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Info("ws upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}
	h.Serve(c.Request.Context(), newWSEndpoint(conn, h.cfg), credential)
}
