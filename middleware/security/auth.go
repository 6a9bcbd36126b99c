package security

import (
	"strings"

	"github.com/gin-gonic/gin"

	"chatnow/middleware/resp"
	"chatnow/tools/errs"
	"chatnow/tools/security"
)

// CtxUserKey holds the authenticated user id in the gin context.
const CtxUserKey = "userID"

type Options struct {
	JWT        security.Options
	CookieName string // checked when no bearer header is present
}

// TokenFrom reads the bearer header first, then the cookie.
func TokenFrom(c *gin.Context, cookie string) string {
	if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
	}
	if cookie != "" {
		if v, err := c.Cookie(cookie); err == nil {
			return v
		}
	}
	return ""
}

// Middleware rejects requests without a valid access token.
func Middleware(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c, opts.CookieName)
		if token == "" {
			resp.Fail(c, errs.ErrBadCredential.WrapMsg("missing token"))
			return
		}
		claims, err := security.Verify(opts.JWT, token)
		if err != nil {
			resp.Fail(c, err)
			return
		}
		c.Set(CtxUserKey, claims.UserID())
		c.Next()
	}
}

// UserID is the caller set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserKey)
}
