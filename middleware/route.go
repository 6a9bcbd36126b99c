package middleware

import (
	"github.com/gin-gonic/gin"
)

type RouteOpt struct {
	IsAuth bool
}

// Routes registers handlers on a group, putting the auth middleware in front
// of the ones that ask for it.
type Routes struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRoutes(r gin.IRoutes, auth gin.HandlerFunc) *Routes {
	return &Routes{r: r, auth: auth}
}

func (rt *Routes) chain(h gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if opt.IsAuth && rt.auth != nil {
		return []gin.HandlerFunc{rt.auth, h}
	}
	return []gin.HandlerFunc{h}
}

func (rt *Routes) POST(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.POST(path, rt.chain(h, opt)...)
}

func (rt *Routes) GET(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.GET(path, rt.chain(h, opt)...)
}

func (rt *Routes) PUT(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.PUT(path, rt.chain(h, opt)...)
}

func (rt *Routes) DELETE(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.DELETE(path, rt.chain(h, opt)...)
}
