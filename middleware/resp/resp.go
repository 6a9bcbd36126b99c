// Package resp writes the JSON envelopes every REST handler answers with.
package resp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/errs"
)

type Body struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Message: "ok", Data: data})
}

func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Body{Message: "ok", Data: data})
}

// Fail aborts the request with the status and code carried by err. Internal
// errors are logged and reported without detail.
func Fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	ce, ok := errs.As(err)
	if !ok || status == http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(status, Body{Code: errs.CodeInternal, Message: "internal error"})
		return
	}
	msg := ce.Msg
	switch ce.Code {
	case errs.CodeInvalidArgument, errs.CodeConflict, errs.CodeInvalidState:
		if ce.Detail != "" {
			msg = ce.Detail
		}
	}
	c.AbortWithStatusJSON(status, Body{Code: ce.Code, Message: msg})
}
