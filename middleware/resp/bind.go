package resp

import (
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"chatnow/tools/errs"
)

var validate = validator.New()

// Bind decodes the JSON body into T and validates its `validate` tags.
func Bind[T any](c *gin.Context) (*T, error) {
	var v T
	if err := c.ShouldBindJSON(&v); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("malformed body", "err", err)
	}
	if err := validate.Struct(&v); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("invalid body", "err", err)
	}
	return &v, nil
}
