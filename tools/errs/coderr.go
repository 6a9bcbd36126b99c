package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Error codes shared by the REST API and the realtime channel.
const (
	CodeInvalidArgument     = 1001
	CodeBadCredential       = 1101
	CodeUnauthorized        = 1102
	CodeNotFound            = 1201
	CodeInvalidState        = 1301
	CodeDuplicateConnection = 1302
	CodeConflict            = 1303
	CodeUpstreamUnavailable = 1501
	CodeInternal            = 1500
)

var (
	ErrInvalidArgument     = NewCodeError(CodeInvalidArgument, "invalid argument")
	ErrBadCredential       = NewCodeError(CodeBadCredential, "bad credential")
	ErrUnauthorized        = NewCodeError(CodeUnauthorized, "unauthorized")
	ErrNotFound            = NewCodeError(CodeNotFound, "not found")
	ErrInvalidState        = NewCodeError(CodeInvalidState, "invalid state")
	ErrDuplicateConnection = NewCodeError(CodeDuplicateConnection, "duplicate connection")
	ErrConflict            = NewCodeError(CodeConflict, "conflict")
	ErrUpstreamUnavailable = NewCodeError(CodeUpstreamUnavailable, "upstream unavailable")
	ErrInternal            = NewCodeError(CodeInternal, "internal error")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

// WithDetail returns a copy carrying an extra detail; the receiver is left untouched.
func (e CodeError) WithDetail(detail string) CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap attaches a stack trace.
func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// WrapMsg attaches detail built from msg and key/value pairs plus a stack trace.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	return pkgerrors.WithStack(e.WithDetail(toString(msg, kv)))
}

// Is matches any CodeError with the same code, so callers can use errors.Is
// against the package level sentinels.
func (e CodeError) Is(target error) bool {
	var other CodeError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Wrap adds a stack trace to a foreign error.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

// WrapMsg annotates err with a message and key/value pairs.
func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

// New builds a plain error with key/value context.
func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}

// As extracts the CodeError carried by err, if any.
func As(err error) (CodeError, bool) {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return CodeError{}, false
}

// Code returns the code of err, or CodeInternal for foreign errors.
func Code(err error) int {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error onto the status code the REST layer answers with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeBadCredential:
		return http.StatusUnauthorized
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeConflict, CodeDuplicateConnection:
		return http.StatusConflict
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(anyString(kv[i]))
		b.WriteString("=")
		b.WriteString(anyString(kv[i+1]))
	}
	return b.String()
}

func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case interface{ String() string }:
		return t.String()
	default:
		return "?"
	}
}
