package xerr

import (
	"errors"
	"fmt"
)

// 协议错误码
const (
	OK                  = 200
	DecodeError         = 400
	ValidationRejected  = 409
	AwaitingPredecessor = 425
	DuplicateMessage    = 208
	RecordNotFound      = 404
	Busy                = 429
	ServerCommonError   = 500
	DbError             = 501
	CustodyFailure      = 502
	TransportFailure    = 503
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Reason string `json:"reason,omitempty"`
	cause  error
}

func (e *CodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ErrCode:%d, Reason:%s, Msg:%s", e.Code, e.Reason, e.Msg)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is matches any *CodeError carrying the same code, so callers can write
// errors.Is(err, xerr.NewErrCode(xerr.CustodyFailure)).
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Reason == "" || t.Reason == e.Reason)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap attaches a code and machine readable reason to cause.
func Wrap(code int, reason string, cause error) error {
	msg := MapErrMsg(code)
	if cause != nil {
		msg = cause.Error()
	}
	return &CodeError{Code: code, Msg: msg, Reason: reason, cause: cause}
}

// CodeOf returns the code of the first CodeError in err's chain.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// ReasonOf returns the reason of the first CodeError in err's chain.
func ReasonOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

func MapErrMsg(code int) string {
	switch code {
	case DecodeError:
		return "malformed or unverifiable message"
	case ValidationRejected:
		return "illegal transition"
	case AwaitingPredecessor:
		return "awaiting causal predecessor"
	case DuplicateMessage:
		return "duplicate message"
	case RecordNotFound:
		return "record not found"
	case Busy:
		return "busy, retry later"
	case DbError:
		return "storage failure"
	case CustodyFailure:
		return "custody action failed"
	case TransportFailure:
		return "transport failure"
	case ServerCommonError:
		return "internal error"
	default:
		return "unknown error"
	}
}
