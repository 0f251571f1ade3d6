package jsonrpc

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable integer error code. Values are part of the external
// contract and must not change.
type Code int

const (
	CodeParseError       Code = -32700
	CodeInvalidRequest   Code = -32600
	CodeMethodNotFound   Code = -32601
	CodeInvalidParams    Code = -32602
	CodeInternalError    Code = -32603
	CodeResourceNotFound Code = -32001
)

var codeNames = map[Code]string{
	CodeParseError:       "PARSE_ERROR",
	CodeInvalidRequest:   "INVALID_REQUEST",
	CodeMethodNotFound:   "METHOD_NOT_FOUND",
	CodeInvalidParams:    "INVALID_PARAMS",
	CodeInternalError:    "INTERNAL_ERROR",
	CodeResourceNotFound: "RESOURCE_NOT_FOUND",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// Error is the error member of a response envelope.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// NewError formats the message as the code name followed by the detail.
func NewError(code Code, detail string) *Error {
	msg := code.String()
	if detail = strings.TrimSpace(detail); detail != "" {
		msg += " " + detail
	}
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: code=%d %s", int(e.Code), e.Message)
}

var (
	ErrInvalidVersion  = errors.New("jsonrpc: invalid jsonrpc version")
	ErrMissingID       = errors.New("jsonrpc: missing id")
	ErrMissingMethod   = errors.New("jsonrpc: missing method")
	ErrMissingResource = errors.New("jsonrpc: missing params.resource")
	ErrAmbiguousResult = errors.New("jsonrpc: response has both result and error")
	ErrEmptyResponse   = errors.New("jsonrpc: response has neither result nor error")
)
