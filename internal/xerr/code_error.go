// Package xerr defines the coded errors shared by every shardvec service and
// the stable status code table exposed on the wire.
//
// Codes partition into three classes:
//
//	0          success
//	1000-1999  client errors: the request is wrong, retrying it unchanged will not help
//	2000-2999  server errors: storage, routing or replication trouble
//
// Numeric values are part of the public API and must never be reassigned.
package xerr

import (
	"errors"
	"net/http"
)

// Code is a stable status code carried in every response envelope.
type Code int

const (
	OK Code = 0

	BadRequest        Code = 1000
	DimensionMismatch Code = 1001
	NotFound          Code = 1002
	DuplicateNode     Code = 1003

	Internal          Code = 2000
	DurabilityFailure Code = 2001
	QuorumFailure     Code = 2002
	NoAvailableNode   Code = 2003
	PartialResult     Code = 2004
	Unavailable       Code = 2005
)

var codeNames = map[Code]string{
	OK:                "OK",
	BadRequest:        "BadRequest",
	DimensionMismatch: "DimensionMismatch",
	NotFound:          "NotFound",
	DuplicateNode:     "DuplicateNode",
	Internal:          "Internal",
	DurabilityFailure: "DurabilityFailure",
	QuorumFailure:     "QuorumFailure",
	NoAvailableNode:   "NoAvailableNode",
	PartialResult:     "PartialResult",
	Unavailable:       "Unavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// IsClient reports whether the code belongs to the client error class.
func (c Code) IsClient() bool { return c >= 1000 && c < 2000 }

// IsServer reports whether the code belongs to the server error class.
func (c Code) IsServer() bool { return c >= 2000 && c < 3000 }

// HTTPStatus maps a code to the HTTP status used for the response.
// PartialResult is non-fatal and travels with a 200.
func (c Code) HTTPStatus() int {
	switch c {
	case OK, PartialResult:
		return http.StatusOK
	case NotFound:
		return http.StatusNotFound
	case DuplicateNode:
		return http.StatusConflict
	case QuorumFailure, NoAvailableNode, Unavailable:
		return http.StatusServiceUnavailable
	}
	if c.IsClient() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// CodeError is an error with a stable status code attached.
type CodeError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *CodeError) Error() string {
	return e.Message
}

// New creates a CodeError.
func New(code Code, msg string) *CodeError {
	return &CodeError{Code: code, Message: msg}
}

// CodeOf returns the code of the first CodeError in err's chain.
// A nil error is OK and an uncoded error is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Internal
}

// Common predefined errors.
var (
	ErrBadRequest  = New(BadRequest, "bad request")
	ErrInternal    = New(Internal, "internal error")
	ErrUnavailable = New(Unavailable, "service unavailable")
)
