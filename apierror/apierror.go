// Package apierror implements the single enumerated error taxonomy described
// in spec.md §7: every failure surfaced by the core carries a Kind and an
// associated HTTP status. Each major family of Kind is additionally wrapped
// in its own github.com/zeebo/errs class so callers can test family
// membership with errors.Is/errs.Is without switching on Kind directly -
// the same layering storj-storj uses zeebo/errs for throughout pkg/statdb
// and friends.
package apierror

import (
	"fmt"
	"net/http"

	"github.com/zeebo/errs"
)

// Kind enumerates the taxonomy. Only the subset exercised by this module is
// listed; plugin-registered codes start at 1,000,000 and are tracked
// separately (see plugin.Dispatcher.RegisterErrorCode), not as Kind values.
type Kind int

const (
	Success Kind = iota
	NotImplemented
	ParameterOutOfRange
	BadParameterType
	BadSequenceOfCalls
	InexistentItem
	BadRequest
	Database
	InexistentFile
	BadFileFormat
	FullStorage
	CorruptedFile
	IncompatibleDatabaseVersion
	Unauthorized
	Plugin
	NetworkProtocol
	NetworkInit
	NetworkTimeout
	AlreadyExistingTag
	UnknownResource
	CannotWriteFile
	InternalError
)

var names = map[Kind]string{
	Success:                     "Success",
	NotImplemented:              "NotImplemented",
	ParameterOutOfRange:         "ParameterOutOfRange",
	BadParameterType:            "BadParameterType",
	BadSequenceOfCalls:          "BadSequenceOfCalls",
	InexistentItem:              "InexistentItem",
	BadRequest:                  "BadRequest",
	Database:                    "Database",
	InexistentFile:              "InexistentFile",
	BadFileFormat:               "BadFileFormat",
	FullStorage:                 "FullStorage",
	CorruptedFile:               "CorruptedFile",
	IncompatibleDatabaseVersion: "IncompatibleDatabaseVersion",
	Unauthorized:                "Unauthorized",
	Plugin:                      "Plugin",
	NetworkProtocol:             "NetworkProtocol",
	NetworkInit:                 "NetworkInit",
	NetworkTimeout:              "NetworkTimeout",
	AlreadyExistingTag:          "AlreadyExistingTag",
	UnknownResource:             "UnknownResource",
	CannotWriteFile:             "CannotWriteFile",
	InternalError:               "InternalError",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "UnknownError"
}

// httpStatus maps a Kind to the status used when surfaced via REST (spec.md §7).
var httpStatus = map[Kind]int{
	Success:                     http.StatusOK,
	NotImplemented:              http.StatusNotImplemented,
	ParameterOutOfRange:         http.StatusBadRequest,
	BadParameterType:            http.StatusBadRequest,
	BadSequenceOfCalls:          http.StatusBadRequest,
	InexistentItem:              http.StatusNotFound,
	BadRequest:                  http.StatusBadRequest,
	Database:                    http.StatusInternalServerError,
	InexistentFile:              http.StatusNotFound,
	BadFileFormat:               http.StatusBadRequest,
	FullStorage:                 http.StatusInsufficientStorage,
	CorruptedFile:               http.StatusInternalServerError,
	IncompatibleDatabaseVersion: http.StatusInternalServerError,
	Unauthorized:                http.StatusUnauthorized,
	Plugin:                      http.StatusInternalServerError,
	NetworkProtocol:             http.StatusBadGateway,
	NetworkInit:                 http.StatusBadGateway,
	NetworkTimeout:              http.StatusGatewayTimeout,
	AlreadyExistingTag:          http.StatusConflict,
	UnknownResource:             http.StatusNotFound,
	CannotWriteFile:             http.StatusInternalServerError,
	InternalError:               http.StatusInternalServerError,
}

// Error families, one github.com/zeebo/errs class per major concern. These
// let a caller test "is this a storage problem" without a type switch over
// every Kind, the same convenience zeebo/errs buys storj-storj's pkg/statdb.
var (
	IndexClass   = errs.Class("index")
	StorageClass = errs.Class("storage")
	PluginClass  = errs.Class("plugin")
	NetworkClass = errs.Class("network")
	RequestClass = errs.Class("request")
)

// Error is the concrete error value threaded through the core. It always
// carries a Kind (for HTTP-status lookup and DIMSE mapping) and wraps a
// zeebo/errs class for family identification.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status this error should be surfaced as over REST.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func classFor(k Kind) *errs.Class {
	switch k {
	case Database, InexistentItem, AlreadyExistingTag, IncompatibleDatabaseVersion:
		return &IndexClass
	case FullStorage, CorruptedFile, InexistentFile, CannotWriteFile, UnknownResource:
		return &StorageClass
	case Plugin:
		return &PluginClass
	case NetworkProtocol, NetworkInit, NetworkTimeout:
		return &NetworkClass
	default:
		return &RequestClass
	}
}

// New builds an *Error of the given Kind, wrapped in its family's errs.Class.
func New(k Kind, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	class := classFor(k)
	return &Error{Kind: k, Message: msg, cause: class.New("%s", msg)}
}

// Wrap attaches a Kind to an existing error from a lower layer (e.g. the
// sqlite driver or the blob store), preserving it as the cause chain.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	class := classFor(k)
	return &Error{Kind: k, Message: msg, cause: class.Wrap(cause)}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return nil, false
	}
	return e, true
}

// Body is the JSON shape a REST error is rendered as (spec.md §7), unless
// HttpDescribeErrors=false in which case only the HTTP status is written.
type Body struct {
	Message       string `json:"Message"`
	Method        string `json:"Method"`
	URI           string `json:"Uri"`
	HTTPError     string `json:"HttpError"`
	HTTPStatus    int    `json:"HttpStatus"`
	OrthancError  string `json:"OrthancError"`
	OrthancStatus int    `json:"OrthancStatus"`
}

// NewBody renders err into the REST error body shape.
func NewBody(err error, method, uri string) Body {
	e, ok := As(err)
	if !ok {
		e = New(InternalError, "%v", err)
	}
	return Body{
		Message:       e.Message,
		Method:        method,
		URI:           uri,
		HTTPError:     http.StatusText(e.HTTPStatus()),
		HTTPStatus:    e.HTTPStatus(),
		OrthancError:  e.Kind.String(),
		OrthancStatus: int(e.Kind),
	}
}
