// Package errors maps kvflow errors onto HTTP responses and gRPC statuses.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kvflow/kvflow/pkg/bridge"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage"
	"github.com/kvflow/kvflow/pkg/storage/pebblekv"
)

const (
	CodeInvalidRequest  = "invalid_request"
	CodeTimeout         = "timeout"
	CodeCoverageFailed  = "coverage_failed"
	CodeUnavailable     = "unavailable"
	CodeCancelled       = "cancelled"
	CodeInternalError   = "internal_error"
	InternalServerError = "Internal Server Error"
)

// EncodedError is an error with the HTTP status and code it is reported with.
type EncodedError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *EncodedError) Error() string {
	return e.Message
}

func NewEncodedError(status int, code, message string) *EncodedError {
	return &EncodedError{HTTPStatus: status, Code: code, Message: message}
}

// InvalidRequest reports a malformed request.
func InvalidRequest(msg string) *EncodedError {
	return NewEncodedError(http.StatusBadRequest, CodeInvalidRequest, msg)
}

// Encode classifies err. Unknown errors are reported as internal errors
// without their message.
func Encode(err error) *EncodedError {
	var encoded *EncodedError
	var coverageErr *bridge.CoverageError

	switch {
	case errors.As(err, &encoded):
		return encoded
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, pebblekv.ErrInvalidObject),
		errors.Is(err, bridge.ErrInvalidTimeout):
		return InvalidRequest(err.Error())
	case errors.Is(err, bridge.ErrTimeout):
		return NewEncodedError(http.StatusGatewayTimeout, CodeTimeout, err.Error())
	case errors.As(err, &coverageErr):
		return NewEncodedError(http.StatusBadGateway, CodeCoverageFailed, err.Error())
	case errors.Is(err, storage.ErrOverloaded), errors.Is(err, storage.ErrClosed):
		return NewEncodedError(http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return NewEncodedError(http.StatusServiceUnavailable, CodeCancelled, err.Error())
	default:
		return NewEncodedError(http.StatusInternalServerError, CodeInternalError, InternalServerError)
	}
}

// Write sends err as a JSON error response.
func Write(w http.ResponseWriter, err error) *EncodedError {
	encoded := Encode(err)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(encoded.HTTPStatus)
	_ = json.NewEncoder(w).Encode(encoded)
	return encoded
}

var grpcCodes = map[string]codes.Code{
	CodeInvalidRequest: codes.InvalidArgument,
	CodeTimeout:        codes.DeadlineExceeded,
	CodeCoverageFailed: codes.Aborted,
	CodeUnavailable:    codes.Unavailable,
	CodeCancelled:      codes.Canceled,
	CodeInternalError:  codes.Internal,
}

// GRPCStatus returns the gRPC status of the encoded error.
func (e *EncodedError) GRPCStatus() *status.Status {
	code, ok := grpcCodes[e.Code]
	if !ok {
		code = codes.Unknown
	}
	return status.New(code, e.Message)
}

// ToGRPC classifies err like Encode and converts it into a gRPC status
// error. Unclassified errors that already carry a gRPC status keep it.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	encoded := Encode(err)
	if encoded.Code == CodeInternalError {
		if st, ok := status.FromError(err); ok {
			return st.Err()
		}
	}
	return encoded.GRPCStatus().Err()
}
