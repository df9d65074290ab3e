package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kvflow/kvflow/pkg/bridge"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/storage"
)

func TestEncode(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: bad", query.ErrInvalidQuery), http.StatusBadRequest, CodeInvalidRequest},
		{bridge.ErrInvalidTimeout, http.StatusBadRequest, CodeInvalidRequest},
		{bridge.ErrTimeout, http.StatusGatewayTimeout, CodeTimeout},
		{&bridge.CoverageError{Reason: storage.ErrOverloaded}, http.StatusBadGateway, CodeCoverageFailed},
		{storage.ErrOverloaded, http.StatusServiceUnavailable, CodeUnavailable},
		{fmt.Errorf("queueing: %w", context.Canceled), http.StatusServiceUnavailable, CodeCancelled},
		{InvalidRequest("nope"), http.StatusBadRequest, CodeInvalidRequest},
		{errors.New("secret detail"), http.StatusInternalServerError, CodeInternalError},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			encoded := Encode(tc.err)
			require.Equal(t, tc.status, encoded.HTTPStatus)
			require.Equal(t, tc.code, encoded.Code)
		})
	}

	require.Equal(t, InternalServerError, Encode(errors.New("secret detail")).Message)
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, bridge.ErrTimeout)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("content-type"))
	require.JSONEq(t, `{"code":"timeout","message":"index scan timed out"}`, rec.Body.String())
}

func TestToGRPC(t *testing.T) {
	require.NoError(t, ToGRPC(nil))

	for _, tc := range []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: bad", query.ErrInvalidQuery), codes.InvalidArgument},
		{bridge.ErrTimeout, codes.DeadlineExceeded},
		{&bridge.CoverageError{Reason: storage.ErrOverloaded}, codes.Aborted},
		{storage.ErrClosed, codes.Unavailable},
		{fmt.Errorf("queueing: %w", context.Canceled), codes.Canceled},
		{errors.New("secret detail"), codes.Internal},
		{status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			st, ok := status.FromError(ToGRPC(tc.err))
			require.True(t, ok)
			require.Equal(t, tc.code, st.Code())
		})
	}

	st := status.Convert(ToGRPC(errors.New("secret detail")))
	require.Equal(t, InternalServerError, st.Message())
}
