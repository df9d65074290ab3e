package recovery

import (
	"net/http"
	"net/http/httptest"
	"testing"

	grpc_testing "github.com/grpc-ecosystem/go-grpc-middleware/testing"
	pb_testproto "github.com/grpc-ecosystem/go-grpc-middleware/testing/testproto"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kvflow/kvflow/pkg/logger"
)

func TestHTTPPanicRecoveryHandler(t *testing.T) {
	l, logs := logger.NewObserverLogger("error")

	handler := HTTPPanicRecoveryHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}), l)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"code":"internal_error","message":"Internal Server Error"}`, rec.Body.String())
	require.Equal(t, 1, logs.FilterMessage("HTTPPanicRecoveryHandler has recovered a panic").Len())
}

func TestHTTPPanicRecoveryHandlerPassesThrough(t *testing.T) {
	handler := HTTPPanicRecoveryHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), logger.NewNoopLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

type panickingService struct {
	pb_testproto.TestServiceServer
}

func (panickingService) PingList(*pb_testproto.PingRequest, pb_testproto.TestService_PingListServer) error {
	panic("stream exploded")
}

func TestStreamPanicInterceptor(t *testing.T) {
	l, logs := logger.NewObserverLogger("error")

	s := &PanicInterceptorTestSuite{
		logs: logs,
		InterceptorTestSuite: &grpc_testing.InterceptorTestSuite{
			TestService: panickingService{&grpc_testing.TestPingService{T: t}},
			ServerOpts: []grpc.ServerOption{
				grpc.ChainStreamInterceptor(
					grpc_recovery.StreamServerInterceptor(
						grpc_recovery.WithRecoveryHandlerContext(PanicRecoveryHandler(l)),
					),
				),
			},
		},
	}

	suite.Run(t, s)
}

type PanicInterceptorTestSuite struct {
	*grpc_testing.InterceptorTestSuite
	logs logger.Logs
}

func (s *PanicInterceptorTestSuite) TestPingList() {
	stream, err := s.Client.PingList(s.SimpleCtx(), &pb_testproto.PingRequest{Value: "ping"})
	require.NoError(s.T(), err)

	_, err = stream.Recv()
	st, ok := status.FromError(err)
	require.True(s.T(), ok)
	require.Equal(s.T(), codes.Internal, st.Code())
	require.Equal(s.T(), internalServerErrorMsg, st.Message())
	require.Equal(s.T(), 1, s.logs.FilterMessage("PanicRecoveryHandler has recovered a panic").Len())
}
