package requestid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_testing "github.com/grpc-ecosystem/go-grpc-middleware/testing"
	pb_testproto "github.com/grpc-ecosystem/go-grpc-middleware/testing/testproto"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
)

var pingReq = &pb_testproto.PingRequest{Value: "ping"}

func TestHTTPMiddleware(t *testing.T) {
	var seen string
	handler := HTTPMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = id
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	header := rec.Header().Get(RequestIDHeader)
	require.Equal(t, seen, header)
	_, err := uuid.Parse(header)
	require.NoError(t, err)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEqual(t, header, rec2.Header().Get(RequestIDHeader))
}

type pingService struct {
	pb_testproto.TestServiceServer
	T *testing.T
}

func (s *pingService) Ping(ctx context.Context, req *pb_testproto.PingRequest) (*pb_testproto.PingResponse, error) {
	id, ok := FromContext(ctx)
	require.True(s.T, ok)
	require.Equal(s.T, id, grpc_ctxtags.Extract(ctx).Values()[requestIDKey])

	return s.TestServiceServer.Ping(ctx, req)
}

func (s *pingService) PingList(req *pb_testproto.PingRequest, stream pb_testproto.TestService_PingListServer) error {
	_, ok := FromContext(stream.Context())
	require.True(s.T, ok)

	return s.TestServiceServer.PingList(req, stream)
}

func TestRequestIDTestSuite(t *testing.T) {
	s := &RequestIDTestSuite{
		InterceptorTestSuite: &grpc_testing.InterceptorTestSuite{
			TestService: &pingService{&grpc_testing.TestPingService{T: t}, t},
			ServerOpts: []grpc.ServerOption{
				grpc.ChainUnaryInterceptor(grpc_ctxtags.UnaryServerInterceptor(), NewUnaryInterceptor()),
				grpc.ChainStreamInterceptor(grpc_ctxtags.StreamServerInterceptor(), NewStreamingInterceptor()),
			},
		},
	}

	suite.Run(t, s)
}

type RequestIDTestSuite struct {
	*grpc_testing.InterceptorTestSuite
}

func (s *RequestIDTestSuite) TestPing() {
	_, err := s.Client.Ping(s.SimpleCtx(), pingReq)
	require.NoError(s.T(), err)
}

func (s *RequestIDTestSuite) TestPingListSetsHeader() {
	stream, err := s.Client.PingList(s.SimpleCtx(), pingReq)
	require.NoError(s.T(), err)

	header, err := stream.Header()
	require.NoError(s.T(), err)
	ids := header.Get(RequestIDHeader)
	require.Len(s.T(), ids, 1)
	_, err = uuid.Parse(ids[0])
	require.NoError(s.T(), err)

	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(s.T(), err)
	}
}
