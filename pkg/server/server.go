// Package server exposes kvflow over HTTP and gRPC.
//
// Objects are written with their secondary index values over HTTP. Index
// queries stream their matching keys back while the coverage scan is still
// running, as newline-delimited JSON over HTTP or as a server stream of the
// kvflow.v1.IndexService gRPC service.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"github.com/kvflow/kvflow/pkg/bridge"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/middleware/recovery"
	"github.com/kvflow/kvflow/pkg/middleware/requestid"
	"github.com/kvflow/kvflow/pkg/pipeline"
	"github.com/kvflow/kvflow/pkg/query"
	"github.com/kvflow/kvflow/pkg/server/health"
)

const (
	defaultScanTimeout    = 5 * time.Second
	defaultMaxScanTimeout = time.Minute
)

// Writer stores objects and their index entries.
type Writer interface {
	Put(ctx context.Context, bucket, key string, indexes map[string]string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Querier streams the keys matching an index query into a pipeline.
type Querier interface {
	QueueExistingPipe(ctx context.Context, downstream bridge.Downstream, target query.Target, q query.Query, timeout time.Duration) error
}

var _ Querier = (*bridge.Bridge)(nil)

type alwaysReady struct{}

func (alwaysReady) IsReady(context.Context) (bool, error) {
	return true, nil
}

type ServerOption func(s *Server)

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithScanTimeout sets the timeout used when a query does not ask for one,
// and the largest timeout a query may ask for.
func WithScanTimeout(timeout, maxTimeout time.Duration) ServerOption {
	return func(s *Server) {
		s.scanTimeout = timeout
		s.maxScanTimeout = maxTimeout
	}
}

// WithPipeCapacity sets the input capacity of the pipeline that writes
// query results. Must be a power of two.
func WithPipeCapacity(capacity int) ServerOption {
	return func(s *Server) {
		s.pipeCapacity = capacity
	}
}

func WithCORS(allowedOrigins, allowedHeaders []string) ServerOption {
	return func(s *Server) {
		s.corsAllowedOrigins = allowedOrigins
		s.corsAllowedHeaders = allowedHeaders
	}
}

// WithReadiness sets what /healthz reports on.
func WithReadiness(target health.TargetService) ServerOption {
	return func(s *Server) {
		s.readiness = target
	}
}

// WithHealthzGateway serves /healthz through the gRPC health service
// reachable over conn instead of checking readiness directly.
func WithHealthzGateway(conn grpc.ClientConnInterface) ServerOption {
	return func(s *Server) {
		s.healthConn = conn
	}
}

// WithTracing wraps every request in an OpenTelemetry span.
func WithTracing(enabled bool) ServerOption {
	return func(s *Server) {
		s.tracing = enabled
	}
}

type Server struct {
	writer  Writer
	querier Querier

	logger         logger.Logger
	scanTimeout    time.Duration
	maxScanTimeout time.Duration
	pipeCapacity   int
	readiness      health.TargetService
	healthConn     grpc.ClientConnInterface
	tracing        bool

	corsAllowedOrigins []string
	corsAllowedHeaders []string
}

func New(writer Writer, querier Querier, opts ...ServerOption) *Server {
	s := &Server{
		writer:             writer,
		querier:            querier,
		logger:             logger.NewNoopLogger(),
		scanTimeout:        defaultScanTimeout,
		maxScanTimeout:     defaultMaxScanTimeout,
		pipeCapacity:       pipeline.DefaultConfig().BufferCapacity,
		readiness:          alwaysReady{},
		corsAllowedOrigins: []string{"*"},
		corsAllowedHeaders: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving every kvflow route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestid.HTTPMiddleware)

	if s.healthConn != nil {
		r.Handle("/healthz", newHealthzGateway(s.healthConn)).Methods(http.MethodGet)
	} else {
		r.Handle("/healthz", &health.Checker{TargetService: s.readiness}).Methods(http.MethodGet)
	}

	r.HandleFunc("/buckets/{bucket}/keys/{key}", s.putObject).Methods(http.MethodPut)
	r.HandleFunc("/buckets/{bucket}/keys/{key}", s.deleteObject).Methods(http.MethodDelete)
	r.HandleFunc("/buckets/{bucket}/index/{index}/{value}", s.equalityQuery).Methods(http.MethodGet)
	r.HandleFunc("/buckets/{bucket}/index/{index}/{start}/{end}", s.rangeQuery).Methods(http.MethodGet)

	handler := http.Handler(r)
	if s.tracing {
		handler = otelhttp.NewHandler(handler, "kvflow")
	}

	return recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
		AllowedOrigins:   s.corsAllowedOrigins,
		AllowCredentials: true,
		AllowedHeaders:   s.corsAllowedHeaders,
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodPut,
		},
	}).Handler(handler), s.logger)
}
