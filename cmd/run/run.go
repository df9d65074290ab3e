// Package run contains the command to run a kvflow server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"

	"github.com/kvflow/kvflow/internal/build"
	"github.com/kvflow/kvflow/internal/coverage"
	"github.com/kvflow/kvflow/internal/ring"
	serverconfig "github.com/kvflow/kvflow/internal/server/config"
	"github.com/kvflow/kvflow/pkg/bridge"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/middleware/logging"
	"github.com/kvflow/kvflow/pkg/middleware/recovery"
	"github.com/kvflow/kvflow/pkg/middleware/requestid"
	"github.com/kvflow/kvflow/pkg/server"
	"github.com/kvflow/kvflow/pkg/storage/pebblekv"
	"github.com/kvflow/kvflow/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kvflow server",
		Long:  "Run the kvflow server.",
		RunE:  run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	cmd.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String("grpc-addr", defaultConfig.GRPC.Addr, "the host:port address to serve the grpc server on")

	flags.Bool("grpc-tls-enabled", defaultConfig.GRPC.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("grpc-tls-cert", defaultConfig.GRPC.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("grpc-tls-key", defaultConfig.GRPC.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	cmd.MarkFlagsRequiredTogether("grpc-tls-enabled", "grpc-tls-cert", "grpc-tls-key")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Int("ring-partitions", defaultConfig.Ring.Partitions, "the number of partitions in the ring")

	flags.Int("ring-nval", defaultConfig.Ring.NVal, "the number of replicas of every object, unless overridden for its bucket")

	flags.StringToInt("ring-bucket-nvals", defaultConfig.Ring.BucketNVals, "per-bucket replica counts, e.g. 'sessions=1,users=5'")

	flags.Int("ring-nval-cache-size", defaultConfig.Ring.NValCacheSize, "the number of bucket replica counts kept in memory")

	flags.String("storage-dir", defaultConfig.Storage.Dir, "the directory vnode databases are stored in. If empty, data is kept in memory")

	flags.Int("storage-max-concurrent-scans", defaultConfig.Storage.MaxConcurrentScans, "the maximum number of index scans streaming at the same time")

	flags.Float64("storage-scan-rate-per-second", defaultConfig.Storage.ScanRatePerSecond, "the maximum number of index scans started per second. 0 means unlimited")

	flags.Int("storage-scan-burst", defaultConfig.Storage.ScanBurst, "the number of index scans that may start at once when scans are rate limited")

	flags.Int("scan-batch-size", defaultConfig.Scan.BatchSize, "the maximum number of keys returned by a vnode in a single reply")

	flags.Int("scan-pipe-capacity", defaultConfig.Scan.PipeCapacity, "the number of items buffered between pipeline stages. Must be a power of two")

	flags.Duration("scan-timeout", defaultConfig.Scan.Timeout, "the timeout of index queries that do not ask for one")

	flags.Duration("scan-max-timeout", defaultConfig.Scan.MaxTimeout, "the largest timeout an index query may ask for")

	flags.Int("scan-max-concurrent-dispatch", defaultConfig.Scan.MaxConcurrentDispatch, "the maximum number of vnodes scanned at the same time by a single query")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the kvflow server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/kvflow', '$HOME/.kvflow', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(cmd *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := config.Verify(); err != nil {
		return err
	}

	logger, err := logger.NewLogger(config.Log.Format, config.Log.Level)
	if err != nil {
		return err
	}
	serverCtx := &ServerContext{Logger: logger}
	return serverCtx.Run(cmd.Context(), config)
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithOTLPTLS(config.Trace.OTLP.TLS.Enabled),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
			telemetry.WithAttributes(
				attribute.Int("kvflow.ring.partitions", config.Ring.Partitions),
				attribute.Int("kvflow.ring.nval", config.Ring.NVal),
			),
		)
		return func() error {
			// the batch span processor may take up to 5 seconds to export
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return telemetry.Shutdown(ctx, tp)
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

// storageConfig opens the local node hosting every vnode of the ring.
func (s *ServerContext) storageConfig(config *serverconfig.Config) (ring.Ring, ring.NValLookup, *pebblekv.Node, error) {
	r, err := ring.New(config.Ring.Partitions)
	if err != nil {
		return ring.Ring{}, nil, nil, err
	}

	static, err := ring.NewStaticNVals(config.Ring.NVal, config.Ring.BucketNVals)
	if err != nil {
		return ring.Ring{}, nil, nil, err
	}

	nvals, err := ring.NewCachedNValLookup(static, ring.WithCacheSize(config.Ring.NValCacheSize))
	if err != nil {
		return ring.Ring{}, nil, nil, err
	}

	node, err := pebblekv.New(r, nvals,
		pebblekv.WithDir(config.Storage.Dir),
		pebblekv.WithMaxConcurrentScans(config.Storage.MaxConcurrentScans),
		pebblekv.WithScanRate(config.Storage.ScanRatePerSecond, config.Storage.ScanBurst),
		pebblekv.WithLogger(s.Logger),
	)
	if err != nil {
		return ring.Ring{}, nil, nil, fmt.Errorf("initialize storage: %w", err)
	}

	return r, nvals, node, nil
}

func (s *ServerContext) listen(config *serverconfig.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	if config.HTTP.TLS != nil && config.HTTP.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("load http tls certificate: %w", err)
		}
		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
		return tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}), nil
	}

	s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	return listener, nil
}

func (s *ServerContext) buildServerOpts(config *serverconfig.Config) ([]grpc.ServerOption, error) {
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			[]grpc.UnaryServerInterceptor{
				grpc_recovery.UnaryServerInterceptor( // panic middleware must be 1st in chain
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				grpc_ctxtags.UnaryServerInterceptor(), // needed for logging
				requestid.NewUnaryInterceptor(),       // add request_id to ctxtags
				logging.NewLoggingInterceptor(s.Logger),
			}...,
		),
		grpc.ChainStreamInterceptor(
			[]grpc.StreamServerInterceptor{
				grpc_recovery.StreamServerInterceptor( // panic middleware must be 1st in chain
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				grpc_ctxtags.StreamServerInterceptor(), // needed for logging
				requestid.NewStreamingInterceptor(),    // add request_id to ctxtags
			}...,
		),
	}

	if config.Metrics.Enabled {
		prometheusMetrics := grpc_prometheus.NewServerMetrics(grpc_prometheus.WithServerHandlingTimeHistogram())
		if err := prometheus.Register(prometheusMetrics); err != nil {
			// a previous run in this process registered the same collectors
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, fmt.Errorf("register grpc metrics: %w", err)
			}
			prometheusMetrics = already.ExistingCollector.(*grpc_prometheus.ServerMetrics)
		}

		serverOpts = append(serverOpts,
			grpc.ChainUnaryInterceptor(prometheusMetrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(prometheusMetrics.StreamServerInterceptor()))
	}

	if config.Trace.Enabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	// The logging interceptor wraps the server stream and must come last.
	serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(logging.NewStreamingLoggingInterceptor(s.Logger)))

	if config.GRPC.TLS != nil && config.GRPC.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(config.GRPC.TLS.CertPath, config.GRPC.TLS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load grpc tls certificate: %w", err)
		}
		creds := credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		serverOpts = append(serverOpts, grpc.Creds(creds))

		s.Logger.Info("gRPC TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("gRPC TLS is disabled, serving connections using insecure plaintext")
	}
	return serverOpts, nil
}

func (s *ServerContext) dialGrpc(udsPath string, config *serverconfig.Config) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	if config.Trace.Enabled {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}

	conn, err := grpc.NewClient("unix://"+udsPath, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client connection: %w", err)
	}
	return conn, nil
}

// Run serves kvflow until ctx is cancelled or the process is signalled.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			s.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	r, nvals, node, err := s.storageConfig(config)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			s.Logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	dispatcher := coverage.NewDispatcher(r,
		coverage.WithMaxConcurrency(config.Scan.MaxConcurrentDispatch),
		coverage.WithLogger(s.Logger),
	)

	b := bridge.New(node, dispatcher, nvals,
		bridge.WithBatchSize(config.Scan.BatchSize),
		bridge.WithBufferCapacity(config.Scan.PipeCapacity),
		bridge.WithLogger(s.Logger),
	)

	serverOpts, err := s.buildServerOpts(config)
	if err != nil {
		return err
	}

	// The HTTP /healthz endpoint asks the gRPC health service over a local
	// unix socket.
	udsPath := filepath.Join(os.TempDir(), fmt.Sprintf("kvflow-grpc-%d-%s.sock", os.Getpid(), ulid.Make()))
	grpcConn, err := s.dialGrpc(udsPath, config)
	if err != nil {
		return err
	}
	defer grpcConn.Close()

	svr := server.New(node, b,
		server.WithLogger(s.Logger),
		server.WithScanTimeout(config.Scan.Timeout, config.Scan.MaxTimeout),
		server.WithPipeCapacity(config.Scan.PipeCapacity),
		server.WithCORS(config.HTTP.CORSAllowedOrigins, config.HTTP.CORSAllowedHeaders),
		server.WithReadiness(node),
		server.WithHealthzGateway(grpcConn),
		server.WithTracing(config.Trace.Enabled),
	)

	// nosemgrep: grpc-server-insecure-connection
	grpcServer := grpc.NewServer(serverOpts...)
	svr.RegisterGRPC(grpcServer)
	reflection.Register(grpcServer)

	s.Logger.Info(
		"starting kvflow service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", config),
	)

	grpcListener, err := net.Listen("tcp", config.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer grpcListener.Close()

	udsListener, err := net.Listen("unix", udsPath)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	defer func() {
		if err := os.Remove(udsPath); err != nil && !os.IsNotExist(err) {
			s.Logger.Warn("failed to remove unix socket file", zap.Error(err))
		}
	}()

	listener, err := s.listen(config)
	if err != nil {
		udsListener.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	servers := []*http.Server{{
		Addr:              config.HTTP.Addr,
		Handler:           svr.Handler(),
		ReadHeaderTimeout: serverconfig.DefaultHTTPReadHeaderTimeout,
	}}
	listeners := []net.Listener{listener}

	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsListener, err := net.Listen("tcp", config.Metrics.Addr)
		if err != nil {
			listener.Close()
			udsListener.Close()
			return fmt.Errorf("failed to listen: %w", err)
		}

		s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
		servers = append(servers, &http.Server{
			Addr:              config.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: serverconfig.DefaultHTTPReadHeaderTimeout,
		})
		listeners = append(listeners, metricsListener)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on '%s' closed with unexpected error: %w", srv.Addr, err)
			}
			return nil
		})
	}

	for _, lis := range []net.Listener{grpcListener, udsListener} {
		g.Go(func() error {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server on '%s' closed with unexpected error: %w", lis.Addr(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.Logger.Info("attempting to shutdown gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverconfig.DefaultHTTPShutdownGracePeriod)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.Logger.Info("failed to shutdown server", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}

		grpcServer.GracefulStop()
		return nil
	})

	s.Logger.Info(fmt.Sprintf("🚀 starting gRPC server on '%s'...", grpcListener.Addr().String()))
	s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", listener.Addr().String()))

	err = g.Wait()
	s.Logger.Info("server exited. goodbye 👋")
	return err
}
