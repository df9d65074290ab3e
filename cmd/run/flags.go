package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kvflow/kvflow/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, _ []string) {
		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http.addr", "KVFLOW_HTTP_ADDR")

		util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
		util.MustBindEnv("http.tls.enabled", "KVFLOW_HTTP_TLS_ENABLED")

		util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
		util.MustBindEnv("http.tls.cert", "KVFLOW_HTTP_TLS_CERT")

		util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
		util.MustBindEnv("http.tls.key", "KVFLOW_HTTP_TLS_KEY")

		util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.corsAllowedOrigins", "KVFLOW_HTTP_CORS_ALLOWED_ORIGINS")

		util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.corsAllowedHeaders", "KVFLOW_HTTP_CORS_ALLOWED_HEADERS")

		util.MustBindPFlag("grpc.addr", flags.Lookup("grpc-addr"))
		util.MustBindEnv("grpc.addr", "KVFLOW_GRPC_ADDR")

		util.MustBindPFlag("grpc.tls.enabled", flags.Lookup("grpc-tls-enabled"))
		util.MustBindEnv("grpc.tls.enabled", "KVFLOW_GRPC_TLS_ENABLED")

		util.MustBindPFlag("grpc.tls.cert", flags.Lookup("grpc-tls-cert"))
		util.MustBindEnv("grpc.tls.cert", "KVFLOW_GRPC_TLS_CERT")

		util.MustBindPFlag("grpc.tls.key", flags.Lookup("grpc-tls-key"))
		util.MustBindEnv("grpc.tls.key", "KVFLOW_GRPC_TLS_KEY")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "KVFLOW_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "KVFLOW_LOG_LEVEL")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "KVFLOW_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "KVFLOW_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "KVFLOW_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "KVFLOW_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "KVFLOW_TRACE_SERVICE_NAME")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "KVFLOW_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "KVFLOW_METRICS_ADDR")

		util.MustBindPFlag("ring.partitions", flags.Lookup("ring-partitions"))
		util.MustBindEnv("ring.partitions", "KVFLOW_RING_PARTITIONS")

		util.MustBindPFlag("ring.nval", flags.Lookup("ring-nval"))
		util.MustBindEnv("ring.nval", "KVFLOW_RING_NVAL")

		util.MustBindPFlag("ring.bucketNVals", flags.Lookup("ring-bucket-nvals"))

		util.MustBindPFlag("ring.nvalCacheSize", flags.Lookup("ring-nval-cache-size"))
		util.MustBindEnv("ring.nvalCacheSize", "KVFLOW_RING_NVAL_CACHE_SIZE")

		util.MustBindPFlag("storage.dir", flags.Lookup("storage-dir"))
		util.MustBindEnv("storage.dir", "KVFLOW_STORAGE_DIR")

		util.MustBindPFlag("storage.maxConcurrentScans", flags.Lookup("storage-max-concurrent-scans"))
		util.MustBindEnv("storage.maxConcurrentScans", "KVFLOW_STORAGE_MAX_CONCURRENT_SCANS")

		util.MustBindPFlag("storage.scanRatePerSecond", flags.Lookup("storage-scan-rate-per-second"))
		util.MustBindEnv("storage.scanRatePerSecond", "KVFLOW_STORAGE_SCAN_RATE_PER_SECOND")

		util.MustBindPFlag("storage.scanBurst", flags.Lookup("storage-scan-burst"))
		util.MustBindEnv("storage.scanBurst", "KVFLOW_STORAGE_SCAN_BURST")

		util.MustBindPFlag("scan.batchSize", flags.Lookup("scan-batch-size"))
		util.MustBindEnv("scan.batchSize", "KVFLOW_SCAN_BATCH_SIZE")

		util.MustBindPFlag("scan.pipeCapacity", flags.Lookup("scan-pipe-capacity"))
		util.MustBindEnv("scan.pipeCapacity", "KVFLOW_SCAN_PIPE_CAPACITY")

		util.MustBindPFlag("scan.timeout", flags.Lookup("scan-timeout"))
		util.MustBindEnv("scan.timeout", "KVFLOW_SCAN_TIMEOUT")

		util.MustBindPFlag("scan.maxTimeout", flags.Lookup("scan-max-timeout"))
		util.MustBindEnv("scan.maxTimeout", "KVFLOW_SCAN_MAX_TIMEOUT")

		util.MustBindPFlag("scan.maxConcurrentDispatch", flags.Lookup("scan-max-concurrent-dispatch"))
		util.MustBindEnv("scan.maxConcurrentDispatch", "KVFLOW_SCAN_MAX_CONCURRENT_DISPATCH")
	}
}
