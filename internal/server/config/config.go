// Package config contains all knobs and defaults used to configure features of
// kvflow when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	DefaultPartitions    = 64
	DefaultNVal          = 3
	DefaultNValCacheSize = 1024

	DefaultScanBatchSize           = 100
	DefaultScanPipeCapacity        = 64
	DefaultScanTimeout             = 5 * time.Second
	DefaultScanMaxTimeout          = time.Minute
	DefaultMaxConcurrentDispatch   = 16
	DefaultMaxConcurrentScans      = 64
	DefaultScanRatePerSecond       = 0
	DefaultScanBurst               = 100
	DefaultHTTPReadHeaderTimeout   = 5 * time.Second
	DefaultHTTPShutdownGracePeriod = 10 * time.Second
)

// GRPCConfig defines kvflow server configurations for grpc server specific settings.
type GRPCConfig struct {
	Addr string
	TLS  *TLSConfig
}

// HTTPConfig defines kvflow server configurations for HTTP server specific settings.
type HTTPConfig struct {
	Addr string
	TLS  *TLSConfig

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// LogConfig defines kvflow server configurations for log specific settings. For production we
// recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines configurations for serving prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// RingConfig describes the partition ring and replication factors.
type RingConfig struct {
	// Partitions is the number of partitions in the ring.
	Partitions int

	// NVal is the replication factor of buckets without an override.
	NVal int

	// BucketNVals overrides the replication factor per bucket.
	BucketNVals map[string]int `mapstructure:"bucketNVals"`

	// NValCacheSize is the number of bucket replication factors kept in memory.
	NValCacheSize int
}

// StorageConfig configures the local pebble storage node.
type StorageConfig struct {
	// Dir is where vnode databases live. Empty keeps everything in memory.
	Dir string

	// MaxConcurrentScans bounds the number of scans streaming at once.
	MaxConcurrentScans int

	// ScanRatePerSecond limits scan admissions. Zero disables the limit.
	ScanRatePerSecond float64
	ScanBurst         int
}

// ScanConfig configures index scans queued through the bridge.
type ScanConfig struct {
	BatchSize    int
	PipeCapacity int

	// Timeout is used when a request does not ask for one.
	Timeout time.Duration

	// MaxTimeout caps the timeout a request may ask for.
	MaxTimeout time.Duration

	// MaxConcurrentDispatch bounds the number of vnodes scanned at once per query.
	MaxConcurrentDispatch int
}

type Config struct {
	GRPC    GRPCConfig
	HTTP    HTTPConfig
	Log     LogConfig
	Trace   TraceConfig
	Metrics MetricConfig
	Ring    RingConfig
	Storage StorageConfig
	Scan    ScanConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error']",
		)
	}

	if cfg.GRPC.TLS != nil && cfg.GRPC.TLS.Enabled {
		if cfg.GRPC.TLS.CertPath == "" || cfg.GRPC.TLS.KeyPath == "" {
			return errors.New("'grpc.tls.cert' and 'grpc.tls.key' configs must be set")
		}
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
	}

	if cfg.Ring.Partitions < 1 {
		return errors.New("config 'ring.partitions' must be greater than zero")
	}

	if cfg.Ring.NVal < 1 || cfg.Ring.NVal > cfg.Ring.Partitions {
		return fmt.Errorf("config 'ring.nval' (%d) must be between 1 and 'ring.partitions' (%d)", cfg.Ring.NVal, cfg.Ring.Partitions)
	}

	for bucket, nval := range cfg.Ring.BucketNVals {
		if nval < 1 || nval > cfg.Ring.Partitions {
			return fmt.Errorf("config 'ring.bucketNVals' of bucket %q (%d) must be between 1 and 'ring.partitions' (%d)", bucket, nval, cfg.Ring.Partitions)
		}
	}

	if cfg.Ring.NValCacheSize < 1 {
		return errors.New("config 'ring.nvalCacheSize' must be greater than zero")
	}

	if cfg.Storage.MaxConcurrentScans < 1 {
		return errors.New("config 'storage.maxConcurrentScans' must be greater than zero")
	}

	if cfg.Storage.ScanRatePerSecond < 0 {
		return errors.New("config 'storage.scanRatePerSecond' must not be negative")
	}

	if cfg.Storage.ScanRatePerSecond > 0 && cfg.Storage.ScanBurst < 1 {
		return errors.New("config 'storage.scanBurst' must be greater than zero when scans are rate limited")
	}

	if cfg.Scan.BatchSize < 1 {
		return errors.New("config 'scan.batchSize' must be greater than zero")
	}

	if cfg.Scan.PipeCapacity < 1 || cfg.Scan.PipeCapacity&(cfg.Scan.PipeCapacity-1) != 0 {
		return errors.New("config 'scan.pipeCapacity' must be a power of two")
	}

	if cfg.Scan.Timeout <= 0 {
		return errors.New("config 'scan.timeout' must be greater than zero")
	}

	if cfg.Scan.MaxTimeout < cfg.Scan.Timeout {
		return fmt.Errorf(
			"config 'scan.maxTimeout' (%s) cannot be lower than 'scan.timeout' config (%s)",
			cfg.Scan.MaxTimeout,
			cfg.Scan.Timeout,
		)
	}

	if cfg.Scan.MaxConcurrentDispatch < 1 {
		return errors.New("config 'scan.maxConcurrentDispatch' must be greater than zero")
	}

	return nil
}

// DefaultConfig is the kvflow server default configurations.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Addr: "0.0.0.0:8081",
			TLS:  &TLSConfig{Enabled: false},
		},
		HTTP: HTTPConfig{
			Addr:               "0.0.0.0:8080",
			TLS:                &TLSConfig{Enabled: false},
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "kvflow",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Ring: RingConfig{
			Partitions:    DefaultPartitions,
			NVal:          DefaultNVal,
			BucketNVals:   map[string]int{},
			NValCacheSize: DefaultNValCacheSize,
		},
		Storage: StorageConfig{
			MaxConcurrentScans: DefaultMaxConcurrentScans,
			ScanRatePerSecond:  DefaultScanRatePerSecond,
			ScanBurst:          DefaultScanBurst,
		},
		Scan: ScanConfig{
			BatchSize:             DefaultScanBatchSize,
			PipeCapacity:          DefaultScanPipeCapacity,
			Timeout:               DefaultScanTimeout,
			MaxTimeout:            DefaultScanMaxTimeout,
			MaxConcurrentDispatch: DefaultMaxConcurrentDispatch,
		},
	}
}

// MustDefaultConfig returns default server config with metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false

	return config
}

// MustDefaultConfigWithRandomPorts returns default server config but with random ports for the grpc and http
// addresses and with metrics turned off.
// This function may panic if somehow a random port cannot be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := MustDefaultConfig()

	grpcPort, grpcPortReleaser := TCPRandomPort()
	defer grpcPortReleaser()

	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()

	config.GRPC.Addr = fmt.Sprintf("127.0.0.1:%d", grpcPort)
	config.HTTP.Addr = fmt.Sprintf("127.0.0.1:%d", httpPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}
