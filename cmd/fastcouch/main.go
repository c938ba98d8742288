package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/fastcouch-go/client"
	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/pkg/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Version: metrics.BuildVersion,

	Use:   "fastcouch",
	Short: "A cluster-aware key-value client for Couchbase buckets",

	SilenceUsage: true,
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("connstr", "couchbase://127.0.0.1", "the couchbase connection string")
	configFlags.String("bucket", "default", "the bucket to connect to, unless named by the connection string")
	configFlags.String("cb-user", "Administrator", "the couchbase server username")
	configFlags.String("cb-pass", "password", "the couchbase server password")
	configFlags.Duration("command-timeout", 2500*time.Millisecond, "how long an operation may take, 0 to disable")
	configFlags.Duration("topology-timeout", 10*time.Second, "how long to wait for the first topology")
	configFlags.Int("max-retries", client.DefaultMaxRetries, "how many times a command is retried")
	configFlags.Bool("compression", false, "negotiate snappy compression with the data service")
	configFlags.String("hash-algorithm", "CRC", "the key hash used to pick vbuckets (CRC or XXHASH)")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind the web api to")
	configFlags.Int("web-port", 9092, "the web metrics/health port used by watch")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all operations")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viewCmd.Flags().String("key", "", "only return rows with this key (JSON encoded)")
	viewCmd.Flags().Int("limit", 0, "the maximum number of rows to return")
	viewCmd.Flags().String("stale", "", "ok, false or update_after")

	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, viewCmd, pingCmd, watchCmd)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("fcb")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String("fastcouch"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr        string
	connStr            string
	bucket             string
	cbUser             string
	cbPass             string
	commandTimeout     time.Duration
	topologyTimeout    time.Duration
	maxRetries         int
	compression        bool
	hashAlgorithm      string
	bindAddress        string
	webPort            int
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		connStr:            viper.GetString("connstr"),
		bucket:             viper.GetString("bucket"),
		cbUser:             viper.GetString("cb-user"),
		cbPass:             viper.GetString("cb-pass"),
		commandTimeout:     viper.GetDuration("command-timeout"),
		topologyTimeout:    viper.GetDuration("topology-timeout"),
		maxRetries:         viper.GetInt("max-retries"),
		compression:        viper.GetBool("compression"),
		hashAlgorithm:      viper.GetString("hash-algorithm"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
	}

	logger.Debug("parsed client configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("connStr", config.connStr),
		zap.String("bucket", config.bucket),
		zap.String("cbUser", config.cbUser),
		zap.Duration("commandTimeout", config.commandTimeout),
		zap.Duration("topologyTimeout", config.topologyTimeout),
		zap.Int("maxRetries", config.maxRetries),
		zap.Bool("compression", config.compression),
		zap.String("hashAlgorithm", config.hashAlgorithm),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

func applyLogLevel(logger *zap.Logger, logLevel zap.AtomicLevel, levelStr string) {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)
}

// session is a connected client plus the process-wide state built for it.
type session struct {
	logger         *zap.Logger
	logLevel       zap.AtomicLevel
	config         *config
	client         *client.Client
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

func openSession() (*session, error) {
	logLevel, logger := getLogger()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load specified config file")
		}
	}

	config := readConfig(logger)
	applyLogLevel(logger, logLevel, config.logLevelStr)

	tracerProvider, meterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize opentelemetry")
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	seeds, connStrBucket, err := client.SeedsFromConnStr(config.connStr)
	if err != nil {
		return nil, err
	}

	bucket := config.bucket
	if connStrBucket != "" {
		bucket = connStrBucket
	}

	hasher, err := cbtopology.HasherForAlgorithm(config.hashAlgorithm)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClient(&client.Options{
		Logger:            logger.Named("client"),
		Hasher:            hasher,
		BucketName:        bucket,
		Seeds:             seeds,
		Username:          config.cbUser,
		Password:          config.cbPass,
		CommandTimeout:    config.commandTimeout,
		EnableCompression: config.compression,
		MaxRetries:        config.maxRetries,
	})
	if err != nil {
		return nil, err
	}

	s := &session{
		logger:         logger,
		logLevel:       logLevel,
		config:         config,
		client:         cli,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}

	if !cli.WaitForInitialTopology(config.topologyTimeout) {
		s.Close()
		return nil, errors.Errorf("no topology received for bucket %s within %s", bucket, config.topologyTimeout)
	}

	return s, nil
}

func (s *session) Close() {
	err := s.client.Close()
	if err != nil {
		s.logger.Warn("failed to close client cleanly", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.tracerProvider != nil {
		_ = s.tracerProvider.Shutdown(ctx)
	}
	if s.meterProvider != nil {
		_ = s.meterProvider.Shutdown(ctx)
	}

	_ = s.logger.Sync()
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}

// watchForSignals invokes shutdown on SIGINT/SIGTERM and reload on SIGHUP
// until stop is closed.
func watchForSignals(logger *zap.Logger, shutdown func(), reload func(), stop <-chan struct{}) {
	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	hasReceivedSigInt := false
	for {
		select {
		case <-stop:
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT:
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				}
				logger.Info("Received SIGINT, attempting graceful shutdown...")
				hasReceivedSigInt = true
				shutdown()
			case syscall.SIGTERM:
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				shutdown()
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP, reloading configuration...")
				reload()
			}
		}
	}
}

func newConfigReloader(s *session) func() {
	var configLock sync.Mutex
	return func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			s.logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(s.logger)

		if newConfig.connStr != s.config.connStr ||
			newConfig.bucket != s.config.bucket ||
			newConfig.cbUser != s.config.cbUser ||
			newConfig.cbPass != s.config.cbPass {
			s.logger.Warn("config changes for connStr, bucket, cbUser, or cbPass require a restart")
		}

		if newConfig.logLevelStr != s.config.logLevelStr {
			applyLogLevel(s.logger, s.logLevel, newConfig.logLevelStr)
			s.logger.Info("updated log level",
				zap.String("newLevel", s.logLevel.Level().String()))
		}

		s.config = newConfig
	}
}

func watchConfigFile(s *session, reload func()) {
	if !watchCfgFile || cfgFile == "" {
		return
	}

	viper.OnConfigChange(func(in fsnotify.Event) {
		s.logger.Info("configuration file change detected",
			zap.String("file", in.Name),
			zap.Stringer("op", in.Op))
		reload()
	})

	go viper.WatchConfig()
}

func describeTopology(topology *cbtopology.Topology) []string {
	servers := make([]string, len(topology.Servers))
	for i, server := range topology.Servers {
		servers[i] = server.ID()
	}
	return servers
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
