package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/always-cache/cachehtml"
	"github.com/always-cache/cachehtml/cache"
	"github.com/always-cache/cachehtml/pkg/hasher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	config, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if config.VerbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFilename != "" {
		if logFileOutput, err := os.OpenFile(config.LogFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	store, closeStore, err := openStore(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open property store")
	}
	defer closeStore()

	meterProvider, metricsHandler, err := newMeterProvider(config.Metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up metrics")
	}
	defer meterProvider.Shutdown(context.Background())

	contentHasher, err := hasher.New(config.Hasher)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid hasher")
	}

	serverConfig := cachehtml.Config{
		Store:                 store,
		OriginTimeout:         config.OriginTimeout,
		Logger:                &log.Logger,
		Meter:                 meterProvider.Meter("github.com/always-cache/cachehtml"),
		MaxHTMLSizeRewritable: config.MaxHTMLSize,
		CacheTime:             config.CacheTime,
		Rules:                 config.Rules,
		ChangeDetection:       config.ChangeDetection,
		UseSmartDiff:          config.UseSmartDiff,
		BlinkJSURL:            config.BlinkJSURL,
		Experiment:            config.Experiment,
		NonCacheableAttr:      config.NonCacheableAttr,
		Hasher:                contentHasher,
		Queue:                 config.Queue,
	}

	// get the downstream server address
	if config.Origin != "" {
		originUrl, err := url.Parse(config.Origin)
		if err != nil {
			log.Fatal().Err(err).Msg("Clould not parse url")
		}
		serverConfig.OriginURL = *originUrl
	} else if config.Addr != "" {
		originUrl, err := url.Parse("https://" + config.Addr)
		if err != nil {
			log.Fatal().Err(err).Msg("Clould not parse url")
		}
		serverConfig.OriginURL = *originUrl
		serverConfig.OriginHost = config.Host
	} else {
		log.Fatal().Msg("Please specify origin")
	}

	server, err := cachehtml.CreateServer(serverConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create server")
	}
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, serverConfig.OriginURL.String(), serverConfig.OriginHost)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), newRouter(server, metricsHandler, log.Logger))

	if err != nil {
		panic(err)
	}
}

// openStore returns the property store backend selected by the config and
// a func to close it.
func openStore(config Config) (cache.Backend, func(), error) {
	if config.Redis != "" {
		rclient := redis.NewClient(&redis.Options{Addr: config.Redis})
		if err := rclient.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		return cache.NewRedisBackend(rclient, "cachehtml:", 0), func() { rclient.Close() }, nil
	}
	if config.DB == "memory" {
		return cache.NewMemBackend(), func() {}, nil
	}
	store, err := cache.NewSQLiteBackend(config.DB)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// newMeterProvider creates a meter provider exporting with the named
// exporter. The returned handler serves the metrics if the exporter is
// scraped, and is nil otherwise.
func newMeterProvider(exporter string) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch exporter {
	case "", "prometheus":
		registry := prometheus.NewRegistry()
		reader, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, nil, err
		}
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), handler, nil
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, nil, err
		}
		reader := sdkmetric.NewPeriodicReader(exp)
		return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil, nil
	case "none":
		return sdkmetric.NewMeterProvider(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics exporter %q", exporter)
	}
}
