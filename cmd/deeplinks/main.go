package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/deeplinks/internal/config"
	"github.com/agentworkforce/deeplinks/internal/enrich"
	"github.com/agentworkforce/deeplinks/internal/httpapi"
	"github.com/agentworkforce/deeplinks/internal/logging"
	"github.com/agentworkforce/deeplinks/internal/matching"
	"github.com/agentworkforce/deeplinks/internal/notify"
	"github.com/agentworkforce/deeplinks/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("deeplinks: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("deeplinks stopped")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	dsn, err := cfg.ResolveStoreDSN()
	if err != nil {
		return err
	}
	backend, err := enrich.BuildBackendFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("store backend: %w", err)
	}
	defer backend.Close()
	if pg, ok := backend.(*enrich.PostgresBackend); ok {
		go pg.RunJanitor(ctx, cfg.JanitorInterval, logger)
	}

	cities := matching.NewCityIndex()
	if path := strings.TrimSpace(cfg.CitySlugFile); path != "" {
		go func() {
			if err := matching.WatchCityOverrides(ctx, path, cities, logger); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("city override watcher stopped")
			}
		}()
	}

	hub := notify.NewHub(notify.HubOptions{
		BacklogTTL: cfg.BacklogTTL,
		BacklogMax: cfg.BacklogMax,
		Logger:     &logger,
	})
	go hub.Run(ctx, cfg.BacklogTTL)

	publisher, closePublisher, err := buildPublisher(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	providers, err := cfg.ProviderIDs()
	if err != nil {
		return err
	}
	search := enrich.NewHTTPSearchClient(enrich.SearchHTTPClientOptions{
		BaseURL:    cfg.SearchBaseURL,
		APIKey:     cfg.SearchAPIKey,
		HTTPClient: &http.Client{Timeout: cfg.SearchTimeout},
		MaxRetries: cfg.SearchMaxRetries,
	})
	engine, err := enrich.NewEngine(engineOptions(cfg, backend, search, publisher, cities, providers, &logger))
	if err != nil {
		return err
	}

	server := httpapi.NewServer(engine, hub, httpapi.ServerConfig{
		InternalHMACSecret: cfg.InternalHMACSecret,
		InternalMaxSkew:    cfg.InternalMaxSkew,
		AdminToken:         cfg.AdminToken,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		BackendKind:        enrich.BackendKind(backend),
		Stream:             notify.StreamOptions{OriginPatterns: cfg.WSOrigins},
		Logger:             &logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("backend", enrich.BackendKind(backend)).
			Strs("providers", providerStrings(providers)).
			Bool("kafka", cfg.KafkaEnabled()).
			Msg("deeplinks listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("enrichment workers did not drain")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
	return runErr
}

// buildPublisher returns the hub itself, or a Kafka publisher plus a bridge
// feeding the hub when brokers are configured.
func buildPublisher(ctx context.Context, cfg config.Config, hub *notify.Hub, logger zerolog.Logger) (enrich.Publisher, func(), error) {
	if !cfg.KafkaEnabled() {
		return hub, func() {}, nil
	}
	id := instanceID()
	kafkaPublisher, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, id)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka publisher: %w", err)
	}
	bridge, err := notify.NewKafkaBridge(notify.KafkaBridgeOptions{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupPrefix + "-" + id,
		Logger:  &logger,
	}, hub)
	if err != nil {
		_ = kafkaPublisher.Close()
		return nil, nil, fmt.Errorf("kafka bridge: %w", err)
	}
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("kafka bridge stopped")
		}
	}()
	return kafkaPublisher, func() { _ = kafkaPublisher.Close() }, nil
}

func engineOptions(
	cfg config.Config,
	backend enrich.Backend,
	search enrich.SearchAdapter,
	publisher enrich.Publisher,
	cities *matching.CityIndex,
	providers []matching.ProviderID,
	logger *zerolog.Logger,
) enrich.Options {
	return enrich.Options{
		Cache:            backend,
		Locks:            backend,
		Search:           search,
		Publisher:        publisher,
		Strategies:       matching.NewTable(cities, cfg.CandidateLimit),
		EnabledProviders: providers,
		TopN:             cfg.TopN,
		MaxWorkers:       cfg.MaxWorkers,
		QueueSize:        cfg.QueueSize,
		CandidateLimit:   cfg.CandidateLimit,
		FoundTTL:         cfg.FoundTTL,
		NotFoundTTL:      cfg.NotFoundTTL,
		LockTTL:          cfg.LockTTL,
		WorkerTimeout:    cfg.WorkerTimeout,
		StoreTimeout:     cfg.StoreTimeout,
		PatchChannel:     cfg.PatchChannel,
		Logger:           logger,
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "deeplinks"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func providerStrings(ids []matching.ProviderID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
