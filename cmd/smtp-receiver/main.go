// Package main is the entry point for the SMTP receiver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-receiver-lite/internal/config"
	"github.com/shineum/smtp-receiver-lite/internal/delivery"
	"github.com/shineum/smtp-receiver-lite/internal/policy"
	"github.com/shineum/smtp-receiver-lite/internal/provider"
	"github.com/shineum/smtp-receiver-lite/internal/provider/memory"
	"github.com/shineum/smtp-receiver-lite/internal/provider/ses"
	"github.com/shineum/smtp-receiver-lite/internal/provider/stdout"
	"github.com/shineum/smtp-receiver-lite/internal/provider/store"
	"github.com/shineum/smtp-receiver-lite/internal/smtp"
)

// drainTimeout bounds how long queued messages may take to reach the
// provider after the server stops.
const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-receiver-lite stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	prov, err := selectProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := prov.(io.Closer); ok {
		defer c.Close()
	}

	queue := delivery.NewQueue(prov, delivery.QueueConfig{
		Size:    cfg.Delivery.QueueSize,
		Workers: cfg.Delivery.Workers,
		Logger:  logger,
	})

	domain := cfg.SMTP.Domain
	if domain == "" {
		domain = smtp.DefaultDomain()
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Domain:          domain,
		WelcomeMessage:  cfg.SMTP.WelcomeMessage,
		HeloResponse:    cfg.SMTP.HeloResponse,
		RecipientFilter: buildPolicy(cfg, domain, logger),
		Deliver:         queue.Deliver,
		Logger:          logger,
		MaxMessageSize:  int(cfg.SMTP.MaxMessageSize),
		MaxLineLength:   cfg.SMTP.MaxLineLength,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
	})

	if cfg.Metrics.Listen != "" {
		metrics := startMetrics(cfg.Metrics.Listen, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metrics.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("starting smtp-receiver-lite",
		"listen", cfg.SMTP.Listen,
		"domain", domain,
		"provider", prov.Name(),
		"policy", cfg.Policy.Mode,
		"metrics", cfg.Metrics.Listen,
	)

	// Start the server (blocks until context is cancelled)
	serveErr := server.ListenAndServe(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := queue.Close(drainCtx); err != nil {
		slog.Warn("delivery queue did not drain", "pending", queue.Len(), "error", err)
	}

	return serveErr
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the delivery backend named by the configuration.
func selectProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Delivery.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
			"forward_to", cfg.SES.ForwardTo,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
			ForwardTo:       cfg.SES.ForwardTo,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStore:
		slog.Info("using SQLite store provider", "path", cfg.Store.Path)
		p, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open message store: %w", err)
		}
		return p, nil

	case config.ProviderMemory:
		slog.Info("using memory provider")
		return memory.New(), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Delivery.Provider)
	}
}

// buildPolicy turns the configured policy mode into a recipient filter.
// Accepted domains default to the advertised domain.
func buildPolicy(cfg *config.Config, domain string, logger *slog.Logger) smtp.RecipientFilter {
	domains := cfg.Policy.Domains
	if len(domains) == 0 {
		domains = []string{domain}
	}

	switch cfg.Policy.Mode {
	case config.PolicyAll:
		return policy.AcceptAll
	case config.PolicyOrganization:
		filters := make([]smtp.RecipientFilter, 0, len(domains))
		for _, d := range domains {
			filters = append(filters, policy.SameOrganization(d))
		}
		return policy.Any(filters...)
	case config.PolicyMX:
		return policy.Any(
			policy.LocalDomains(domains...),
			policy.MXTarget(policy.MXConfig{
				Resolver:  cfg.Policy.Resolver,
				Hostnames: append([]string{domain}, domains...),
				Logger:    logger,
			}),
		)
	default:
		return policy.LocalDomains(domains...)
	}
}

// startMetrics serves the Prometheus registry on addr in the background.
func startMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	return srv
}
