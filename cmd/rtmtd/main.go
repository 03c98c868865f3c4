// Package main provides the CLI entry point for rtmtd, the realtime middle
// tier proxy.
//
// # Basic Usage
//
// Start the server:
//
//	rtmtd serve --config rtmt.yaml
//
// # Environment Variables
//
//   - RTMT_CONFIG: Path to configuration file (default: rtmt.yaml)
//   - ENDPOINT, DEPLOYMENT, API_KEY, TENANT_ID: upstream realtime model connection
//   - EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL: retrieval embedding provider
//   - RETRIEVAL_DSN: pgvector document store connection string
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atem-voice/rtmt/internal/config"
	"github.com/atem-voice/rtmt/internal/httpapi"
	"github.com/atem-voice/rtmt/internal/middletier"
	"github.com/atem-voice/rtmt/internal/observability"
	"github.com/atem-voice/rtmt/internal/retrieval"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rtmtd",
		Short:        "rtmtd - Realtime Middle Tier proxy",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime middle tier proxy",
		Long: `Start the realtime middle tier proxy.

The server will:
1. Load configuration from the specified file (or rtmt.yaml)
2. Warm the upstream credential provider
3. Connect to the retrieval store and register the search/report_grounding tools
4. Serve /realtime, /realtime-acs, /update-voice, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("RTMT_CONFIG"); env != "" {
		return env
	}
	return "rtmt.yaml"
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cred, err := buildCredential(ctx, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("building upstream credential: %w", err)
	}

	tracer, shutdownTracer := observability.NewTracer(observability.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Tracing.Environment,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	sessionCfg := middletier.NewSessionConfig()
	if cfg.Session.SystemMessage != "" {
		sessionCfg.SystemMessage = &cfg.Session.SystemMessage
	}
	if cfg.Session.Temperature != 0 {
		sessionCfg.Temperature = &cfg.Session.Temperature
	}
	if cfg.Session.MaxTokens != 0 {
		sessionCfg.MaxTokens = &cfg.Session.MaxTokens
	}
	if cfg.Session.DisableAudio != nil {
		sessionCfg.DisableAudio = cfg.Session.DisableAudio
	}
	sessionCfg.SetVoice(cfg.Session.Voice)

	if err := registerRetrievalTools(cfg.Retrieval, sessionCfg.Tools); err != nil {
		return fmt.Errorf("registering retrieval tools: %w", err)
	}

	srv := middletier.NewServer(cfg.Upstream.Endpoint, cfg.Upstream.Deployment, cred, sessionCfg, slog.Default(), tracer)

	slog.Info("rtmtd starting", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	return httpapi.ListenAndServe(ctx, httpapi.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Server: srv,
		Log:    slog.Default(),
	})
}

func buildCredential(ctx context.Context, cfg config.UpstreamConfig) (middletier.CredentialProvider, error) {
	if cfg.APIKey != "" {
		return middletier.StaticKeyCredential{Key: cfg.APIKey}, nil
	}
	return middletier.NewOAuthCredential(ctx, cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.Scopes)
}

func registerRetrievalTools(cfg config.RetrievalConfig, registry *middletier.ToolRegistry) error {
	if cfg.DSN == "" {
		slog.Warn("retrieval.dsn not set, search/report_grounding tools are disabled")
		return nil
	}

	store, err := retrieval.New(retrieval.Config{
		DSN:           cfg.DSN,
		Dimension:     cfg.Dimension,
		RunMigrations: cfg.RunMigrations,
	})
	if err != nil {
		return err
	}

	embedder, err := retrieval.NewOpenAIEmbeddings(retrieval.EmbeddingConfig{
		APIKey:  cfg.EmbeddingAPIKey,
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
	})
	if err != nil {
		return err
	}

	if err := registry.Register("search", retrieval.NewSearchTool(store, embedder, slog.Default())); err != nil {
		return err
	}
	if err := registry.Register("report_grounding", retrieval.NewReportGroundingTool(store)); err != nil {
		return err
	}
	return nil
}
