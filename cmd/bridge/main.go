package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamd9/delegate1/internal/dotenv"
	"github.com/adamd9/delegate1/pkg/bridge/config"
	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/finalize"
	"github.com/adamd9/delegate1/pkg/bridge/realtime"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
	"github.com/adamd9/delegate1/pkg/bridge/server"
	"github.com/adamd9/delegate1/pkg/bridge/supervisor"
	"github.com/adamd9/delegate1/pkg/bridge/tools"
	"github.com/adamd9/delegate1/pkg/bridge/tools/adapters/tavily"
	"github.com/adamd9/delegate1/pkg/bridge/transcript"
	"github.com/adamd9/delegate1/pkg/bridge/upstream"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newSupervisor assembles the escalation engine. Without a Tavily key the
// supervisor still answers from model knowledge; it just has no web tools.
func newSupervisor(cfg config.Config, logger *slog.Logger) *supervisor.Engine {
	var searcher supervisor.Searcher
	if cfg.TavilyAPIKey != "" {
		searcher = tavily.New(cfg.TavilyAPIKey, tavily.WithBaseURL(cfg.TavilyBaseURL))
	} else {
		logger.Warn("TAVILY_API_KEY not set; supervisor web search disabled")
	}

	var crumbs supervisor.BreadcrumbWriter = supervisor.NopBreadcrumbs{}
	if cfg.BreadcrumbPath != "" {
		crumbs = supervisor.NewFileBreadcrumbs(cfg.BreadcrumbPath, logger)
	}

	return supervisor.NewEngine(supervisor.Config{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.SupervisorModel,
		Timeout: cfg.EscalationTimeout,
	}, searcher, crumbs, logger)
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := conversation.NewStore(cfg.HistoryWindow)
	reg := registry.New(logger)

	router := tools.NewRouter(
		tools.NewBuiltins(tools.CurrentTimeTool{}),
		newSupervisor(cfg, logger),
		cfg.ToolTimeout,
		logger,
	)

	dialer := &upstream.WSDialer{
		BaseURL:      cfg.RealtimeBaseURL,
		APIKey:       cfg.OpenAIAPIKey,
		Logger:       logger,
		WriteTimeout: cfg.WSWriteTimeout,
	}
	bridge := realtime.New(realtime.Options{
		Model:       cfg.RealtimeModel,
		TurnTimeout: cfg.TurnTimeout,
	}, dialer, store, reg, router, logger)

	transcripts, err := transcript.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer func() {
		if err := transcripts.Close(); err != nil {
			logger.Warn("closing transcript store", "error", err)
		}
	}()

	coordinator := finalize.NewCoordinator(store, bridge, transcripts, reg, logger)

	srv := server.New(cfg, server.Deps{
		Store:       store,
		Registry:    reg,
		Bridge:      bridge,
		Finalizer:   coordinator,
		Router:      router,
		Upstream:    bridge,
		Transcripts: transcripts,
	}, logger)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	logger.Info("starting bridge",
		"addr", cfg.Addr,
		"realtime_model", cfg.RealtimeModel,
		"supervisor_model", cfg.SupervisorModel,
		"sqlite_path", cfg.SQLitePath)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	closedClients := reg.CloseAll()
	closedUpstream := bridge.CloseAll()
	logger.Info("bridge stopped", "clients_closed", closedClients, "upstream_closed", closedUpstream)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "bridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
