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
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/care-live/internal/dotenv"
	"github.com/vango-go/care-live/pkg/gateway/config"
	gatewayserver "github.com/vango-go/care-live/pkg/gateway/server"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildDeps    func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	migrate      func(ctx context.Context, databaseURL string, logger *slog.Logger) error
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		buildDeps:  buildDependencies,
		newGateway: gatewayserver.New,
		migrate:    runMigrations,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildDeps == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
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

	gwDeps, cleanup, err := deps.buildDeps(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build dependencies: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	gw := deps.newGateway(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"live_model", cfg.LiveModel,
		"resumption_backend", cfg.ResumptionBackend,
		"persistence", gwDeps.Conversations != nil,
	)

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
		logger.Info("shutdown signal received", "signal", sig.String(), "live_sessions", gw.LiveSessions())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		n := gw.CloseLiveSessions(cfg.WSWriteTimeout)
		logger.Warn("closed live sessions after grace period", "count", n)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func newRootCmd(ctx context.Context, logger *slog.Logger, deps gatewayDeps) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "care-gateway",
		Short:         "Realtime voice relay between care app clients and Gemini Live",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(ctx, logger, deps)
		},
	}

	var databaseURL string
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply conversation schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deps.migrate == nil {
				return errors.New("missing migrate dependency")
			}
			url := strings.TrimSpace(databaseURL)
			if url == "" {
				url = strings.TrimSpace(os.Getenv("CARE_DATABASE_URL"))
			}
			if url == "" {
				return errors.New("CARE_DATABASE_URL or --database-url is required")
			}
			return deps.migrate(ctx, url, logger)
		},
	}
	migrateCmd.Flags().StringVar(&databaseURL, "database-url", "", "postgres URL (default $CARE_DATABASE_URL)")

	rootCmd.AddCommand(serveCmd, migrateCmd)
	return rootCmd
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "care-gateway: %v\n", err)
		return 1
	}

	root := newRootCmd(ctx, logger, deps)
	root.SetArgs(args)
	root.SetOut(stderr)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "care-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultGatewayDeps()))
}
