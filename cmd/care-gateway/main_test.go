package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/care-live/pkg/gateway/config"
	gatewayserver "github.com/vango-go/care-live/pkg/gateway/server"
	"github.com/vango-go/care-live/pkg/gateway/upstream/upstreamtest"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                 "127.0.0.1:0",
		GoogleAPIKey:         "k",
		LiveModel:            "gemini-live-test",
		HandshakeTimeout:     time.Second,
		ClientMessageTimeout: time.Second,
		KeepaliveInterval:    time.Hour,
		WSWriteTimeout:       time.Second,
		MaxMessageBytes:      1 << 20,
		ResumptionBackend:    config.ResumptionMemory,
		ResumptionMaxAge:     time.Minute,
		ReadHeaderTimeout:    time.Second,
		ShutdownGracePeriod:  time.Second,
		CORSAllowedOrigins:   map[string]struct{}{},
		MetricsNamespace:     "care",
	}
}

func fakeBuildDeps(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	return gatewayserver.Dependencies{Dialer: &upstreamtest.Dialer{Session: upstreamtest.NewSession()}}, nil, nil
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		buildDeps: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error) {
			t.Fatalf("buildDeps should not be called when config load fails")
			return gatewayserver.Dependencies{}, nil, nil
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want startup error", got)
	}
}

func TestRunMain_BuildDepsFailure(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		buildDeps: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error) {
			return gatewayserver.Dependencies{}, nil, errors.New("redis down")
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if exitCode != 1 || !strings.Contains(stderr.String(), "redis down") {
		t.Fatalf("exitCode=%d stderr=%q", exitCode, stderr.String())
	}
}

func TestRunMain_MigrateUsesFlag(t *testing.T) {
	var got string
	deps := gatewayDeps{
		migrate: func(_ context.Context, url string, _ *slog.Logger) error {
			got = url
			return nil
		},
	}
	t.Setenv("CARE_DATABASE_URL", "postgres://env/db")

	if code := runMain(context.Background(), []string{"migrate", "--database-url", "postgres://flag/db"}, io.Discard, deps); code != 0 {
		t.Fatalf("exitCode=%d", code)
	}
	if got != "postgres://flag/db" {
		t.Fatalf("url=%q", got)
	}

	if code := runMain(context.Background(), []string{"migrate"}, io.Discard, deps); code != 0 {
		t.Fatalf("exitCode=%d", code)
	}
	if got != "postgres://env/db" {
		t.Fatalf("url=%q, want env fallback", got)
	}
}

func TestRunMain_MigrateRequiresURL(t *testing.T) {
	t.Setenv("CARE_DATABASE_URL", "")
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"migrate"}, &stderr, gatewayDeps{
		migrate: func(context.Context, string, *slog.Logger) error {
			t.Fatalf("migrate should not run without a URL")
			return nil
		},
	})
	if code != 1 || !strings.Contains(stderr.String(), "CARE_DATABASE_URL") {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}
}

func TestRunServe_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := testConfig()
	cfg.Addr = addr

	sigCh := make(chan chan<- os.Signal, 1)
	cleaned := make(chan struct{})
	deps := gatewayDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		buildDeps: func(ctx context.Context, c config.Config, l *slog.Logger) (gatewayserver.Dependencies, func(), error) {
			d, _, err := fakeBuildDeps(ctx, c, l)
			return d, func() { close(cleaned) }, err
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, _ ...os.Signal) { sigCh <- c },
		signalStop:   func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() {
		done <- runServe(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), deps)
	}()

	c := <-sigCh
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway never became reachable: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServe did not return after signal")
	}
	select {
	case <-cleaned:
	default:
		t.Fatalf("cleanup not called")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, _, _ := fakeBuildDeps(context.Background(), testConfig(), logger)
	gw := gatewayserver.New(testConfig(), logger, deps)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestOpenResumptionStore_Backends(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()

	cfg.ResumptionBackend = config.ResumptionMemory
	if s, closeFn, err := openResumptionStore(context.Background(), cfg, logger); err != nil || s == nil || closeFn != nil {
		t.Fatalf("memory: store=%v close=%v err=%v", s, closeFn != nil, err)
	}

	cfg.ResumptionBackend = config.ResumptionFile
	cfg.ResumptionFile = t.TempDir() + "/handle.json"
	if s, _, err := openResumptionStore(context.Background(), cfg, logger); err != nil || s == nil {
		t.Fatalf("file: err=%v", err)
	}

	cfg.ResumptionBackend = config.ResumptionBadger
	cfg.ResumptionDir = t.TempDir()
	s, closeFn, err := openResumptionStore(context.Background(), cfg, logger)
	if err != nil || s == nil || closeFn == nil {
		t.Fatalf("badger: err=%v", err)
	}
	closeFn()

	cfg.ResumptionBackend = config.ResumptionRedis
	cfg.RedisURL = "not a url"
	if _, _, err := openResumptionStore(context.Background(), cfg, logger); err == nil {
		t.Fatalf("redis: expected parse error")
	}

	cfg.ResumptionBackend = "etcd"
	if _, _, err := openResumptionStore(context.Background(), cfg, logger); err == nil {
		t.Fatalf("unknown backend: expected error")
	}
}

func TestNotificationParams_FallsBackToLiveModel(t *testing.T) {
	cfg := testConfig()
	cfg.NotificationInstruction = "read it"
	cfg.NotificationTemperature = 0
	p := notificationParams(cfg)
	if p.Model != cfg.LiveModel || p.SystemInstruction != "read it" || p.Tools != nil {
		t.Fatalf("params=%+v", p)
	}
	if p.Temperature == nil || *p.Temperature != 0 {
		t.Fatalf("explicit zero temperature dropped: %v", p.Temperature)
	}
	cfg.NotificationModel = "gemini-notify"
	if notificationParams(cfg).Model != "gemini-notify" {
		t.Fatalf("explicit notification model ignored")
	}
}
