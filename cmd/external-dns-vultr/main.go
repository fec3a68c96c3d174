// Command external-dns-vultr watches Docker containers and manages DNS
// records in Vultr-hosted zones based on container labels.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bkero/external-dns-vultr/pkg/controller"
	"github.com/bkero/external-dns-vultr/pkg/provider/vultr"
	"github.com/bkero/external-dns-vultr/pkg/source"
)

func main() {
	// ---- Vultr provider flags ----
	vultrAPIKey := flag.String("vultr-api-key",
		envOr("EXTERNAL_DNS_VULTR_API_KEY", ""),
		"Vultr API bearer token (required)")
	vultrZones := flag.String("vultr-zones",
		envOr("EXTERNAL_DNS_VULTR_ZONES", ""),
		"Comma-separated list of DNS zones to manage (required)")
	vultrMinTTL := flag.Int64("vultr-min-ttl",
		envOrInt64("EXTERNAL_DNS_VULTR_MIN_TTL", 0),
		"Minimum TTL enforced on all DNS records (0 = disabled)")

	// ---- Docker source flags ----
	dockerHost := flag.String("docker-host",
		envOr("EXTERNAL_DNS_DOCKER_HOST", ""),
		"Docker daemon address (e.g. unix:///var/run/docker.sock, tcp://host:2376)")
	dockerTLSCA := flag.String("docker-tls-ca",
		envOr("EXTERNAL_DNS_DOCKER_TLS_CA", ""),
		"Path to Docker CA certificate for TLS connections")
	dockerTLSCert := flag.String("docker-tls-cert",
		envOr("EXTERNAL_DNS_DOCKER_TLS_CERT", ""),
		"Path to Docker client TLS certificate")
	dockerTLSKey := flag.String("docker-tls-key",
		envOr("EXTERNAL_DNS_DOCKER_TLS_KEY", ""),
		"Path to Docker client TLS key")

	// ---- Controller flags ----
	interval := flag.Duration("interval",
		envOrDuration("EXTERNAL_DNS_INTERVAL", 60*time.Second),
		"Periodic reconciliation interval")
	debounce := flag.Duration("debounce",
		envOrDuration("EXTERNAL_DNS_DEBOUNCE", 5*time.Second),
		"Event debounce duration (quiet period after Docker events before reconciling)")
	once := flag.Bool("once",
		envOrBool("EXTERNAL_DNS_ONCE", false),
		"Run exactly one reconciliation cycle and exit")
	dryRun := flag.Bool("dry-run",
		envOrBool("EXTERNAL_DNS_DRY_RUN", false),
		"Log planned DNS changes without applying them")
	ownerID := flag.String("owner-id",
		envOr("EXTERNAL_DNS_OWNER_ID", ""),
		"Ownership identifier written to TXT records (default: external-dns-vultr)")

	// ---- Health check flags ----
	healthPort := flag.Int("health-port",
		envOrInt("EXTERNAL_DNS_HEALTH_PORT", 8080),
		"Port for the HTTP health check and metrics server (0 to disable)")

	// ---- Shutdown flags ----
	shutdownTimeout := flag.Duration("shutdown-timeout",
		envOrDuration("EXTERNAL_DNS_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Maximum time to wait for graceful shutdown after SIGTERM")

	// ---- Logging flags ----
	logLevel := flag.String("log-level",
		envOr("EXTERNAL_DNS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")

	flag.Parse()

	log := newLogger(*logLevel)

	// ---- Validate required configuration ----
	if *vultrAPIKey == "" {
		log.Error("--vultr-api-key is required (or set EXTERNAL_DNS_VULTR_API_KEY)")
		os.Exit(1)
	}
	zones := splitZones(*vultrZones)
	if len(zones) == 0 {
		log.Error("--vultr-zones is required (or set EXTERNAL_DNS_VULTR_ZONES)")
		os.Exit(1)
	}

	// ---- Build Docker source ----
	var dockerOpts []dockerclient.Opt
	if *dockerHost != "" {
		dockerOpts = append(dockerOpts, dockerclient.WithHost(*dockerHost))
	}
	if *dockerTLSCert != "" || *dockerTLSKey != "" || *dockerTLSCA != "" {
		dockerOpts = append(dockerOpts,
			dockerclient.WithTLSClientConfig(*dockerTLSCA, *dockerTLSCert, *dockerTLSKey))
	}

	src, err := source.NewDockerSource(log, dockerOpts...)
	if err != nil {
		log.Error("failed to create Docker source", "err", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Warn("error closing Docker client", "err", cerr)
		}
	}()

	// ---- Build Vultr provider ----
	prov := vultr.NewMulti(*vultrAPIKey, zones, *vultrMinTTL, log)

	// ---- Build controller ----
	ctrl := controller.New(src, prov, log, controller.Config{
		Interval:         *interval,
		DebounceDuration: *debounce,
		DryRun:           *dryRun,
		Once:             *once,
		OwnerID:          *ownerID,
	})

	// ---- Graceful shutdown ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	// ---- Preflight: surface bad credentials before the loop starts ----
	if err := prov.Preflight(ctx); err != nil {
		log.Error("vultr preflight failed", "err", err)
		os.Exit(1)
	}

	// ---- Health check server ----
	startHealthServer(ctx, *healthPort, ctrl, log)

	// Start the Docker event watcher in the background (not needed for once mode).
	var watchWg sync.WaitGroup
	if !*once {
		watchWg.Add(1)
		go func() {
			defer watchWg.Done()
			src.Watch(ctx)
		}()
	}

	// ---- Run ----
	log.Info("starting external-dns-vultr",
		"zones", zones,
		"interval", interval.String(),
		"dry-run", *dryRun,
		"once", *once,
	)

	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("controller exited with error", "err", err)
		os.Exit(1)
	}

	// Wait for the Watch goroutine to exit, bounded by the shutdown timeout.
	watchDone := make(chan struct{})
	go func() {
		watchWg.Wait()
		close(watchDone)
	}()
	select {
	case <-watchDone:
		log.Info("shutdown complete")
	case <-time.After(*shutdownTimeout):
		log.Warn("shutdown timeout exceeded, forcing exit", "timeout", shutdownTimeout.String())
	}
}

// splitZones parses a comma-separated zone list, trimming whitespace and
// dropping empty entries.
func splitZones(raw string) []string {
	var zones []string
	for _, z := range strings.Split(raw, ",") {
		z = strings.TrimSpace(z)
		if z != "" {
			zones = append(zones, z)
		}
	}
	return zones
}

// startHealthServer starts an HTTP server exposing /healthz (liveness),
// /readyz (readiness), and /metrics (Prometheus) on the given port. A port of
// 0 disables the server. The server is shut down gracefully when ctx is
// cancelled.
func startHealthServer(ctx context.Context, port int, ctrl *controller.Controller, log *slog.Logger) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ctrl.IsReady() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("health server shutdown error", "err", err)
		}
	}()
	go func() {
		log.Info("health server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server error", "err", err)
		}
	}()
}

// newLogger returns a JSON logger writing to stderr at the given level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// envOr returns the value of the environment variable named key, or fallback
// if the variable is unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envOrInt returns the environment variable named key parsed as int, or fallback.
func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envOrInt64 returns the environment variable named key parsed as int64, or fallback.
func envOrInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// envOrBool returns the environment variable named key parsed as bool, or fallback.
func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envOrDuration returns the environment variable named key parsed as
// time.Duration, or fallback.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
