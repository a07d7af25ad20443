// Command dnsproxy is the CLI front-end for the recursive-caching DNS
// proxy daemon: flag parsing, optional daemonization, optional
// privilege drop, then handing a bound UDP socket to the proxy core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poyrazK/dnsproxy/internal/cache"
	"github.com/poyrazK/dnsproxy/internal/privdrop"
	"github.com/poyrazK/dnsproxy/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dnsproxy: fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		daemonize = flag.Bool("d", false, "run this in the background")
		userName  = flag.String("u", "", "user to become")
		groupName = flag.String("g", "", "group to become")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dnsproxy [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	listenAddr := envOr("DNSPROXY_LISTEN", "127.0.0.1:9000")
	timeout := envDuration("DNSPROXY_TIMEOUT", proxy.DefaultTimeout)
	metricsAddr := envOr("DNSPROXY_METRICS_ADDR", ":9091")
	redisURL := os.Getenv("DNSPROXY_REDIS_URL")

	sockAddr, err := proxy.ParseListenAddr(listenAddr)
	if err != nil {
		return fmt.Errorf("dnsproxy: %w", err)
	}
	upstreams, err := proxy.ParseUpstreams(os.Getenv("DNSPROXY_UPSTREAMS"))
	if err != nil {
		return fmt.Errorf("dnsproxy: %w", err)
	}

	// Detach first: daemonization re-execs the binary, so the child,
	// not the parent, must be the one that binds the listen address.
	if *daemonize {
		parent, err := privdrop.Daemonize()
		if err != nil {
			return fmt.Errorf("dnsproxy: daemonize: %w", err)
		}
		if parent {
			return nil
		}
	}

	// Bind before dropping privileges: the socket is created with the
	// process's starting privileges, then the process drops to an
	// unprivileged identity.
	serverFd, err := proxy.NewServerSocket(sockAddr)
	if err != nil {
		return fmt.Errorf("dnsproxy: bind %s: %w", listenAddr, err)
	}
	defer syscall.Close(serverFd)
	logger.Info("dnsproxy: listening", "addr", listenAddr)

	if err := privdrop.Drop(*userName, *groupName); err != nil {
		return fmt.Errorf("dnsproxy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	invalidator := cache.NewInvalidator(redisURL, logger)
	if invalidator != nil {
		defer invalidator.Close()
		logger.Info("dnsproxy: cache invalidation pub/sub enabled", "redis", redisURL)
	}

	c := cache.New()
	d, err := proxy.NewDispatcher(serverFd, upstreams, timeout, logger, c, invalidator)
	if err != nil {
		return fmt.Errorf("dnsproxy: start dispatcher: %w", err)
	}
	defer d.Close()

	quit, done := proxy.Start(d)

	go serveMetrics(ctx, metricsAddr, logger)

	<-ctx.Done()
	logger.Info("dnsproxy: shutting down")
	close(quit)
	<-done
	return nil
}

// serveMetrics exposes the prometheus collectors registered by
// internal/metrics.
func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("dnsproxy: metrics server failed", "err", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
