// Command upstream runs lightweight OpenAI-compatible mock providers for
// exercising the gateway without real credentials. Every instance speaks the
// same wire format Hermes proxies, so a local fleet of them is enough to
// test scoring, failover and circuit breaking end to end.
//
// By default three instances listen on :19001, :19002 and :19003; override
// with MOCK_PORTS (comma-separated).
//
// Failure injection is driven by the requested model id, so a single running
// fleet can serve both happy-path and failure tests:
//
//	mock-large, mock-small  — normal completions
//	mock-flaky              — HTTP 500 on every call
//	mock-exhausted          — HTTP 429 insufficient_quota
//	mock-retired            — HTTP 404 model_not_found (listed but not servable)
//	mock-slow               — 5s delay before responding
//
// Environment overrides:
//
//	MOCK_PORTS        — listen ports (default "19001,19002,19003")
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in a completion (default 10)
package main

import (
	"context"
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
)

// config holds runtime behaviour shared by every mock instance.
type config struct {
	latencyMS   int
	errorRate   float64
	streamWords int
}

func loadConfig() config {
	c := config{streamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.latencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.errorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.streamWords = n
		}
	}
	return c
}

func listenPorts() []string {
	raw := os.Getenv("MOCK_PORTS")
	if raw == "" {
		raw = "19001,19002,19003"
	}
	var ports []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ports = append(ports, p)
		}
	}
	return ports
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []*http.Server
	for i, port := range listenPorts() {
		name := fmt.Sprintf("mock-%d", i+1)
		srv := &http.Server{
			Addr:         ":" + port,
			Handler:      newHandler(name, cfg),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Info("mock upstream listening", slog.String("name", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("mock upstream failed", slog.String("name", name), slog.String("error", err.Error()))
			}
		}()
		servers = append(servers, srv)
	}

	<-ctx.Done()
	log.Info("shutting down mock upstreams")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	wg.Wait()
}
