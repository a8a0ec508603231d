package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpkit/sessioncore/breaker"
	"github.com/mcpkit/sessioncore/config"
	"github.com/mcpkit/sessioncore/events"
	"github.com/mcpkit/sessioncore/events/memorysink"
	"github.com/mcpkit/sessioncore/events/redissink"
	"github.com/mcpkit/sessioncore/events/sqlitesink"
	"github.com/mcpkit/sessioncore/internal/engine"
	"github.com/mcpkit/sessioncore/internal/logctx"
	"github.com/mcpkit/sessioncore/introspect"
	"github.com/mcpkit/sessioncore/recovery"
	"github.com/mcpkit/sessioncore/sessions"
	"github.com/mcpkit/sessioncore/validation"
)

// recentEventCapacity bounds the in-memory ring behind /v1/events.
const recentEventCapacity = 256

// echoArgs is the built-in demonstration operation: it reflects its input.
type echoArgs struct {
	Text string `json:"text"`
}

// statusArgs queries kernel liveness; verbose includes counters.
type statusArgs struct {
	Verbose bool `json:"verbose,omitempty"`
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The event tee is assembled after the components it observes exist; the
	// indirection lets components hold the sink before the tee is final.
	var tee events.Tee
	sink := events.SinkFunc(func(ctx context.Context, ev events.Event) error {
		return tee.Emit(ctx, ev)
	})

	recent := memorysink.New(recentEventCapacity)
	sinks := events.Tee{recent}

	if cfg.RedisAddr != "" {
		rs, err := redissink.New(redissink.Config{RedisAddr: cfg.RedisAddr, StreamKey: cfg.RedisStreamKey})
		if err != nil {
			return fmt.Errorf("redis event sink: %w", err)
		}
		defer rs.Close()
		sinks = append(sinks, rs)
		logger.Info("redis event sink enabled", "addr", cfg.RedisAddr, "stream", cfg.RedisStreamKey)
	}
	if cfg.EventJournalPath != "" {
		js, err := sqlitesink.New(cfg.EventJournalPath)
		if err != nil {
			return fmt.Errorf("event journal: %w", err)
		}
		defer js.Close()
		sinks = append(sinks, js)
		logger.Info("event journal enabled", "path", cfg.EventJournalPath)
	}

	classifier := recovery.NewClassifier(nil)
	if cfg.ClassifierRulesPath != "" {
		rules, err := recovery.LoadRules(cfg.ClassifierRulesPath)
		if err != nil {
			return fmt.Errorf("classifier rules: %w", err)
		}
		classifier.SetRules(rules)
		go func() {
			if err := classifier.WatchRules(ctx, cfg.ClassifierRulesPath, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("classifier rules watcher exited", "error", err)
			}
		}()
		logger.Info("classifier rules loaded", "path", cfg.ClassifierRulesPath, "rules", len(rules))
	}

	registry := sessions.NewRegistry(
		sessions.WithLogger(logger),
		sessions.WithSink(sink),
		sessions.WithMaxSessions(cfg.MaxSessions),
	)
	monitor := sessions.NewHeartbeatMonitor(
		registry,
		cfg.HeartbeatInterval,
		cfg.MissedHeartbeatThreshold,
		sessions.WithMonitorLogger(logger),
		sessions.WithMonitorSink(sink),
	)
	breakers := breaker.NewRegistry(
		breaker.Defaults{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
		},
		breaker.WithRegistryLogger(logger),
		breaker.WithRegistrySink(sink),
	)
	cache := validation.NewCache(cfg.ValidationCacheSize)

	schemas := validation.NewRegistry()
	if err := schemas.Register("echo", echoArgs{}); err != nil {
		return err
	}
	if err := schemas.Register("status", statusArgs{}); err != nil {
		return err
	}

	policy := recovery.NewPolicy(
		classifier,
		cfg.RetryMaxRetries,
		cfg.RetryBackoffFactor,
		cfg.RetryBaseDelay,
		recovery.WithPolicyLogger(logger),
	)

	handler := newBuiltinHandler(registry, breakers, cache)
	eng := engine.NewEngine(registry, monitor, breakers, cache, schemas, policy, handler,
		engine.WithLogger(logger))

	srv := introspect.NewServer(registry, monitor, breakers, cache, recent,
		introspect.WithLogger(logger))
	tee = append(sinks, srv)

	monitor.Start(ctx)
	defer monitor.Stop()

	if cfg.SessionIdleTimeout > 0 {
		go idleCleanupLoop(ctx, registry, cfg.SessionIdleTimeout)
	}

	if cfg.IntrospectAddr != "" {
		httpSrv := &http.Server{Addr: cfg.IntrospectAddr, Handler: srv.Router()}
		go func() {
			logger.Info("introspection API listening", "addr", cfg.IntrospectAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("introspection API failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("sessiond ready", "version", version)
	err = serveLines(ctx, eng, os.Stdin, os.Stdout, logger)

	registry.Shutdown()
	return err
}

// serveLines dispatches newline-delimited JSON envelopes from in and writes
// one JSON response per line to out. It returns when in is exhausted or ctx
// is cancelled.
func serveLines(ctx context.Context, eng *engine.Engine, in *os.File, out *os.File, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			// Undecodable input still gets a response.
			_ = enc.Encode(engine.Response{
				Type:      "error",
				OK:        false,
				Error:     &engine.ErrorDetail{Code: engine.CodeValidationFailed, Message: "malformed JSON envelope"},
				Timestamp: time.Now(),
			})
			continue
		}

		resp, err := eng.Dispatch(ctx, raw)
		if err != nil {
			logger.Error("dispatch failure crossed boundary", "error", err)
		}
		if resp != nil {
			_ = enc.Encode(resp)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func idleCleanupLoop(ctx context.Context, registry *sessions.Registry, maxIdle time.Duration) {
	interval := maxIdle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.CleanupIdle(maxIdle)
		}
	}
}

// newBuiltinHandler serves the demonstration operations. Real deployments
// supply their own engine.Handler.
func newBuiltinHandler(registry *sessions.Registry, breakers *breaker.Registry, cache *validation.Cache) engine.Handler {
	return engine.HandlerFunc(func(ctx context.Context, operation string, args map[string]any, sessionID string) (any, error) {
		switch operation {
		case "echo":
			return args["text"], nil
		case "status":
			out := map[string]any{"live_sessions": registry.Len()}
			if v, _ := args["verbose"].(bool); v {
				out["breakers"] = breakers.Snapshots()
				out["cache"] = cache.Stats()
			}
			return out, nil
		default:
			return nil, fmt.Errorf("operation %q not found", operation)
		}
	})
}
