// Command zubridged runs the zubridge host process: it owns the
// authoritative state store, the coordination kernel, and the websocket
// transport that bridges both to untrusted child view processes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"zubridge/host/internal/config"
	httpapi "zubridge/host/internal/http"
	"zubridge/host/internal/kernel"
	"zubridge/host/internal/logging"
	"zubridge/host/internal/statemanager"
	"zubridge/host/internal/transport"
)

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

type readinessState struct {
	startedAt time.Time
	err       error
}

func (r *readinessState) StartupError() error   { return r.err }
func (r *readinessState) Uptime() time.Duration { return time.Since(r.startedAt) }

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	codec, err := transport.NewCodec(cfg.CompressThresholdBytes, transport.AlgorithmZstd)
	if err != nil {
		logger.Fatal("failed to initialise wire codec", logging.Error(err))
	}

	regulator := transport.NewBandwidthRegulator(0, time.Now)
	tport := transport.NewWSTransport(
		logger.With(logging.String("component", "transport")),
		cfg.PingInterval,
		cfg.MaxPayloadBytes,
		codec,
		transport.WithBandwidthRegulator(regulator),
	)

	sm := statemanager.New(map[string]any{})

	k := kernel.New(kernel.Config{
		MaxQueueSize:                cfg.MaxQueueSize,
		ActionCompletionTimeout:     cfg.ActionCompletionTimeout,
		UpdateMaxAge:                cfg.UpdateMaxAge,
		ThunkMaxAge:                 cfg.ThunkMaxAge,
		BatchWindow:                 cfg.BatchWindow,
		BatchMaxSize:                cfg.BatchMaxSize,
		BatchPriorityFlushThreshold: cfg.BatchPriorityFlushThreshold,
	}, logger.With(logging.String("component", "kernel")), sm, tport)

	ctx, cancel := runContext()
	defer cancel()
	go k.Run(ctx)
	defer k.Stop()

	upgrader := websocket.Upgrader{CheckOrigin: buildOriginChecker(logger, cfg.AllowedOrigins)}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		subscriberID := strings.TrimSpace(r.URL.Query().Get("subscriberId"))
		if subscriberID == "" {
			subscriberID = uuid.NewString()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", logging.Error(err))
			return
		}
		go func() {
			tport.Register(subscriberID, conn)
			k.ForgetSubscriber(subscriberID)
			tport.Forget(subscriberID)
		}()
	})

	var adminLimiter httpapi.RateLimiter
	if cfg.AdminRateWindow > 0 && cfg.AdminRateBurst > 0 {
		adminLimiter = httpapi.NewSlidingWindowLimiter(cfg.AdminRateWindow, cfg.AdminRateBurst, nil)
	}

	ready := &readinessState{startedAt: startedAt}
	ops := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger.With(logging.String("component", "http")),
		Readiness: ready,
		Stats: func() httpapi.KernelStats {
			s := k.Stats()
			return httpapi.KernelStats{
				QueueDepth:     s.QueueDepth,
				DroppedActions: s.DroppedActions,
				ActiveThunks:   s.ActiveThunks,
				LockState:      string(s.LockState),
			}
		},
		ThunkState:  k.ThunkState,
		AdminToken:  cfg.AdminToken,
		RateLimiter: adminLimiter,
	})
	ops.Register(mux)

	server := &http.Server{Addr: cfg.Address, Handler: mux}
	logger.Info("zubridge host listening", logging.String("address", cfg.Address))
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("host server terminated", logging.Error(err))
	}
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		u, err := url.Parse(originHeader)
		if err != nil {
			return false
		}
		if _, ok := localHosts[u.Hostname()]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
