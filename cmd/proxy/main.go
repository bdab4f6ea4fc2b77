// Command proxy runs the local forward-proxy listener: it accepts plain
// HTTP requests and CONNECT tunnels from a client, dispatches each
// request through one of the short-lived, long-lived, or hybrid worker
// backends, and optionally terminates TLS for CONNECT tunnels via the
// MITM interceptor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"

	"github.com/ocx/proxyfabric/internal/config"
	"github.com/ocx/proxyfabric/internal/dispatcher"
	"github.com/ocx/proxyfabric/internal/envelope"
	"github.com/ocx/proxyfabric/internal/invoker"
	"github.com/ocx/proxyfabric/internal/listener"
	"github.com/ocx/proxyfabric/internal/mitm"
	"github.com/ocx/proxyfabric/internal/objectstore"
	"github.com/ocx/proxyfabric/internal/queue"
	"github.com/ocx/proxyfabric/internal/rendezvous"
	"github.com/ocx/proxyfabric/internal/workermanager"
)

func main() {
	configPath := flag.String("config", "proxyfabric.yaml", "path to the proxyfabric config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := buildObjectStore(cfg.ObjectStore)
	slog.Info("object store ready", "backend", cfg.ObjectStore.Backend)

	disp, inv := buildDispatcher(ctx, cfg, store, logger)
	slog.Info("dispatcher ready", "mode", cfg.Dispatcher.Mode)

	var interceptor *mitm.Interceptor
	if cfg.MITM.Enabled {
		caCert, err := os.ReadFile(cfg.MITM.CACertPath)
		if err != nil {
			log.Fatalf("read CA cert: %v", err)
		}
		caKey, err := os.ReadFile(cfg.MITM.CAKeyPath)
		if err != nil {
			log.Fatalf("read CA key: %v", err)
		}
		interceptor, err = mitm.New(caCert, caKey, disp, cfg.MITM.OverrideUserAgent, logger)
		if err != nil {
			log.Fatalf("build MITM interceptor: %v", err)
		}
		slog.Info("MITM interception enabled")
	}

	// Non-MITM CONNECT tunnels route through this same process's rendezvous
	// server: the listener hijacks the client socket and registers it here,
	// then a worker dials back in to claim it, so the origin sees the
	// worker's egress IP instead of this host's.
	rdv := rendezvous.NewServer(rendezvous.Config{
		MessageTimeout:     cfg.Rendezvous.MessageTimeout(),
		ConnWaitTimeout:    cfg.Rendezvous.ConnWaitTimeout(),
		ReapInterval:       cfg.Rendezvous.ReapInterval(),
		DefaultIdleTimeout: cfg.Rendezvous.DefaultIdleTimeout(),
	}, logger)
	go func() {
		if err := rdv.Run(ctx, cfg.Rendezvous.Addr); err != nil && ctx.Err() == nil {
			log.Fatalf("rendezvous server exited: %v", err)
		}
	}()
	slog.Info("rendezvous server listening", "addr", cfg.Rendezvous.Addr)

	streamPath := dispatcher.NewStreamPath(inv, rdv, dispatcher.StreamConfig{
		Functions:      cfg.Dispatcher.StreamFuncs,
		MaxParallel:    cfg.Dispatcher.MaxParallel,
		RendezvousAddr: cfg.Rendezvous.Addr,
		IdleTimeoutSec: cfg.Rendezvous.DefaultIdleTimeoutSec,
	}, logger)

	l := listener.New(disp, interceptor, streamPath, listener.Config{
		Addr:              cfg.Listener.Addr,
		OverrideUserAgent: cfg.Listener.OverrideUserAgent,
	}, logger)

	slog.Info("proxy listening", "addr", cfg.Listener.Addr)
	if err := l.Run(ctx); err != nil {
		log.Fatalf("listener exited: %v", err)
	}
	slog.Info("proxy shut down cleanly")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildObjectStore(cfg config.ObjectStoreConfig) objectstore.Store {
	if cfg.Backend == "supabase" {
		return objectstore.NewSupabaseStore(cfg.URL, cfg.ServiceKey, cfg.Bucket)
	}
	return objectstore.NewMemoryStore()
}

func buildDispatcher(ctx context.Context, cfg *config.Config, store objectstore.Store, logger *slog.Logger) (dispatcher.Dispatcher, invoker.Invoker) {
	registry := invoker.NewRegistry(firstTarget(cfg.Invoker.Targets), cfg.Invoker.Targets)
	inv := invoker.NewGRPCInvoker(registry, cfg.Invoker.MaxParallel)

	var sealer *envelope.Sealer
	if cfg.Envelope.PublicKeyPath != "" {
		pubPEM, err := os.ReadFile(cfg.Envelope.PublicKeyPath)
		if err != nil {
			log.Fatalf("read envelope public key: %v", err)
		}
		sealer, err = envelope.NewSealer(pubPEM)
		if err != nil {
			log.Fatalf("build sealer: %v", err)
		}
	}

	short := dispatcher.NewShortLivedPath(inv, dispatcher.ShortLivedConfig{
		Functions:   cfg.Dispatcher.ShortLivedFuncs,
		MaxParallel: cfg.Dispatcher.MaxParallel,
		Sealer:      sealer,
		Store:       store,
	}, logger)

	switch cfg.Dispatcher.Mode {
	case "short":
		return short, inv
	case "long":
		return dispatcher.NewLongLivedPath(buildWorkerManager(ctx, cfg, inv, logger), dispatcher.LongLivedConfig{
			Store:         store,
			SubmitTimeout: cfg.Dispatcher.SubmitTimeout(),
		}), inv
	default:
		long := dispatcher.NewLongLivedPath(buildWorkerManager(ctx, cfg, inv, logger), dispatcher.LongLivedConfig{
			Store:         store,
			SubmitTimeout: cfg.Dispatcher.SubmitTimeout(),
		})
		return dispatcher.NewHybridDispatcher(short, long), inv
	}
}

func buildWorkerManager(ctx context.Context, cfg *config.Config, inv invoker.Invoker, logger *slog.Logger) *workermanager.Manager {
	q := buildQueuePair(ctx, cfg.Queue)
	manager := workermanager.NewManager(q, inv, workermanager.Config{
		Function:           cfg.Worker.Function,
		Payload:            spawnPayload,
		MaxWorkers:         cfg.Worker.MaxWorkers,
		LoadFactor:         cfg.Worker.LoadFactor,
		HandlerConcurrency: cfg.Worker.HandlerConcurrency,
	}, logger)
	go manager.Start(ctx)
	return manager
}

func buildQueuePair(ctx context.Context, cfg config.QueueConfig) queue.QueuePair {
	if cfg.Backend != "pubsub" {
		return queue.NewMemoryQueuePair(256)
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		log.Fatalf("connect pubsub: %v", err)
	}
	q, err := queue.NewPubSubQueuePair(ctx, client, "proxyfabric", 24*time.Hour, time.Duration(cfg.VisibilityTimeoutSec)*time.Second)
	if err != nil {
		log.Fatalf("build pubsub queue pair: %v", err)
	}
	return q
}

// spawnPayload builds the control payload sent to a freshly spawned
// long-lived worker: a poll directive telling it to drain the shared task
// queue itself rather than expect a single request in this RPC.
func spawnPayload() []byte {
	payload, _ := json.Marshal(struct {
		Mode           string `json:"mode"`
		IdleTimeoutSec int    `json:"idleTimeoutSec"`
	}{Mode: "poll", IdleTimeoutSec: 60})
	return payload
}

func firstTarget(targets map[string]string) string {
	for _, v := range targets {
		return v
	}
	return ""
}
