// Command rendezvous runs the standalone reverse-connection rendezvous
// server: a client socket is registered here under an ID, and a worker
// that cannot accept inbound connections dials out with a CONNECT for
// that ID to be spliced to it.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ocx/proxyfabric/internal/config"
	"github.com/ocx/proxyfabric/internal/rendezvous"
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rendezvous.NewServer(rendezvous.Config{
		MessageTimeout:     cfg.Rendezvous.MessageTimeout(),
		ConnWaitTimeout:    cfg.Rendezvous.ConnWaitTimeout(),
		ReapInterval:       cfg.Rendezvous.ReapInterval(),
		DefaultIdleTimeout: cfg.Rendezvous.DefaultIdleTimeout(),
	}, logger)

	slog.Info("rendezvous listening", "addr", cfg.Rendezvous.Addr)
	if err := server.Run(ctx, cfg.Rendezvous.Addr); err != nil {
		log.Fatalf("rendezvous server exited: %v", err)
	}
	slog.Info("rendezvous shut down cleanly")
}
