// Command gateway runs the WebSocket-facing half of the pipeline (C4, C7):
// it accepts client connections, runs VAD/accumulation per session, and
// publishes audio segment jobs for the worker pools to consume.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/gateway"
	"github.com/lokutor-ai/streamcast/pkg/logging"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadGateway()
	logger := logging.NewSlog(cfg.LogLevel)

	b, err := broker.Dial(cfg.Broker.URL)
	if err != nil {
		log.Fatalf("gateway: failed to dial broker: %v", err)
	}

	srv := gateway.NewServer(cfg, b, gateway.DefaultVADFactory(cfg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("gateway: shutdown signal received")
		cancel()
	}()

	logger.Info("gateway: listening", "addr", cfg.ListenAddr, "health_addr", cfg.HealthAddr)
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("gateway: serve failed: %v", err)
	}
}
