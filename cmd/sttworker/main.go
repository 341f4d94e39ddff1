// Command sttworker runs the STT worker loop (C5): it consumes audio_jobs,
// invokes a Transcriber, and republishes results. Transcriber selection
// mirrors the teacher's STT_PROVIDER switch in cmd/agent/main.go.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/logging"
	"github.com/lokutor-ai/streamcast/pkg/sttworker"
	"github.com/lokutor-ai/streamcast/pkg/transcriber"
)

func buildTranscriber() transcriber.Transcriber {
	name := os.Getenv("STT_PROVIDER")
	if name == "" {
		name = "groq"
	}

	switch name {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			log.Fatal("sttworker: OPENAI_API_KEY must be set for openai STT")
		}
		return transcriber.NewOpenAI(key, os.Getenv("OPENAI_STT_MODEL"))
	case "deepgram":
		key := os.Getenv("DEEPGRAM_API_KEY")
		if key == "" {
			log.Fatal("sttworker: DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		return transcriber.NewDeepgram(key)
	case "assemblyai":
		key := os.Getenv("ASSEMBLYAI_API_KEY")
		if key == "" {
			log.Fatal("sttworker: ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		return transcriber.NewAssemblyAI(key)
	case "groq":
		fallthrough
	default:
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			log.Fatal("sttworker: GROQ_API_KEY must be set for groq STT")
		}
		return transcriber.NewGroq(key, os.Getenv("GROQ_STT_MODEL"))
	}
}

func main() {
	config.LoadDotEnv()

	consumerID := os.Getenv("WORKER_ID")
	if consumerID == "" {
		consumerID = uuid.NewString()
	}
	cfg := config.LoadWorker("stt-workers", consumerID)
	logger := logging.NewSlog(cfg.LogLevel)

	b, err := broker.Dial(cfg.Broker.URL)
	if err != nil {
		log.Fatalf("sttworker: failed to dial broker: %v", err)
	}

	tr := buildTranscriber()
	w := sttworker.New(b, tr, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("sttworker: shutdown signal received")
		cancel()
	}()

	logger.Info("sttworker: starting", "consumer_id", consumerID, "provider", tr.Name())
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("sttworker: run failed: %v", err)
	}
}
