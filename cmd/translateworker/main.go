// Command translateworker runs the translation worker loop (C6): it
// consumes final_transcripts, invokes a Translator (serving repeats from an
// LRU cache), and republishes translation-bearing results. Translator
// selection mirrors the teacher's LLM_PROVIDER switch in cmd/agent/main.go.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/logging"
	"github.com/lokutor-ai/streamcast/pkg/translateworker"
	"github.com/lokutor-ai/streamcast/pkg/translator"
)

func buildTranslator() translator.Translator {
	name := os.Getenv("LLM_PROVIDER")
	if name == "" {
		name = "openai"
	}

	switch name {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			log.Fatal("translateworker: ANTHROPIC_API_KEY must be set for anthropic translation")
		}
		return translator.NewAnthropic(key, os.Getenv("ANTHROPIC_MODEL"))
	case "google":
		key := os.Getenv("GOOGLE_API_KEY")
		if key == "" {
			log.Fatal("translateworker: GOOGLE_API_KEY must be set for google translation")
		}
		return translator.NewGoogle(key, os.Getenv("GOOGLE_MODEL"))
	case "openai":
		fallthrough
	default:
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			log.Fatal("translateworker: OPENAI_API_KEY must be set for openai translation")
		}
		return translator.NewOpenAI(key, os.Getenv("OPENAI_MODEL"))
	}
}

func cacheCapacity() int {
	if v := os.Getenv("TRANSLATION_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1024
}

func main() {
	config.LoadDotEnv()

	consumerID := os.Getenv("WORKER_ID")
	if consumerID == "" {
		consumerID = uuid.NewString()
	}
	cfg := config.LoadWorker("translate-workers", consumerID)
	logger := logging.NewSlog(cfg.LogLevel)

	b, err := broker.Dial(cfg.Broker.URL)
	if err != nil {
		log.Fatalf("translateworker: failed to dial broker: %v", err)
	}

	tl := buildTranslator()
	w := translateworker.New(b, tl, cacheCapacity(), cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("translateworker: shutdown signal received")
		cancel()
	}()

	logger.Info("translateworker: starting", "consumer_id", consumerID, "provider", tl.Name())
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("translateworker: run failed: %v", err)
	}
}
