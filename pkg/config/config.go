// Package config loads the environment-variable settings recognized by the
// pipeline (spec §6.5), following the teacher's cmd/agent/main.go idiom:
// github.com/joho/godotenv loads an optional .env file, then every setting
// is read with os.Getenv and a typed default.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file if present. Missing files are not an error —
// the teacher's main() treats this as informational, not fatal.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

// Broker holds the settings shared by all three binaries for reaching the
// broker (§6.5 BROKER_URL).
type Broker struct {
	URL string
}

// LoadBroker reads BROKER_URL, defaulting to a local Redis instance.
func LoadBroker() Broker {
	return Broker{URL: getenv("BROKER_URL", "redis://127.0.0.1:6379/0")}
}

// Gateway holds settings specific to the Gateway binary (§4.4, §6.5).
type Gateway struct {
	Broker

	ListenAddr       string
	HealthAddr       string
	SilenceThreshold time.Duration
	PreRoll          time.Duration
	MaxBuffer        time.Duration
	StreamChunk      time.Duration
	AckWait          time.Duration
	PublishDeadline  time.Duration
	MaxQueueDepth    int64
	VADAggressiveness int
	VADBThreshold     float64
	SessionTTL        time.Duration
	LogLevel          string
}

// LoadGateway builds a Gateway config from the environment, applying the
// defaults spec §6.5 documents.
func LoadGateway() Gateway {
	return Gateway{
		Broker:            LoadBroker(),
		ListenAddr:        getenv("GATEWAY_PORT", ":8080"),
		HealthAddr:        getenv("HEALTH_PORT", ":8081"),
		SilenceThreshold:  getenvMillis("SILENCE_THRESHOLD_MS", 2000*time.Millisecond),
		PreRoll:           getenvMillis("PRE_ROLL_MS", 1000*time.Millisecond),
		MaxBuffer:         getenvMillis("MAX_BUFFER_MS", 30000*time.Millisecond),
		StreamChunk:       getenvMillis("STREAM_CHUNK_MS", 800*time.Millisecond),
		AckWait:           getenvMillis("ACK_WAIT_MS", 2000*time.Millisecond),
		PublishDeadline:   getenvMillis("PUBLISH_DEADLINE_MS", 3000*time.Millisecond),
		MaxQueueDepth:     int64(getenvInt("MAX_QUEUE_DEPTH", 500)),
		VADAggressiveness: getenvInt("VAD_A_AGGR", 2),
		VADBThreshold:     parseFloat(getenv("VAD_B_THRESHOLD", "0.5"), 0.5),
		SessionTTL:        getenvMillis("SESSION_TTL_MS", 5000*time.Millisecond),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}
}

// Worker holds settings shared by the STT and translation worker binaries
// (§4.5, §4.6, §6.5).
type Worker struct {
	Broker

	ConsumerGroup   string
	ConsumerID      string
	BlockMs         time.Duration
	AckWait         time.Duration
	ModelDeadline   time.Duration
	PublishDeadline time.Duration
	BatchMax        int
	BatchWaitMs     time.Duration
	LogLevel        string
}

// LoadWorker builds a Worker config from the environment.
func LoadWorker(group, consumerID string) Worker {
	return Worker{
		Broker:          LoadBroker(),
		ConsumerGroup:   group,
		ConsumerID:      consumerID,
		BlockMs:         getenvMillis("BLOCK_MS", 1000*time.Millisecond),
		AckWait:         getenvMillis("ACK_WAIT_MS", 2000*time.Millisecond),
		ModelDeadline:   getenvMillis("MODEL_DEADLINE_MS", 10000*time.Millisecond),
		PublishDeadline: getenvMillis("PUBLISH_DEADLINE_MS", 3000*time.Millisecond),
		BatchMax:        getenvInt("BATCH_MAX", 4),
		BatchWaitMs:     getenvMillis("BATCH_WAIT_MS", 100*time.Millisecond),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}
}

func parseFloat(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
