package broker

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dial builds the Broker the three binaries share from a BROKER_URL value
// (spec §6.5): "memory" selects the in-process Memory broker for local
// single-binary development, anything else is parsed as a redis:// URL.
func Dial(url string) (Broker, error) {
	if url == "" || url == "memory" {
		return NewMemory(), nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse BROKER_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return New(Config{Client: client})
}
