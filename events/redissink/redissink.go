// Package redissink publishes kernel events to a Redis stream so that
// observability tooling (or other nodes) can tail a single ordered feed.
package redissink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcpkit/sessioncore/events"
)

// Config for the Redis-backed event sink. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// StreamKey names the stream events are appended to. ENV: REDIS_STREAM_KEY
	StreamKey string `env:"REDIS_STREAM_KEY,default=sessioncore:events"`
	// MaxLen caps the stream length (approximate trim). 0 disables trimming.
	MaxLen int64 `env:"REDIS_STREAM_MAXLEN,default=8192"`
}

type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func New(cfg Config) (*Sink, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	stream := cfg.StreamKey
	if stream == "" {
		stream = "sessioncore:events"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Sink{client: cl, stream: stream, maxLen: cfg.MaxLen}, nil
}

// NewFromEnv builds a Sink using envdecode to populate Config.
func NewFromEnv() (*Sink, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Sink) Close() error { return s.client.Close() }

func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"kind": string(ev.Kind), "d": data},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

var _ events.Sink = (*Sink)(nil)
