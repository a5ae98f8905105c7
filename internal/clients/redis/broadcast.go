// Package redis wires go-redis into two domain concerns: a pub/sub
// broadcast of process status transitions and a
// distributed named lock (internal/engine/distlock).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

// StatusEvent is published whenever a process transitions to a new overall
// status, so external subscribers can react without polling GetProcess.
type StatusEvent struct {
	ProcessID string `json:"process_id"`
	Status    string `json:"status"`
	Step      string `json:"step,omitempty"`
}

// Broadcaster publishes and subscribes to process status events on a single
// shared channel, keyed by process id inside the payload rather than by a
// per-process channel name.
type Broadcaster interface {
	Publish(ctx context.Context, evt StatusEvent) error
	Subscribe(ctx context.Context, onEvent func(StatusEvent)) error
	Close() error
}

type broadcaster struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewClient dials Redis using REDIS_ADDR, shared by the broadcaster and by
// the distlock.Redis NamedLock implementation so both collaborators talk to
// the same connection pool.
func NewClient() (*goredis.Client, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewBroadcaster builds a broadcaster for REDIS_CHANNEL (default
// "process_status") using an already-dialed client; it does not subscribe,
// Subscribe does.
func NewBroadcaster(log *logger.Logger, rdb *goredis.Client) (Broadcaster, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "process_status"
	}
	return &broadcaster{log: log.With("service", "RedisBroadcaster"), rdb: rdb, channel: ch}, nil
}

func (b *broadcaster) Publish(ctx context.Context, evt StatusEvent) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis broadcaster not initialized")
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *broadcaster) Subscribe(ctx context.Context, onEvent func(StatusEvent)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis broadcaster not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt StatusEvent
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					b.log.Warn("bad redis status payload", "error", err)
					continue
				}
				onEvent(evt)
			}
		}
	}()
	return nil
}

func (b *broadcaster) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
