// Package distlock provides the NamedLock abstraction the concurrency
// controls need: a single in-memory implementation for single-instance/test
// runs, and a Redis-backed implementation (SET NX PX) for multi-instance
// deployment, on the same go-redis client the broadcast bus uses
// (internal/clients/redis).
package distlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxgate/workflowcore/internal/observability"
)

// NamedLock acquires and releases a named mutual-exclusion lock with a TTL.
// control.Service.BulkResume holds it under the name "resume-all" so only
// one bulk resume runs at a time.
type NamedLock interface {
	// TryLock attempts to acquire name for ttl, returning a release func and
	// true on success, or a nil func and false if already held.
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// InMemory is a process-local NamedLock, sufficient for a single dispatcher
// instance or for tests; it never talks to the network.
type InMemory struct {
	mu    sync.Mutex
	held  map[string]time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{held: make(map[string]time.Time)}
}

func (l *InMemory) TryLock(_ context.Context, name string, ttl time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[name]; ok && time.Now().Before(expiry) {
		observability.Current().IncLockContention(name)
		return nil, false, nil
	}
	l.held[name] = time.Now().Add(ttl)
	release := func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}
	return release, true, nil
}

// Redis implements NamedLock with a SET NX PX + token-checked DEL, the
// standard single-node Redis mutex pattern.
type Redis struct {
	client *goredis.Client
	prefix string
}

func NewRedis(client *goredis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "workflowcore:lock:"
	}
	return &Redis{client: client, prefix: keyPrefix}
}

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (l *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context), bool, error) {
	key := l.prefix + name
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		observability.Current().IncLockContention(name)
		return nil, false, nil
	}
	release := func(releaseCtx context.Context) {
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
