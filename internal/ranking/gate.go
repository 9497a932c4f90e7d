package ranking

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var gateLogger = log.New(log.Writer(), "[GATE] ", log.LstdFlags)

// Gate serializes calls to the shared remote endpoint. Acquire blocks
// until the gate is free, the wait budget elapses (ErrGateTimeout), or
// ctx is done. The returned release func must be called exactly once.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// mutexGate is the in-process gate: a 1-slot channel with a bounded wait.
type mutexGate struct {
	name string
	slot chan struct{}
	wait time.Duration
}

// NewMutexGate builds a process-local gate admitting one caller at a
// time. wait bounds how long Acquire blocks; zero means 15s.
func NewMutexGate(name string, wait time.Duration) Gate {
	if wait <= 0 {
		wait = 15 * time.Second
	}
	g := &mutexGate{name: name, slot: make(chan struct{}, 1), wait: wait}
	g.slot <- struct{}{}
	return g
}

func (g *mutexGate) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(g.wait)
	defer timer.Stop()
	select {
	case <-g.slot:
		return func() { g.slot <- struct{}{} }, nil
	case <-timer.C:
		gateLogger.Printf("%s: acquire timed out after %s", g.name, g.wait)
		return nil, ErrGateTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// redisGate serializes across processes with a SetNX lease, the same
// shape the run scheduler uses for its duplicate-run locks. The lease
// TTL guards against a crashed holder wedging the gate forever.
type redisGate struct {
	rdb  *redis.Client
	key  string
	ttl  time.Duration
	wait time.Duration
	poll time.Duration
}

// NewRedisGate builds a cross-process gate named by key. ttl is the
// lease lifetime (zero means 2m), wait the acquire budget (zero means 15s).
func NewRedisGate(rdb *redis.Client, key string, ttl, wait time.Duration) Gate {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if wait <= 0 {
		wait = 15 * time.Second
	}
	return &redisGate{rdb: rdb, key: key, ttl: ttl, wait: wait, poll: 100 * time.Millisecond}
}

func (g *redisGate) Acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(g.wait)
	for {
		ok, err := g.rdb.SetNX(ctx, g.key, "1", g.ttl).Result()
		if err != nil {
			return nil, &RemoteError{Op: "gate", Err: err}
		}
		if ok {
			return func() { g.rdb.Del(context.Background(), g.key) }, nil
		}
		if time.Now().After(deadline) {
			gateLogger.Printf("%s: acquire timed out after %s", g.key, g.wait)
			return nil, ErrGateTimeout
		}
		select {
		case <-time.After(g.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
