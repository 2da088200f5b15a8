// Package store keeps a best-effort record of sessions and their conversation
// log in Redis. The bridge runs the same way with or without it.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/metrics"
)

const (
	activeSessionsKey = "active_sessions"
	defaultQueueSize  = 256
	writeTimeout      = 2 * time.Second
)

// Terminal states remove a session from the active set.
var terminalStates = map[string]bool{"idle": true, "failed": true}

// client is the subset of *redis.Client the registry writes with.
type client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Options configures a Registry.
type Options struct {
	Addr      string
	Password  string
	TTL       time.Duration
	QueueSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type opKind int

const (
	opState opKind = iota
	opItem
)

type op struct {
	kind      opKind
	sessionID string
	state     string
	role      string
	content   string
	at        time.Time
}

type storedItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      string `json:"at"`
}

// Registry writes session records from a background worker. Record calls
// never block; when the queue is full the write is dropped.
type Registry struct {
	rdb     client
	ttl     time.Duration
	queue   chan op
	log     zerolog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry connects to Redis. If the server does not answer a ping the
// registry is returned disabled and every Record call is a no-op.
func NewRegistry(ctx context.Context, opts Options) *Registry {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		opts.Logger.Warn().Err(err).Str("addr", opts.Addr).Msg("⚠️ Redis unavailable, session registry disabled")
		_ = rdb.Close()
		return newRegistry(nil, opts)
	}
	opts.Logger.Info().Str("addr", opts.Addr).Msg("✅ Connected to Redis")
	return newRegistry(rdb, opts)
}

func newRegistry(rdb client, opts Options) *Registry {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	r := &Registry{
		rdb:     rdb,
		ttl:     ttl,
		queue:   make(chan op, size),
		log:     opts.Logger.With().Str("component", "store").Logger(),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	if rdb != nil {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Available reports whether writes reach Redis.
func (r *Registry) Available() bool {
	return r != nil && r.rdb != nil
}

// RecordState stores the controller state of a session.
func (r *Registry) RecordState(sessionID, state string) {
	r.enqueue(op{kind: opState, sessionID: sessionID, state: state, at: time.Now()})
}

// RecordItem appends one conversation entry to a session's log.
func (r *Registry) RecordItem(sessionID, role, content string) {
	r.enqueue(op{kind: opItem, sessionID: sessionID, role: role, content: content, at: time.Now()})
}

func (r *Registry) enqueue(o op) {
	if !r.Available() || o.sessionID == "" {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- o:
	default:
		r.metrics.RecordRecorderDrop()
		r.log.Debug().Str("session", shortID(o.sessionID)).Msg("registry queue full, dropping write")
	}
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		select {
		case o := <-r.queue:
			r.apply(o)
		case <-r.done:
			// Drain what was accepted before Close.
			for {
				select {
				case o := <-r.queue:
					r.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	key := "session:" + o.sessionID
	switch o.kind {
	case opState:
		r.rdb.HSetNX(ctx, key, "created_at", o.at.Format(time.RFC3339))
		if err := r.rdb.HSet(ctx, key, map[string]interface{}{
			"state":      o.state,
			"updated_at": o.at.Format(time.RFC3339),
		}).Err(); err != nil {
			r.log.Debug().Err(err).Msg("failed to record state")
			return
		}
		if terminalStates[o.state] {
			r.rdb.SRem(ctx, activeSessionsKey, o.sessionID)
		} else {
			r.rdb.SAdd(ctx, activeSessionsKey, o.sessionID)
		}
		r.rdb.Expire(ctx, key, r.ttl)
	case opItem:
		data, err := sonic.MarshalString(storedItem{Role: o.role, Content: o.content, At: o.at.Format(time.RFC3339Nano)})
		if err != nil {
			return
		}
		itemsKey := key + ":items"
		if err := r.rdb.RPush(ctx, itemsKey, data).Err(); err != nil {
			r.log.Debug().Err(err).Msg("failed to record item")
			return
		}
		r.rdb.Expire(ctx, itemsKey, r.ttl)
	}
}

// Close flushes queued writes and closes the Redis client.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.rdb != nil {
			err = r.rdb.Close()
		}
	})
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
