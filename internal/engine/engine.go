// Package engine drives synchronization between the local store and the
// remote shared store: it drains the sync queue upward, pulls remote
// changes downward, resolves conflicts, and exposes a monotonic sync
// version downstream consumers watch for staleness.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadenzadev/cadenza/internal/store"
	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// Remote is the consumed remote store API.
type Remote interface {
	Ping(ctx context.Context) error
	Push(ctx context.Context, req syncwire.PushRequest) (*syncwire.PushResponse, error)
	Pull(ctx context.Context, table, since string, limit int) (*syncwire.PullResponse, error)
}

// Config tunes the engine's cycles and retry policy.
type Config struct {
	PushInterval time.Duration
	PullInterval time.Duration
	PingInterval time.Duration

	// BatchSize bounds entries drained per push cycle; Concurrency bounds
	// simultaneous in-flight push requests.
	BatchSize   int
	Concurrency int
	PullLimit   int

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the tuning used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		PushInterval: 15 * time.Second,
		PullInterval: time.Minute,
		PingInterval: 10 * time.Second,
		BatchSize:    100,
		Concurrency:  4,
		PullLimit:    500,
		MaxAttempts:  10,
		BackoffBase:  time.Second,
		BackoffMax:   5 * time.Minute,
	}
}

// Engine owns the sync queue drain, the pull cycles, connectivity state,
// and the completion signal. One instance per device; no hidden globals.
type Engine struct {
	store  *store.SQLiteStore
	remote Remote
	cfg    Config

	online  atomic.Bool
	version atomic.Int64

	mu      sync.Mutex
	subs    map[int]chan int64
	nextSub int

	// kick wakes the push loop immediately after a local write.
	kick chan struct{}

	now func() time.Time
}

// New creates an engine bound to one local store and remote endpoint.
func New(s *store.SQLiteStore, r Remote, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultConfig().PullLimit
	}
	return &Engine{
		store:  s,
		remote: r,
		cfg:    cfg,
		subs:   make(map[int]chan int64),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Run starts the sync loops and blocks until ctx is cancelled.
// Cancellation is clean by construction: every cycle commits or rolls
// back whole transactions, so stopping mid-cycle never leaves partial
// state behind.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("sync engine started",
		"component", "engine",
		"action", "engine_started",
		"source_id", e.store.SourceID(),
	)

	if err := e.store.CheckIntegrity(ctx); err != nil {
		slog.Error("local store integrity check failed; automatic sync disabled until full resync",
			"component", "engine",
			"action", "integrity_failed",
			"error", err,
		)
		// Recovery is explicit: ForceSyncDown(full) rebuilds the queue.
	}

	e.checkConnectivity(ctx)

	pushTicker := time.NewTicker(e.cfg.PushInterval)
	defer pushTicker.Stop()
	pullTicker := time.NewTicker(e.cfg.PullInterval)
	defer pullTicker.Stop()
	pingTicker := time.NewTicker(e.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync engine stopped",
				"component", "engine",
				"action", "engine_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-pingTicker.C:
			e.checkConnectivity(ctx)
		case <-pushTicker.C:
			if e.online.Load() {
				e.pushCycle(ctx)
			}
		case <-e.kick:
			if e.online.Load() {
				e.pushCycle(ctx)
			}
		case <-pullTicker.C:
			if e.online.Load() {
				e.pullAll(ctx)
			}
		}
	}
}

// checkConnectivity pings the remote store and fires one push cycle plus
// one incremental pull per table on the offline-to-online transition.
func (e *Engine) checkConnectivity(ctx context.Context) {
	wasOnline := e.online.Load()
	err := e.remote.Ping(ctx)
	nowOnline := err == nil
	e.online.Store(nowOnline)

	if nowOnline && !wasOnline {
		slog.Info("remote store reachable",
			"component", "engine",
			"action", "online",
		)
		e.pushCycle(ctx)
		e.pullAll(ctx)
	}
	if !nowOnline && wasOnline {
		slog.Info("remote store unreachable",
			"component", "engine",
			"action", "offline",
			"error", err,
		)
	}
}

// Online reports whether the last connectivity probe succeeded.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SyncVersion returns the current completion counter. It never decreases;
// a consumer whose last-read version is lower re-reads its data.
func (e *Engine) SyncVersion() int64 {
	return e.version.Load()
}

// Watch subscribes to sync version changes. The returned channel carries
// the new version after every committed push or pull batch; cancel
// releases the subscription. Slow consumers miss intermediate values but
// always see the latest.
func (e *Engine) Watch() (<-chan int64, func()) {
	ch := make(chan int64, 1)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
	return ch, cancel
}

// bumpVersion increments the sync version once per committed batch and
// notifies watchers.
func (e *Engine) bumpVersion() {
	v := e.version.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- v:
		default:
			// Drop the stale value so the latest one lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// NotifyLocalWrite schedules an immediate push cycle. Call after any
// ApplyLocalMutation while the engine runs.
func (e *Engine) NotifyLocalWrite() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// PendingCount returns the number of local changes still syncing.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// ForceSyncUp runs one push cycle now, regardless of timers.
func (e *Engine) ForceSyncUp(ctx context.Context) error {
	return e.pushCycle(ctx)
}

// ForceSyncDown runs one pull per table now. With full=true it ignores
// cursors and reconciles every table against the complete remote state,
// rebuilding the queue first if the store failed its integrity check.
func (e *Engine) ForceSyncDown(ctx context.Context, full bool) error {
	if full {
		if dropped, err := e.store.RebuildQueue(ctx); err != nil {
			return err
		} else if dropped > 0 {
			slog.Warn("dropped orphan queue entries during recovery",
				"component", "engine",
				"action", "queue_rebuilt",
				"dropped", dropped,
			)
		}
	}
	for _, table := range types.AllTables() {
		var err error
		if full {
			err = e.fullPull(ctx, table)
		} else {
			err = e.incrementalPull(ctx, table)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pullAll(ctx context.Context) {
	for _, table := range types.AllTables() {
		if ctx.Err() != nil {
			return
		}
		if err := e.incrementalPull(ctx, table); err != nil {
			slog.Warn("incremental pull failed",
				"component", "engine",
				"action", "pull_failed",
				"table", string(table),
				"error", err,
			)
		}
	}
}
