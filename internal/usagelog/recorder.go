// Package usagelog records validation outcomes off the critical path.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lexilearn/token-gateway/internal/metrics"
	"github.com/lexilearn/token-gateway/internal/storage"
)

// Store is the persistence surface the recorder flushes batches to.
type Store interface {
	InsertUsageEntries(ctx context.Context, entries []*storage.UsageEntry) error
}

// Config tunes the recorder. Zero values take the defaults below.
type Config struct {
	// BufferSize is the channel capacity between Record and the flusher.
	// When the buffer is full, entries are dropped, never queued against
	// the caller.
	BufferSize int
	// BatchSize is the maximum entries per storage write.
	BatchSize int
	// FlushInterval bounds how long a partial batch may sit unflushed.
	FlushInterval time.Duration
	// FlushTimeout bounds each storage write.
	FlushTimeout time.Duration
	// MaxRetained caps entries carried over after a failed flush. Retained
	// entries are retried on the next flush; beyond the cap, oldest first,
	// they are dropped.
	MaxRetained int
}

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 128
	defaultFlushInterval = time.Second
	defaultFlushTimeout  = 5 * time.Second
	defaultMaxRetained   = 4096
)

// Recorder buffers usage-log entries and writes them in batches from a
// background goroutine. Record is fire-and-forget: it never blocks, and a
// slow or unavailable store drops entries rather than delaying or failing
// the request that produced them. Under normal operation every accepted
// entry reaches the store at least once.
type Recorder struct {
	store  Store
	logger *slog.Logger
	cfg    Config

	ch        chan *storage.UsageEntry
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder creates a Recorder and starts its flush goroutine.
func NewRecorder(store Store, logger *slog.Logger, cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = defaultMaxRetained
	}

	r := &Recorder{
		store:  store,
		logger: logger,
		cfg:    cfg,
		ch:     make(chan *storage.UsageEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues an entry for asynchronous persistence. Never blocks: if the
// buffer is full the entry is dropped and counted in metrics.
func (r *Recorder) Record(e *storage.UsageEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		metrics.RecordUsageLogDropped()
		r.logger.Debug("usage log buffer full, dropping entry",
			"token_id", e.TokenID, "endpoint", e.Endpoint)
	}
}

// Close stops the flush goroutine after draining buffered entries.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []*storage.UsageEntry

	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
		err := r.store.InsertUsageEntries(ctx, pending)
		cancel()
		if err != nil {
			// Keep the batch for the next flush, bounded so a dead store
			// cannot grow memory without limit.
			r.logger.Warn("usage log flush failed, retaining batch",
				"entries", len(pending), "error", err)
			if len(pending) > r.cfg.MaxRetained {
				dropped := len(pending) - r.cfg.MaxRetained
				for i := 0; i < dropped; i++ {
					metrics.RecordUsageLogDropped()
				}
				pending = pending[dropped:]
			}
			return
		}
		pending = pending[:0]
	}

	for {
		select {
		case e := <-r.ch:
			pending = append(pending, e)
			if len(pending) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// Drain whatever is still buffered, then final flush.
			for {
				select {
				case e := <-r.ch:
					pending = append(pending, e)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
