package link

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClickEvent is one resolved redirect.
type ClickEvent struct {
	LinkID uuid.UUID
	At     time.Time
}

// clickBuffer sizes the intake channel. Events beyond it are dropped
// rather than stalling the redirect path.
const clickBuffer = 4096

// ClickRecorder persists click counts off the redirect hot path. Events
// are buffered in memory, batched per link, and flushed either when a
// batch fills or on a timer.
type ClickRecorder struct {
	repo       Repository
	logger     *slog.Logger
	events     chan ClickEvent
	flushSize  int
	flushEvery time.Duration
	workers    int

	wg   sync.WaitGroup
	stop chan struct{}
}

// ClickRecorderConfig tunes batching behavior.
type ClickRecorderConfig struct {
	FlushSize  int           // events per worker before a forced flush
	FlushEvery time.Duration // max time a buffered event waits
	Workers    int
}

// NewClickRecorder creates a recorder. Call Start before Record.
func NewClickRecorder(repo Repository, cfg ClickRecorderConfig, logger *slog.Logger) *ClickRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushSize < 1 {
		cfg.FlushSize = 64
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &ClickRecorder{
		repo:       repo,
		logger:     logger,
		events:     make(chan ClickEvent, clickBuffer),
		flushSize:  cfg.FlushSize,
		flushEvery: cfg.FlushEvery,
		workers:    cfg.Workers,
		stop:       make(chan struct{}),
	}
}

// Start launches the flush workers.
func (c *ClickRecorder) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Record enqueues a click without blocking. When the buffer is full the
// event is dropped and counted through the log; a click must never wait
// on the database.
func (c *ClickRecorder) Record(ev ClickEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("click buffer full, dropping event", "link_id", ev.LinkID)
	}
}

// Stop drains the buffer, flushes remaining batches, and waits for the
// workers to exit.
func (c *ClickRecorder) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *ClickRecorder) worker() {
	defer c.wg.Done()

	batch := make(map[uuid.UUID]int64)
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	size := 0
	flushAndReset := func() {
		batch = c.flush(batch)
		size = 0
		for _, n := range batch {
			size += int(n)
		}
	}

	for {
		select {
		case ev := <-c.events:
			batch[ev.LinkID]++
			size++
			if size >= c.flushSize {
				flushAndReset()
			}
		case <-ticker.C:
			if size > 0 {
				flushAndReset()
			}
		case <-c.stop:
			// Drain whatever arrived before Stop.
			for {
				select {
				case ev := <-c.events:
					batch[ev.LinkID]++
					size++
				default:
					if size > 0 {
						c.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush persists the batch and returns the entries that could not be
// written, so the caller respools them into the next batch instead of
// losing the counts to a transient database error.
func (c *ClickRecorder) flush(batch map[uuid.UUID]int64) map[uuid.UUID]int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	retry := make(map[uuid.UUID]int64)
	for linkID, n := range batch {
		if err := c.repo.AddClicks(ctx, linkID, n); err != nil {
			c.logger.ErrorContext(ctx, "failed to persist clicks, will retry",
				"link_id", linkID,
				"count", n,
				"error", err,
			)
			retry[linkID] = n
		}
	}
	return retry
}
