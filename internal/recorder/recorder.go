package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"main/internal/bus"
)

var (
	ErrQueueFull      = errors.New("recorder queue full")
	ErrClosed         = errors.New("recorder closed")
	ErrNotStarted     = errors.New("recorder not started")
	ErrAlreadyStarted = errors.New("recorder already started")
)

// Recorder drains connection events from a buffered queue into the
// connection_events table in batches.
type Recorder struct {
	cfg Config
	db  *gorm.DB
	ch  chan ConnectionEvent
	wg  sync.WaitGroup
	err atomic.Value

	started uint32
	closed  uint32
}

// New creates a recorder and migrates the backing table.
func New(db *gorm.DB, cfg Config) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.New("recorder requires a database handle")
	}
	if err := db.AutoMigrate(&ConnectionEvent{}); err != nil {
		return nil, errors.Wrap(err, "migrate connection_events")
	}
	return &Recorder{
		cfg: cfg,
		db:  db,
		ch:  make(chan ConnectionEvent, cfg.QueueSize),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (r *Recorder) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&r.started, 0, 1) {
		return ErrAlreadyStarted
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	return nil
}

// Close stops the recorder and flushes any buffered events.
func (r *Recorder) Close() error {
	if atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		close(r.ch)
	}
	r.wg.Wait()
	return r.Err()
}

// Err returns the first database error observed by the writer, if any.
func (r *Recorder) Err() error {
	if v := r.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// TryRecord enqueues a feed event without blocking.
func (r *Recorder) TryRecord(e bus.Event) error {
	if atomic.LoadUint32(&r.closed) != 0 {
		return ErrClosed
	}
	if atomic.LoadUint32(&r.started) == 0 {
		return ErrNotStarted
	}
	if err := r.Err(); err != nil {
		return err
	}
	select {
	case r.ch <- fromBus(e):
		return nil
	default:
		return ErrQueueFull
	}
}

// Attach consumes the queue until it closes, recording every event.
// Overflow is logged and dropped rather than stalling the feed.
func (r *Recorder) Attach(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(e bus.Event) {
		if err := r.TryRecord(e); err != nil {
			logs.Warnf("drop connection event %s: %v", e.Type, err)
		}
	})
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ConnectionEvent, 0, r.cfg.BatchSize)
	defer func() {
		r.flush(batch)
	}()

	for {
		select {
		case <-ctx.Done():
			r.drainNonBlocking(&batch)
			return
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				if !r.flush(batch) {
					return
				}
				batch = batch[:0]
			}
		case <-ticker.C:
			if !r.flush(batch) {
				return
			}
			batch = batch[:0]
		}
	}
}

func (r *Recorder) drainNonBlocking(batch *[]ConnectionEvent) {
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (r *Recorder) flush(batch []ConnectionEvent) bool {
	if len(batch) == 0 {
		return true
	}
	if err := r.db.CreateInBatches(batch, r.cfg.BatchSize).Error; err != nil {
		r.setErr(errors.Wrap(err, "insert connection events"))
		return false
	}
	return true
}

func (r *Recorder) setErr(err error) {
	if err == nil {
		return
	}
	if r.err.Load() != nil {
		return
	}
	r.err.Store(err)
	logs.Errorf("recorder stopped: %v", err)
}
