package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Defaults for the recorder queue and batcher.
const (
	// DefaultQueueSize bounds the in-memory record queue.
	DefaultQueueSize = 1024
	// DefaultBatchSize caps records per write transaction.
	DefaultBatchSize = 64
	// DefaultFlushInterval bounds how long a partial batch may wait.
	DefaultFlushInterval = 500 * time.Millisecond
	// writeTimeout bounds one batch transaction.
	writeTimeout = 5 * time.Second
)

// Recorder ingests usage records from the proxy hot path and writes them
// durably in batches. Pushing never blocks the request pipeline: when the
// queue is full the oldest queued record is dropped and counted.
type Recorder struct {
	db *gorm.DB

	queue         chan models.UsageRecord
	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRecorder constructs a recorder. Zero options select the defaults.
func NewRecorder(db *gorm.DB, queueSize, batchSize int, flushInterval time.Duration) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Recorder{
		db:            db,
		queue:         make(chan models.UsageRecord, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the single consumer goroutine.
func (r *Recorder) Start() {
	go r.run()
}

// Stop drains and flushes the queue, then waits for the consumer to exit.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Record normalizes and enqueues one usage record. On overflow the oldest
// queued record is dropped so the hot path stays bounded.
func (r *Recorder) Record(record models.UsageRecord) {
	if r == nil {
		return
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	} else {
		record.Timestamp = record.Timestamp.UTC()
	}
	if record.InputTokens < 0 {
		record.InputTokens = 0
	}
	if record.OutputTokens < 0 {
		record.OutputTokens = 0
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	if record.Status == "" {
		record.Status = models.UsageStatusSuccess
	}
	if record.Status == models.UsageStatusSuccess {
		record.ErrorMessage = ""
	}

	select {
	case r.queue <- record:
		return
	default:
	}

	// Queue full: evict the oldest record, then retry once.
	select {
	case <-r.queue:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.queue <- record:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded on overflow.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Depth returns the current queue depth.
func (r *Recorder) Depth() int {
	if r == nil {
		return 0
	}
	return len(r.queue)
}

// run batches queued records until stopped, then flushes the remainder.
func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]models.UsageRecord, 0, r.batchSize)
	for {
		select {
		case record := <-r.queue:
			batch = append(batch[:0], record)
			timer := time.NewTimer(r.flushInterval)
		collect:
			for len(batch) < r.batchSize {
				select {
				case record := <-r.queue:
					batch = append(batch, record)
				case <-timer.C:
					break collect
				case <-r.stop:
					timer.Stop()
					r.flush(append(batch, r.drain()...))
					return
				}
			}
			timer.Stop()
			r.flush(batch)
		case <-r.stop:
			r.flush(r.drain())
			return
		}
	}
}

// drain empties the queue without waiting.
func (r *Recorder) drain() []models.UsageRecord {
	var out []models.UsageRecord
	for {
		select {
		case record := <-r.queue:
			out = append(out, record)
		default:
			return out
		}
	}
}

// flush writes one batch in a single transaction. Failures are logged; the
// records are lost rather than retried so the queue never backs up.
func (r *Recorder) flush(batch []models.UsageRecord) {
	if len(batch) == 0 || r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(batch, r.batchSize).Error
	})
	if errTx != nil {
		log.WithError(errTx).Warnf("usage: failed to persist batch of %d records", len(batch))
	}
}
