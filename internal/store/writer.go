package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaychat/chat-core/internal/metrics"
)

// ErrQueueFull is returned when the write queue has no free slot within the
// caller's deadline. It is transient: the caller may retry with the same
// dedup key.
var ErrQueueFull = Transient(errors.New("store: write queue full"))

// WriterConfig holds tunable parameters for the single-writer queue.
type WriterConfig struct {
	QueueSize       int           // bounded depth of the write queue
	MaxRetries      int           // retries for transient store errors
	RetryBackoff    time.Duration // initial backoff, doubled per retry
	WriteTimeout    time.Duration // per-attempt store deadline
	RetentionWindow time.Duration // prune messages older than this; 0 disables
	PruneInterval   time.Duration // how often the retention sweep runs
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:     1024,
		MaxRetries:    3,
		RetryBackoff:  50 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
		PruneInterval: time.Minute,
	}
}

// Writer is the one serialization point for store mutations. Any number of
// producer goroutines submit inserts; a single worker goroutine executes
// them in FIFO order against the backend, retrying transient failures with
// bounded backoff. Queue depth is the backpressure signal: callers see
// rising latency, then ErrQueueFull, never unbounded queuing.
//
// A write accepted onto the queue runs to completion even if the submitter
// goes away; the dedup key keeps an abandoned-then-retried submit safe.
type Writer struct {
	store  MessageStore
	config WriterConfig
	jobs   chan insertJob
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

type insertJob struct {
	roomID   string
	senderID string
	dedupKey string
	body     string
	reply    chan insertReply
}

type insertReply struct {
	msg     Message
	created bool
	err     error
}

// NewWriter creates a Writer and starts its worker goroutine.
func NewWriter(store MessageStore, config WriterConfig) *Writer {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultWriterConfig().QueueSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriterConfig().WriteTimeout
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultWriterConfig().PruneInterval
	}

	w := &Writer{
		store:  store,
		config: config,
		jobs:   make(chan insertJob, config.QueueSize),
		done:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// Submit enqueues an insert and waits for its result. The ctx bounds the
// caller's wait only: once the job is queued, the write itself runs under
// the writer's own deadline and is never cancelled by the submitter.
func (w *Writer) Submit(ctx context.Context, roomID, senderID, dedupKey, body string) (Message, bool, error) {
	if w.closed.Load() {
		return Message{}, false, ErrClosed
	}

	job := insertJob{
		roomID:   roomID,
		senderID: senderID,
		dedupKey: dedupKey,
		body:     body,
		reply:    make(chan insertReply, 1),
	}

	select {
	case w.jobs <- job:
		metrics.WriteQueueDepth.Set(float64(len(w.jobs)))
	case <-ctx.Done():
		return Message{}, false, ErrQueueFull
	case <-w.done:
		return Message{}, false, ErrClosed
	}

	select {
	case r := <-job.reply:
		return r.msg, r.created, r.err
	case <-ctx.Done():
		// The write still runs to completion; the caller just stops
		// waiting. Retrying with the same dedup key is safe.
		return Message{}, false, ctx.Err()
	case <-w.done:
		// A job that slipped in behind a concurrent Close may never reach
		// the worker's drain pass. If it did, take its result; otherwise
		// stop waiting. Retrying with the same dedup key is safe either
		// way.
		select {
		case r := <-job.reply:
			return r.msg, r.created, r.err
		default:
			return Message{}, false, ErrClosed
		}
	}
}

// QueueDepth returns the number of writes waiting for the worker.
func (w *Writer) QueueDepth() int {
	return len(w.jobs)
}

// run is the single worker loop. It drains the job queue in order and runs
// the retention sweep between jobs.
func (w *Writer) run() {
	defer w.wg.Done()

	prune := time.NewTicker(w.config.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case job := <-w.jobs:
			w.execute(job)
			metrics.WriteQueueDepth.Set(float64(len(w.jobs)))

		case <-prune.C:
			w.pruneExpired()

		case <-w.done:
			// Accepted writes run to completion before the worker exits.
			for {
				select {
				case job := <-w.jobs:
					w.execute(job)
				default:
					return
				}
			}
		}
	}
}

// execute runs one insert with bounded retries on transient errors.
func (w *Writer) execute(job insertJob) {
	var (
		msg     Message
		created bool
		err     error
	)

	backoff := w.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
		msg, created, err = w.store.InsertUnique(ctx, job.roomID, job.senderID, job.dedupKey, job.body)
		cancel()

		if err == nil || !IsTransient(err) || attempt >= w.config.MaxRetries {
			break
		}

		metrics.WriteRetriesTotal.Inc()
		log.Printf("store: transient write error room=%s attempt=%d: %v", job.roomID, attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
	}

	job.reply <- insertReply{msg: msg, created: created, err: err}
}

// pruneExpired removes messages past the retention window, if one is set.
// Running inside the worker loop keeps it on the single write path.
func (w *Writer) pruneExpired() {
	if w.config.RetentionWindow <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	cutoff := time.Now().Add(-w.config.RetentionWindow)
	n, err := w.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.Printf("store: retention sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("store: retention sweep pruned %d messages", n)
	}
}

// Close stops accepting new writes, lets queued writes finish, and waits
// for the worker to exit.
func (w *Writer) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	close(w.done)
	w.wg.Wait()
}
