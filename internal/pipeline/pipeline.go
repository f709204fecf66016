// Package pipeline validates, deduplicates, orders, and commits chat
// messages. It is the one unit the rest of the system depends on for
// "a message now exists": only a fresh commit triggers fan-out and cache
// invalidation; a deduplicated resubmission transparently returns the
// original message id with no side effects.
package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/relaychat/chat-core/internal/metrics"
	"github.com/relaychat/chat-core/internal/store"
)

// Publisher receives every freshly committed message for room fan-out.
type Publisher interface {
	PublishMessage(msg store.Message) error
}

// Invalidator is the cache layer's write hook, fired synchronously as part
// of a committed write.
type Invalidator interface {
	InvalidateRecent(ctx context.Context, roomID string) error
}

// Pipeline commits messages through the single-writer store.
type Pipeline struct {
	writer      *store.Writer
	publisher   Publisher
	invalidator Invalidator
}

// New creates a Pipeline. publisher and invalidator may be nil (used by
// tests and by tooling that only needs persistence).
func New(writer *store.Writer, publisher Publisher, invalidator Invalidator) *Pipeline {
	return &Pipeline{
		writer:      writer,
		publisher:   publisher,
		invalidator: invalidator,
	}
}

// Submit validates and commits one message, returning its authoritative
// id. Ordering within a room is the id order assigned by the store at
// commit time, never wall-clock time.
//
// Resubmission with the same (room, dedup key) returns the original id
// and triggers no fan-out: retrying after a network failure is safe.
// Transient store failures surface as retryable errors (store.IsTransient)
// and the caller's policy is to retry with the same dedup key; validation
// failures are permanent and must not be retried.
func (p *Pipeline) Submit(ctx context.Context, roomID, senderID, dedupKey, body string) (int64, error) {
	start := time.Now()

	trimmed, err := validateSubmit(roomID, senderID, dedupKey, body)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}

	msg, created, err := p.writer.Submit(ctx, roomID, senderID, dedupKey, trimmed)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}

	if created {
		// Invalidate before acknowledging the commit so a stale recent
		// page can never outlive the write that changed it.
		if p.invalidator != nil {
			if err := p.invalidator.InvalidateRecent(ctx, roomID); err != nil {
				log.Printf("pipeline: recent-page invalidation failed room=%s: %v", roomID, err)
			}
		}
		if p.publisher != nil {
			if err := p.publisher.PublishMessage(msg); err != nil {
				log.Printf("pipeline: fan-out publish failed room=%s id=%d: %v", roomID, msg.ID, err)
			}
		}
		metrics.MessagesTotal.WithLabelValues("committed").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("deduplicated").Inc()
	}

	metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	return msg.ID, nil
}

// IsValidation reports whether err is a permanent input failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
