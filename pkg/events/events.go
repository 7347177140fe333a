// Package events defines the review milestones the engine publishes and the
// request-scoped queue that defers their emission to commit time.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/signoff/pkg/resources"
	"github.com/Mindburn-Labs/signoff/pkg/storage"
)

// Kind enumerates the review milestones.
type Kind string

const (
	ReviewRequested Kind = "ReviewRequested"
	ReviewRejected  Kind = "ReviewRejected"
	ReviewApproved  Kind = "ReviewApproved"
	ReviewCanceled  Kind = "ReviewCanceled"
)

// Payload is the host's resource-changed notification payload, re-used on
// review events with the URI and collection id of the impacted source.
type Payload struct {
	BucketID     string `json:"bucket_id"`
	CollectionID string `json:"collection_id"`
	Action       string `json:"action"`
	UserID       string `json:"user_id"`
	URI          string `json:"uri"`
	Timestamp    int64  `json:"timestamp"`
}

// ObjectDelta carries the before/after of one impacted object. Old is nil on
// create; New is the tombstone on delete.
type ObjectDelta struct {
	Old storage.Record `json:"old,omitempty"`
	New storage.Record `json:"new"`
}

// ReviewEvent is one queued review milestone. ChangesCount is meaningful for
// Approved and Canceled only.
type ReviewEvent struct {
	ID              string
	Kind            Kind
	Payload         Payload
	ImpactedObjects []ObjectDelta
	Resource        *resources.Resource
	ChangesCount    int
}

// New builds a review event with a fresh id.
func New(kind Kind, payload Payload, impacted []ObjectDelta, resource *resources.Resource) *ReviewEvent {
	return &ReviewEvent{
		ID:              uuid.NewString(),
		Kind:            kind,
		Payload:         payload,
		ImpactedObjects: impacted,
		Resource:        resource,
	}
}

// Emitter publishes review events on the host's event bus. Implementations
// are called only after the surrounding transaction committed.
type Emitter interface {
	Emit(ctx context.Context, ev *ReviewEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev *ReviewEvent) error

func (f EmitterFunc) Emit(ctx context.Context, ev *ReviewEvent) error { return f(ctx, ev) }

// Queue buffers review events for one request. It lives on request-scoped
// state; a rolled-back transaction simply drops it.
type Queue struct {
	pending []*ReviewEvent
}

// Push appends an event to the buffer.
func (q *Queue) Push(ev *ReviewEvent) {
	q.pending = append(q.pending, ev)
}

// Drain returns the buffered events in queue order and empties the buffer.
func (q *Queue) Drain() []*ReviewEvent {
	out := q.pending
	q.pending = nil
	return out
}

// Len reports the number of buffered events.
func (q *Queue) Len() int { return len(q.pending) }
