// Package activity records what happened to cases, users and documents.
// Events are delivered to every configured sink after the owning transaction
// commits. Delivery is best effort: a failing or slow sink is logged and
// skipped and never fails or delays the operation that produced the event.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	EventCaseCreated            = "case.created"
	EventCaseUpdated            = "case.updated"
	EventCasePromoted           = "case.promoted"
	EventCaseStatusChanged      = "case.status_changed"
	EventUserRoleChanged        = "user.role_changed"
	EventProcedureScheduled     = "procedure.scheduled"
	EventProcedureStatusChanged = "procedure.status_changed"
	EventDocumentUploaded       = "document.uploaded"
	EventDocumentDeleted        = "document.deleted"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is what a caller knows about an event.
type Entry struct {
	ActorID     int64
	CaseID      int64
	Description string
	Data        map[string]interface{}
	Status      string
}

// Event is an Entry stamped with its id, type and time.
type Event struct {
	ID          uuid.UUID              `json:"id"`
	Type        string                 `json:"event_type"`
	ActorID     *int64                 `json:"actor_id,omitempty"`
	CaseID      int64                  `json:"case_id,omitempty"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data"`
	Status      string                 `json:"status"`
	Tenant      string                 `json:"tenant,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// DefaultDeliveryTimeout bounds one delivery of an event to all sinks.
const DefaultDeliveryTimeout = 5 * time.Second

// Recorder fans events out to its sinks. Deliveries run on a context
// detached from the caller's cancellation, under the recorder's own
// deadline.
type Recorder struct {
	sinks      []Sink
	logger     zerolog.Logger
	now        func() time.Time
	tenant     func(context.Context) string
	timeout    time.Duration
	background bool
	pending    sync.WaitGroup
}

func NewRecorder(logger zerolog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:   sinks,
		logger:  logger.With().Str("component", "activity").Logger(),
		now:     time.Now,
		tenant:  func(context.Context) string { return "" },
		timeout: DefaultDeliveryTimeout,
	}
}

// WithDeliveryTimeout sets the deadline of one delivery. Non-positive values
// keep the default.
func (r *Recorder) WithDeliveryTimeout(d time.Duration) *Recorder {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// InBackground makes Record return once the event is stamped; sinks are
// written on their own goroutine. Close waits for those deliveries.
func (r *Recorder) InBackground() *Recorder {
	r.background = true
	return r
}

// Close waits for background deliveries still in flight.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.pending.Wait()
}

// WithTenantResolver sets how the recorder reads the tenant of a request.
func (r *Recorder) WithTenantResolver(fn func(context.Context) string) *Recorder {
	r.tenant = fn
	return r
}

// Sinks returns the names of the configured sinks.
func (r *Recorder) Sinks() []string {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

// Record builds the event and writes it to every sink concurrently. Unless
// the recorder runs in the background it returns once all sinks have
// finished. Sink errors are logged and dropped. A nil Recorder records
// nothing.
func (r *Recorder) Record(ctx context.Context, eventType string, e Entry) Event {
	ev := Event{
		ID:          uuid.New(),
		Type:        eventType,
		CaseID:      e.CaseID,
		Description: e.Description,
		Data:        e.Data,
		Status:      e.Status,
	}
	if r == nil {
		return ev
	}
	ev.OccurredAt = r.now().UTC()
	ev.Tenant = r.tenant(ctx)
	if e.ActorID != 0 {
		actor := e.ActorID
		ev.ActorID = &actor
	}
	if ev.Data == nil {
		ev.Data = map[string]interface{}{}
	}
	if ev.Status == "" {
		ev.Status = StatusSuccess
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	if r.background {
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			defer cancel()
			r.deliver(dctx, ev)
		}()
		return ev
	}
	defer cancel()
	r.deliver(dctx, ev)
	return ev
}

func (r *Recorder) deliver(ctx context.Context, ev Event) {
	var g errgroup.Group
	for _, s := range r.sinks {
		s := s
		g.Go(func() error {
			if err := s.Write(ctx, ev); err != nil {
				r.logger.Error().
					Err(err).
					Str("sink", s.Name()).
					Str("event_type", ev.Type).
					Str("event_id", ev.ID.String()).
					Msg("activity sink failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
