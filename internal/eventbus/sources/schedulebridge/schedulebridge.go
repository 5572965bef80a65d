// Package schedulebridge adapts the scheduler's job-due callback into an
// event-bus source, so time-based fires flow through the same dispatch
// pipeline as file and webhook events.
package schedulebridge

import (
	"context"
	"time"

	"github.com/haloruntime/halo/internal/eventbus"
	"github.com/haloruntime/halo/internal/models"
	"github.com/haloruntime/halo/internal/scheduler"
)

// EventType is the bus event type emitted for every scheduler firing.
const EventType = "schedule.due"

// SourceID identifies this adapter in the bus's source registry.
const SourceID = "scheduler"

// Registrar is the subset of *scheduler.Scheduler this bridge depends on,
// kept narrow so the bridge can be unit-tested without a real store.
type Registrar interface {
	SetOnJobDue(fn scheduler.JobDueFunc)
}

// Source bridges a scheduler's firings onto the event bus. It never
// produces a dedup_key: the scheduler itself already guarantees a single
// fire per due occurrence, so there is nothing to deduplicate.
type Source struct {
	sched  Registrar
	emit   eventbus.EmitFunc
	report scheduler.JobDueFunc
}

// New wraps a scheduler so its firings become bus events. report, when
// non-nil, lets the caller still decide the RunOutcome recorded by the
// scheduler (e.g. the run engine deciding useful vs noop); if nil, every
// firing is recorded as useful once the event has been emitted.
func New(sched Registrar, report scheduler.JobDueFunc) *Source {
	return &Source{sched: sched, report: report}
}

func (s *Source) ID() string   { return SourceID }
func (s *Source) Type() string { return "schedule" }

// Start registers the bridge as the scheduler's due-callback. It returns
// immediately; firings are driven by the scheduler's own timer loop.
func (s *Source) Start(emit eventbus.EmitFunc) error {
	s.emit = emit
	s.sched.SetOnJobDue(func(ctx context.Context, job *models.SchedulerJob) (models.RunOutcome, error) {
		s.emit(models.HaloEvent{
			Type:   EventType,
			Source: SourceID,
			Payload: map[string]interface{}{
				"job_id":       job.ID,
				"job_name":     job.Name,
				"metadata":     job.Metadata,
				"scheduled_at": time.Now().UTC(),
			},
			ReceivedAt: time.Now().UTC(),
		})
		if s.report != nil {
			return s.report(ctx, job)
		}
		return models.RunOutcomeUseful, nil
	})
	return nil
}

// Stop detaches the bridge by installing a no-op callback; the scheduler
// itself keeps running independently of the bus.
func (s *Source) Stop() error {
	s.sched.SetOnJobDue(func(ctx context.Context, job *models.SchedulerJob) (models.RunOutcome, error) {
		return models.RunOutcomeNoop, nil
	})
	return nil
}
