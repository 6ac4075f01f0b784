package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/gitclaw/internal/event"
	"github.com/stellarlinkco/gitclaw/internal/ledger"
	"github.com/stellarlinkco/gitclaw/internal/store"
)

// ErrEngineUnavailable signals that the execution backend could not be
// reached at all, as opposed to a task that ran and failed. The distinction
// decides between revert-and-retry and a terminal failed record.
var ErrEngineUnavailable = errors.New("execution engine unavailable")

// Outcome is the per-event result reported by the execution engine.
type Outcome struct {
	EventID string
	Success bool
	Cost    float64
	Tokens  int
	Reason  string
}

// Engine is the external execution contract. Implementations run the actual
// agentic work; engine-side retries are the engine's own concern.
type Engine interface {
	Execute(ctx context.Context, batch []event.Event) ([]Outcome, error)
}

// Dispatcher hands admitted batches to the engine and writes outcomes back
// into the state store. It holds no admission locks while the engine runs.
type Dispatcher struct {
	store        *store.Store
	ledger       *ledger.Ledger
	engine       Engine
	eventTimeout time.Duration
	now          func() time.Time

	subjMu   sync.Mutex
	subjects map[string]*subjectLock
}

// subjectLock serializes engine work per subject. Two concurrently
// dispatched batches may both carry events for the same issue or pull
// request; its session must not see interleaved invocations.
type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func New(s *store.Store, l *ledger.Ledger, engine Engine, eventTimeout time.Duration) *Dispatcher {
	if eventTimeout <= 0 {
		eventTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		store:        s,
		ledger:       l,
		engine:       engine,
		eventTimeout: eventTimeout,
		now:          time.Now,
		subjects:     make(map[string]*subjectLock),
	}
}

// SetClock overrides the time source, for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Dispatch runs one admitted batch. Events are invoked individually so a
// per-event timeout or failure never takes its siblings down with it; only
// total engine unavailability aborts, reverting the rest of the batch to
// pending for a later retry.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []event.Event) ([]Outcome, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	ids := make([]string, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	if err := d.store.MarkInFlight(ids, d.now()); err != nil {
		return nil, fmt.Errorf("mark batch in flight: %w", err)
	}
	log.Printf("[dispatch] batch of %d %s event(s) in flight", len(batch), batch[0].Type)

	outcomes := make([]Outcome, 0, len(batch))
	for i, ev := range batch {
		if ctx.Err() != nil {
			_ = d.store.RevertToPending(ids[i:])
			return outcomes, fmt.Errorf("dispatch interrupted: %w", ctx.Err())
		}

		unlock := d.lockSubject(ev.SubjectID)
		evCtx, cancel := context.WithTimeout(ctx, d.eventTimeout)
		results, err := d.engine.Execute(evCtx, []event.Event{ev})
		cancel()
		unlock()

		if errors.Is(err, ErrEngineUnavailable) {
			// Could not even try: the remaining records go back to pending
			// instead of being marked failed.
			_ = d.store.RevertToPending(ids[i:])
			return outcomes, fmt.Errorf("dispatch batch: %w", err)
		}
		if err != nil {
			reason := err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "execution timeout"
			}
			outcomes = append(outcomes, d.recordFailure(ev, reason))
			continue
		}

		oc := outcomeFor(results, ev.ID)
		if !oc.Success {
			outcomes = append(outcomes, d.recordFailure(ev, oc.Reason))
			continue
		}
		if err := d.ledger.Record(ev.ID, ev.Type, oc.Cost, oc.Tokens); err != nil {
			return outcomes, fmt.Errorf("record outcome for %s: %w", ev.ID, err)
		}
		log.Printf("[dispatch] %s completed (cost %.4f, %d tokens)", ev.ID, oc.Cost, oc.Tokens)
		outcomes = append(outcomes, oc)
	}
	return outcomes, nil
}

// lockSubject acquires the lock for one subject, creating it on first use
// and dropping it once no dispatch holds a reference.
func (d *Dispatcher) lockSubject(subjectID string) func() {
	d.subjMu.Lock()
	l := d.subjects[subjectID]
	if l == nil {
		l = &subjectLock{}
		d.subjects[subjectID] = l
	}
	l.refs++
	d.subjMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.subjMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.subjects, subjectID)
		}
		d.subjMu.Unlock()
	}
}

func (d *Dispatcher) recordFailure(ev event.Event, reason string) Outcome {
	if reason == "" {
		reason = "execution failed"
	}
	if err := d.store.MarkFailed(ev.ID, reason, d.now()); err != nil {
		log.Printf("[dispatch] mark %s failed: %v", ev.ID, err)
	}
	log.Printf("[dispatch] %s failed: %s", ev.ID, reason)
	return Outcome{EventID: ev.ID, Success: false, Reason: reason}
}

func outcomeFor(results []Outcome, eventID string) Outcome {
	for _, oc := range results {
		if oc.EventID == eventID {
			return oc
		}
	}
	return Outcome{EventID: eventID, Success: false, Reason: "engine returned no outcome"}
}
