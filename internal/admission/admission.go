// Package admission is the policy core: it decides, for every deduplicated
// event, whether it enters a batch window now, waits, or is rejected, and
// hands closed windows to the dispatcher.
package admission

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/event"
	"github.com/stellarlinkco/gitclaw/internal/ledger"
	"github.com/stellarlinkco/gitclaw/internal/ratelimit"
	"github.com/stellarlinkco/gitclaw/internal/store"
)

// Kind classifies an admission decision.
type Kind int

const (
	Admitted Kind = iota
	Deferred
	Rejected
	Duplicate
	InFlight
)

func (k Kind) String() string {
	switch k {
	case Admitted:
		return "admitted"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	case Duplicate:
		return "duplicate"
	default:
		return "in_flight"
	}
}

// Decision is the outcome of one admission attempt. Duplicate, InFlight,
// Deferred and Rejected are normal outcomes, not errors; only store
// unavailability surfaces as an error from OnEvent.
type Decision struct {
	Kind    Kind
	Reason  string
	BatchID string
}

// Dispatches receives closed windows. Implementations must not be called
// while any admission lock is held.
type Dispatches interface {
	Dispatch(ctx context.Context, batch []event.Event) error
}

// Alerter receives operational escalations (events stuck past the deferral
// escalation age). A nil Alerter disables escalation.
type Alerter interface {
	Alert(msg string)
}

type batchWindow struct {
	id              string
	openedAt        time.Time
	events          []event.Event
	budgetRemaining int
}

type typeState struct {
	mu  sync.Mutex
	win *batchWindow
}

// Controller owns the per-type batch windows. Window mutation is serialized
// per type; dispatch always happens after the type lock is released.
type Controller struct {
	cfg     *config.Config
	store   *store.Store
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	disp    Dispatches
	alerter Alerter

	flushInterval time.Duration
	escalationAge time.Duration
	now           func() time.Time

	states map[event.Type]*typeState
	wg     sync.WaitGroup
	seq    int64
	seqMu  sync.Mutex
}

func New(cfg *config.Config, st *store.Store, led *ledger.Ledger, lim *ratelimit.Limiter, disp Dispatches, alerter Alerter) *Controller {
	flushInterval, err := time.ParseDuration(cfg.Cost.FlushInterval)
	if err != nil || flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	escalationAge, err := time.ParseDuration(cfg.Cost.DeferEscalationAge)
	if err != nil || escalationAge <= 0 {
		escalationAge = time.Hour
	}

	states := make(map[event.Type]*typeState, len(event.Types()))
	for _, t := range event.Types() {
		states[t] = &typeState{}
	}
	return &Controller{
		cfg:           cfg,
		store:         st,
		ledger:        led,
		limiter:       lim,
		disp:          disp,
		alerter:       alerter,
		flushInterval: flushInterval,
		escalationAge: escalationAge,
		now:           time.Now,
		states:        states,
	}
}

// SetClock overrides the time source, for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// OnEvent runs the full admission pipeline for a freshly delivered event.
// The returned error means the state store was unavailable; every policy
// outcome is a Decision.
func (c *Controller) OnEvent(ctx context.Context, ev event.Event) (Decision, error) {
	rule, ok := c.cfg.Events.Rule(string(ev.Type))
	if !ok {
		return Decision{Kind: Rejected, Reason: fmt.Sprintf("unsupported event type %q", ev.Type)}, nil
	}
	if !rule.AllowsAction(ev.Action) {
		return Decision{Kind: Rejected, Reason: fmt.Sprintf("action %q not enabled for %s events", ev.Action, ev.Type)}, nil
	}

	result, err := c.store.InsertPending(ev)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup %s: %w", ev.ID, err)
	}
	switch result {
	case store.AdmitDuplicate:
		return Decision{Kind: Duplicate}, nil
	case store.AdmitInFlight:
		return Decision{Kind: InFlight}, nil
	}

	return c.admit(ctx, ev, rule)
}

// admit runs admission steps after dedup. It is shared between first
// delivery and re-admission of deferred events.
func (c *Controller) admit(ctx context.Context, ev event.Event, rule config.EventRule) (Decision, error) {
	if ev.TokenEstimate < rule.MinTokens {
		ev.TokenEstimate = rule.MinTokens
	}
	if ev.TokenEstimate > rule.MaxTokens {
		reason := fmt.Sprintf("oversized event: %d tokens exceeds per-event maximum %d", ev.TokenEstimate, rule.MaxTokens)
		if err := c.store.MarkFailed(ev.ID, reason, c.now()); err != nil {
			return Decision{}, fmt.Errorf("record oversized rejection: %w", err)
		}
		log.Printf("[admission] rejected %s: %s", ev.ID, reason)
		return Decision{Kind: Rejected, Reason: reason}, nil
	}

	hourly, err := c.ledger.HourlyRate()
	if err != nil {
		return Decision{}, fmt.Errorf("hourly rate: %w", err)
	}
	if hourly >= c.cfg.Cost.MaxHourlyRate {
		// Cost ceiling dominates everything, including the rate limiter.
		return c.deferEvent(ev, fmt.Sprintf("hourly spend %.2f at or above ceiling %.2f", hourly, c.cfg.Cost.MaxHourlyRate))
	}
	if c.cfg.Cost.MaxTotalCost > 0 {
		total, err := c.ledger.TotalSpend()
		if err != nil {
			return Decision{}, fmt.Errorf("total spend: %w", err)
		}
		if total >= c.cfg.Cost.MaxTotalCost {
			return c.deferEvent(ev, fmt.Sprintf("total spend %.2f at or above ceiling %.2f", total, c.cfg.Cost.MaxTotalCost))
		}
	}
	if hourly >= c.cfg.Cost.TargetHourlyRate {
		// Soft throttle: spread remaining headroom across types instead of
		// letting one type burst. Ties break lexicographically by type name.
		if chosen := c.smallestLiveBatchType(); chosen != ev.Type {
			return c.deferEvent(ev, fmt.Sprintf("soft throttle: spend %.2f above target %.2f, admitting %s first", hourly, c.cfg.Cost.TargetHourlyRate, chosen))
		}
	}

	if !c.limiter.TryAcquire() {
		return c.deferEvent(ev, "request rate limit reached")
	}

	batchID, closed := c.appendToWindow(ev, rule)
	for _, batch := range closed {
		c.dispatchAsync(ctx, batch)
	}
	log.Printf("[admission] admitted %s into %s", ev.ID, batchID)
	return Decision{Kind: Admitted, BatchID: batchID}, nil
}

func (c *Controller) deferEvent(ev event.Event, reason string) (Decision, error) {
	if err := c.store.MarkDeferred(ev.ID); err != nil {
		return Decision{}, fmt.Errorf("mark deferred: %w", err)
	}
	log.Printf("[admission] deferred %s: %s", ev.ID, reason)
	return Decision{Kind: Deferred, Reason: reason}, nil
}

// smallestLiveBatchType returns the type whose open window currently holds
// the fewest events (types without a window count as zero), breaking ties by
// lexicographic type name.
func (c *Controller) smallestLiveBatchType() event.Type {
	type sized struct {
		typ  event.Type
		size int
	}
	sizes := make([]sized, 0, len(c.states))
	for _, t := range event.Types() {
		st := c.states[t]
		st.mu.Lock()
		n := 0
		if st.win != nil {
			n = len(st.win.events)
		}
		st.mu.Unlock()
		sizes = append(sizes, sized{typ: t, size: n})
	}
	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].size != sizes[j].size {
			return sizes[i].size < sizes[j].size
		}
		return sizes[i].typ < sizes[j].typ
	})
	return sizes[0].typ
}

// appendToWindow places the event into its type's window, opening or rolling
// windows as needed, and returns any windows that closed as a result. Closed
// windows are dispatched by the caller after the lock is released.
func (c *Controller) appendToWindow(ev event.Event, rule config.EventRule) (string, [][]event.Event) {
	budget := c.cfg.Cost.BatchTokenBudget
	st := c.states[ev.Type]

	st.mu.Lock()
	defer st.mu.Unlock()

	var closed [][]event.Event

	// An event too large for any window is dispatched alone; it must never
	// starve waiting for a window that cannot admit it.
	if ev.TokenEstimate > budget {
		id := c.nextBatchID(ev.Type)
		closed = append(closed, []event.Event{ev})
		return id, closed
	}

	if st.win != nil && (len(st.win.events) >= rule.BatchSize || st.win.budgetRemaining < ev.TokenEstimate) {
		closed = append(closed, st.win.events)
		st.win = nil
	}
	if st.win == nil {
		st.win = &batchWindow{
			id:              c.nextBatchID(ev.Type),
			openedAt:        c.now(),
			budgetRemaining: budget,
		}
	}

	st.win.events = append(st.win.events, ev)
	st.win.budgetRemaining -= ev.TokenEstimate
	id := st.win.id

	// Eager close: full or out of budget.
	if len(st.win.events) >= rule.BatchSize || st.win.budgetRemaining <= 0 {
		closed = append(closed, st.win.events)
		st.win = nil
	}
	return id, closed
}

func (c *Controller) nextBatchID(t event.Type) string {
	c.seqMu.Lock()
	c.seq++
	n := c.seq
	c.seqMu.Unlock()
	return fmt.Sprintf("%s-batch-%d", t, n)
}

func (c *Controller) dispatchAsync(ctx context.Context, batch []event.Event) {
	if len(batch) == 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.disp.Dispatch(ctx, batch); err != nil {
			log.Printf("[admission] dispatch error: %v", err)
		}
	}()
}

// Flush closes every window regardless of age and dispatches the contents.
// Used by the flush ticker for aged windows, at shutdown, and at the end of
// a single-shot run.
func (c *Controller) Flush(ctx context.Context) {
	c.closeAged(ctx, 0)
}

// Wait blocks until all in-flight dispatches have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) closeAged(ctx context.Context, minAge time.Duration) {
	now := c.now()
	for _, t := range event.Types() {
		st := c.states[t]
		st.mu.Lock()
		var batch []event.Event
		if st.win != nil && now.Sub(st.win.openedAt) >= minAge {
			batch = st.win.events
			st.win = nil
		}
		st.mu.Unlock()
		if len(batch) > 0 {
			c.dispatchAsync(ctx, batch)
		}
	}
}

// Run drives the periodic work: closing aged windows (bounded latency beats
// maximal batching), re-admitting deferred events, and escalating events
// stuck past the escalation age. It returns when ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.closeAged(ctx, c.flushInterval)
			if err := c.SweepDeferred(ctx); err != nil {
				log.Printf("[admission] deferral sweep: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// SweepDeferred re-runs admission for every deferred record, oldest first.
// Deferral is non-lossy: events keep coming back through here until they are
// admitted or explicitly rejected.
func (c *Controller) SweepDeferred(ctx context.Context) error {
	records, err := c.store.PendingRecords()
	if err != nil {
		return fmt.Errorf("load pending records: %w", err)
	}

	for _, rec := range records {
		if rec.Status != store.StatusDeferred {
			continue
		}
		rule, ok := c.cfg.Events.Rule(string(rec.Type))
		if !ok {
			continue
		}
		if err := c.store.Requeue(rec.EventID); err != nil {
			return err
		}
		if _, err := c.admit(ctx, rec.Event(), rule); err != nil {
			return err
		}
	}

	c.escalateStuck()
	return nil
}

// Readmit pushes surviving pending records from a previous run back through
// admission, rebuilding windows that were lost with the process.
func (c *Controller) Readmit(ctx context.Context) error {
	records, err := c.store.PendingRecords()
	if err != nil {
		return fmt.Errorf("load pending records: %w", err)
	}
	for _, rec := range records {
		rule, ok := c.cfg.Events.Rule(string(rec.Type))
		if !ok {
			continue
		}
		if rec.Status == store.StatusDeferred {
			if err := c.store.Requeue(rec.EventID); err != nil {
				return err
			}
		}
		if _, err := c.admit(ctx, rec.Event(), rule); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) escalateStuck() {
	if c.alerter == nil {
		return
	}
	stuck, err := c.store.CountUnadmittedBefore(c.now().Add(-c.escalationAge))
	if err != nil {
		log.Printf("[admission] count stuck events: %v", err)
		return
	}
	if stuck > 0 {
		c.alerter.Alert(fmt.Sprintf("%d event(s) pending longer than %s without admission", stuck, c.escalationAge))
	}
}
