package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/gitclaw/internal/event"
	"github.com/stellarlinkco/gitclaw/internal/ledger"
	"github.com/stellarlinkco/gitclaw/internal/store"
)

// scriptedEngine fails or stalls specific event IDs and succeeds on the rest.
type scriptedEngine struct {
	failIDs        map[string]error
	unavailable    bool
	perEventTokens int
}

func (e *scriptedEngine) Execute(ctx context.Context, batch []event.Event) ([]Outcome, error) {
	if e.unavailable {
		return nil, ErrEngineUnavailable
	}
	outcomes := make([]Outcome, 0, len(batch))
	for _, ev := range batch {
		if err, ok := e.failIDs[ev.ID]; ok {
			return nil, err
		}
		tokens := e.perEventTokens
		outcomes = append(outcomes, Outcome{
			EventID: ev.ID,
			Success: true,
			Cost:    float64(tokens) * 0.001,
			Tokens:  tokens,
		})
	}
	return outcomes, nil
}

func newTestDispatcher(t *testing.T, eng Engine) (*Dispatcher, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, ledger.New(s), eng, time.Minute), s
}

func makeBatch(t *testing.T, s *store.Store, n int) []event.Event {
	t.Helper()
	batch := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := event.Event{
			ID:         fmt.Sprintf("issue-%d", i),
			Type:       event.TypeIssue,
			Action:     "opened",
			SubjectID:  fmt.Sprintf("issue-%d", i),
			ReceivedAt: time.Now().UTC(),
		}
		if _, err := s.InsertPending(ev); err != nil {
			t.Fatalf("InsertPending %s: %v", ev.ID, err)
		}
		batch = append(batch, ev)
	}
	return batch
}

func TestDispatchAllSucceed(t *testing.T) {
	eng := &scriptedEngine{perEventTokens: 500}
	d, s := newTestDispatcher(t, eng)
	batch := makeBatch(t, s, 3)

	outcomes, err := d.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, ev := range batch {
		rec, err := s.GetRecord(ev.ID)
		if err != nil {
			t.Fatalf("GetRecord %s: %v", ev.ID, err)
		}
		if rec.Status != store.StatusCompleted {
			t.Fatalf("expected %s completed, got %s", ev.ID, rec.Status)
		}
	}
	total, err := s.TotalSpend()
	if err != nil {
		t.Fatalf("TotalSpend error: %v", err)
	}
	if total == 0 {
		t.Fatal("expected spend recorded for completed events")
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	eng := &scriptedEngine{
		perEventTokens: 100,
		failIDs:        map[string]error{"issue-2": errors.New("tool crashed")},
	}
	d, s := newTestDispatcher(t, eng)
	batch := makeBatch(t, s, 5)

	outcomes, err := d.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}

	succeeded := 0
	for _, oc := range outcomes {
		if oc.Success {
			succeeded++
		}
	}
	if succeeded != 4 {
		t.Fatalf("expected 4 successes around the failure, got %d", succeeded)
	}

	rec, err := s.GetRecord("issue-2")
	if err != nil {
		t.Fatalf("GetRecord error: %v", err)
	}
	if rec.Status != store.StatusFailed || rec.FailureReason != "tool crashed" {
		t.Fatalf("unexpected failed record: %+v", rec)
	}
}

func TestTimeoutFailsOnlyThatEvent(t *testing.T) {
	eng := &scriptedEngine{
		perEventTokens: 100,
		failIDs:        map[string]error{"issue-1": context.DeadlineExceeded},
	}
	d, s := newTestDispatcher(t, eng)
	batch := makeBatch(t, s, 3)

	outcomes, err := d.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}

	rec, err := s.GetRecord("issue-1")
	if err != nil {
		t.Fatalf("GetRecord error: %v", err)
	}
	if rec.Status != store.StatusFailed || rec.FailureReason != "execution timeout" {
		t.Fatalf("unexpected record after timeout: %+v", rec)
	}
	for _, id := range []string{"issue-0", "issue-2"} {
		rec, err := s.GetRecord(id)
		if err != nil {
			t.Fatalf("GetRecord %s: %v", id, err)
		}
		if rec.Status != store.StatusCompleted {
			t.Fatalf("expected %s completed despite sibling timeout, got %s", id, rec.Status)
		}
	}
}

func TestEngineUnavailableRevertsBatch(t *testing.T) {
	eng := &scriptedEngine{unavailable: true}
	d, s := newTestDispatcher(t, eng)
	batch := makeBatch(t, s, 3)

	_, err := d.Dispatch(context.Background(), batch)
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}

	for _, ev := range batch {
		rec, err := s.GetRecord(ev.ID)
		if err != nil {
			t.Fatalf("GetRecord %s: %v", ev.ID, err)
		}
		if rec.Status != store.StatusPending {
			t.Fatalf("expected %s reverted to pending, got %s", ev.ID, rec.Status)
		}
	}

	total, err := s.TotalSpend()
	if err != nil {
		t.Fatalf("TotalSpend error: %v", err)
	}
	if total != 0 {
		t.Fatalf("no spend should be recorded for an aborted batch, got %v", total)
	}
}

// overlapEngine reports whether two invocations for the same subject ever
// ran at the same time.
type overlapEngine struct {
	mu      sync.Mutex
	active  map[string]int
	overlap bool
}

func (e *overlapEngine) Execute(ctx context.Context, batch []event.Event) ([]Outcome, error) {
	ev := batch[0]
	e.mu.Lock()
	e.active[ev.SubjectID]++
	if e.active[ev.SubjectID] > 1 {
		e.overlap = true
	}
	e.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	e.mu.Lock()
	e.active[ev.SubjectID]--
	e.mu.Unlock()
	return []Outcome{{EventID: ev.ID, Success: true, Cost: 0.001, Tokens: 1}}, nil
}

func TestConcurrentBatchesSerializePerSubject(t *testing.T) {
	eng := &overlapEngine{active: make(map[string]int)}
	d, s := newTestDispatcher(t, eng)

	batches := make([][]event.Event, 2)
	for i := range batches {
		ev := event.Event{
			ID:         fmt.Sprintf("issue-delivery-%d", i),
			Type:       event.TypeIssue,
			Action:     "opened",
			SubjectID:  "issue-42",
			ReceivedAt: time.Now().UTC(),
		}
		if _, err := s.InsertPending(ev); err != nil {
			t.Fatalf("InsertPending %s: %v", ev.ID, err)
		}
		batches[i] = []event.Event{ev}
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(b []event.Event) {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), b); err != nil {
				t.Errorf("Dispatch error: %v", err)
			}
		}(batch)
	}
	wg.Wait()

	if eng.overlap {
		t.Fatal("two dispatches ran concurrently for the same subject")
	}
}

func TestEmptyBatch(t *testing.T) {
	d, _ := newTestDispatcher(t, &scriptedEngine{})
	outcomes, err := d.Dispatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if outcomes != nil {
		t.Fatalf("expected no outcomes for empty batch, got %v", outcomes)
	}
}
