// Package ledger derives spend views from the append-only cost entries in
// the state store. It never stores a running total: every rate is a windowed
// recomputation, so the answer always matches a full re-scan.
package ledger

import (
	"time"

	"github.com/stellarlinkco/gitclaw/internal/event"
	"github.com/stellarlinkco/gitclaw/internal/store"
)

type Ledger struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// HourlyRate returns the spend over the trailing hour.
func (l *Ledger) HourlyRate() (float64, error) {
	return l.store.SpendSince(l.now().Add(-time.Hour))
}

// TotalSpend returns the cumulative spend across all entries.
func (l *Ledger) TotalSpend() (float64, error) {
	return l.store.TotalSpend()
}

// SpendByType returns per-type spend over the trailing window.
func (l *Ledger) SpendByType(window time.Duration) (map[event.Type]float64, error) {
	return l.store.SpendByType(l.now().Add(-window))
}

// Record appends a realized cost entry for a completed event. Appending is
// delegated to the store so the record update and the entry land in one
// transaction.
func (l *Ledger) Record(eventID string, eventType event.Type, amount float64, tokens int) error {
	return l.store.MarkCompleted(eventID, eventType, amount, tokens, l.now())
}
