// Package store is the durable record of event processing: which events have
// been seen, what state their processing is in, and what each one cost. It
// holds no policy; admission decisions live elsewhere.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stellarlinkco/gitclaw/internal/event"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a ProcessingRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeferred  Status = "deferred"
)

// AdmitResult is the outcome of the insert-if-absent dedup check.
type AdmitResult int

const (
	AdmitNew AdmitResult = iota
	AdmitDuplicate
	AdmitInFlight
)

func (r AdmitResult) String() string {
	switch r {
	case AdmitNew:
		return "new"
	case AdmitDuplicate:
		return "duplicate"
	default:
		return "in_flight"
	}
}

// Record is one durable processing outcome, keyed by event ID.
type Record struct {
	EventID       string
	Type          event.Type
	Action        string
	SubjectID     string
	TokenEstimate int
	Status        Status
	ReceivedAt    time.Time
	AdmittedAt    time.Time
	CompletedAt   time.Time
	RealizedCost  float64
	FailureReason string
}

// Event rebuilds the normalized event carried by a record, used to refill
// batch windows from surviving pending records after a restart.
func (r Record) Event() event.Event {
	return event.Event{
		ID:            r.EventID,
		Type:          r.Type,
		Action:        r.Action,
		SubjectID:     r.SubjectID,
		TokenEstimate: r.TokenEstimate,
		ReceivedAt:    r.ReceivedAt,
	}
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_records (
			event_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			action TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			token_estimate INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			received_at TEXT NOT NULL,
			admitted_at TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT '',
			realized_cost REAL NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON processing_records(status, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_subject ON processing_records(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_completed ON processing_records(completed_at)`,
		`CREATE TABLE IF NOT EXISTS cost_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			amount REAL NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_created ON cost_entries(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// InsertPending records an event as pending if and only if no record for its
// ID exists. The unique primary key is the serialization point: when two
// deliveries race, exactly one insert lands and the loser observes the
// winner's row.
func (s *Store) InsertPending(ev event.Event) (AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO processing_records
		(event_id, type, action, subject_id, token_estimate, status, received_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, ev.ID, string(ev.Type), ev.Action, ev.SubjectID, ev.TokenEstimate, formatTime(ev.ReceivedAt))
	if err != nil {
		return AdmitInFlight, fmt.Errorf("insert pending: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return AdmitNew, nil
	}

	var status string
	row := s.db.QueryRow(`SELECT status FROM processing_records WHERE event_id = ?`, ev.ID)
	if err := row.Scan(&status); err != nil {
		return AdmitInFlight, fmt.Errorf("read existing record: %w", err)
	}
	switch Status(status) {
	case StatusCompleted, StatusFailed:
		return AdmitDuplicate, nil
	default:
		return AdmitInFlight, nil
	}
}

// MarkInFlight transitions the given records to in_flight before dispatch.
func (s *Store) MarkInFlight(eventIDs []string, admittedAt time.Time) error {
	return s.setStatus(eventIDs, StatusInFlight, `admitted_at = ?`, formatTime(admittedAt))
}

// MarkDeferred flags a pending record as deferred so sweeps can retry it.
// Deferral is not loss: the record stays eligible for re-admission.
func (s *Store) MarkDeferred(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE processing_records SET status = 'deferred'
		WHERE event_id = ? AND status IN ('pending', 'deferred')
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark deferred: %w", err)
	}
	return nil
}

// Requeue returns a deferred record to pending ahead of re-admission.
func (s *Store) Requeue(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE processing_records SET status = 'pending'
		WHERE event_id = ? AND status = 'deferred'
	`, eventID)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// MarkCompleted records the realized cost and appends the ledger entry in one
// transaction. Cost entries are append-only; they are never updated.
func (s *Store) MarkCompleted(eventID string, eventType event.Type, cost float64, tokens int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE processing_records
		SET status = 'completed', realized_cost = ?, completed_at = ?
		WHERE event_id = ? AND status != 'completed'
	`, cost, formatTime(at), eventID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already completed; do not double-count the spend.
		return nil
	}

	if _, err := tx.Exec(`
		INSERT INTO cost_entries (event_id, event_type, amount, tokens, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, string(eventType), cost, tokens, formatTime(at)); err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// MarkFailed records a terminal per-event failure. Failed events are not
// retried automatically; they must be resubmitted explicitly.
func (s *Store) MarkFailed(eventID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE processing_records
		SET status = 'failed', failure_reason = ?, completed_at = ?
		WHERE event_id = ?
	`, reason, formatTime(at), eventID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RevertToPending returns in_flight records to pending after a batch-wide
// engine outage, so they are retried rather than lost.
func (s *Store) RevertToPending(eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(eventIDs) == 0 {
		return nil
	}
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	_, err := s.db.Exec(`
		UPDATE processing_records SET status = 'pending', admitted_at = ''
		WHERE event_id IN (`+placeholders(len(eventIDs))+`) AND status = 'in_flight'
	`, args...)
	if err != nil {
		return fmt.Errorf("revert to pending: %w", err)
	}
	return nil
}

// ReconcileInFlight marks records left in_flight by a previous process as
// failed. Run at startup: after a restart in_flight no longer implies
// progress, and the failure must be visible rather than silently retried.
func (s *Store) ReconcileInFlight(reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE processing_records
		SET status = 'failed', failure_reason = ?, completed_at = ?
		WHERE status = 'in_flight'
	`, reason, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("reconcile in_flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile rows: %w", err)
	}
	return int(n), nil
}

// PendingRecords returns pending and deferred records oldest-first, for
// window reconstruction and deferral sweeps.
func (s *Store) PendingRecords() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT event_id, type, action, subject_id, token_estimate, status,
		       received_at, admitted_at, completed_at, realized_cost, failure_reason
		FROM processing_records
		WHERE status IN ('pending', 'deferred')
		ORDER BY received_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetRecord looks up a single record by event ID.
func (s *Store) GetRecord(eventID string) (Record, error) {
	rows, err := s.db.Query(`
		SELECT event_id, type, action, subject_id, token_estimate, status,
		       received_at, admitted_at, completed_at, realized_cost, failure_reason
		FROM processing_records
		WHERE event_id = ?
	`, eventID)
	if err != nil {
		return Record{}, fmt.Errorf("query record: %w", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("record %s not found", eventID)
	}
	return records[0], nil
}

// CountByStatus returns record counts keyed by status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM processing_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// CountUnadmittedBefore counts pending/deferred records received before the
// cutoff. A nonzero count means events are stuck in deferral and should be
// escalated, not dropped.
func (s *Store) CountUnadmittedBefore(cutoff time.Time) (int, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM processing_records
		WHERE status IN ('pending', 'deferred') AND received_at < ?
	`, formatTime(cutoff))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count unadmitted: %w", err)
	}
	return n, nil
}

// SpendSince sums cost entries created at or after the cutoff. The rolling
// rate is always recomputed from entries, never kept as a running total.
func (s *Store) SpendSince(cutoff time.Time) (float64, error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM cost_entries WHERE created_at >= ?
	`, formatTime(cutoff))
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// TotalSpend sums all cost entries.
func (s *Store) TotalSpend() (float64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM cost_entries`)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("total spend: %w", err)
	}
	return total, nil
}

// SpendByType sums cost entries per event type since the cutoff.
func (s *Store) SpendByType(cutoff time.Time) (map[event.Type]float64, error) {
	rows, err := s.db.Query(`
		SELECT event_type, COALESCE(SUM(amount), 0)
		FROM cost_entries
		WHERE created_at >= ?
		GROUP BY event_type
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("spend by type: %w", err)
	}
	defer rows.Close()

	result := make(map[event.Type]float64)
	for rows.Next() {
		var typ string
		var amount float64
		if err := rows.Scan(&typ, &amount); err != nil {
			return nil, fmt.Errorf("scan spend by type: %w", err)
		}
		result[event.Type(typ)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spend by type: %w", err)
	}
	return result, nil
}

// SweepResult reports what a retention pass removed and what it refused to
// touch.
type SweepResult struct {
	RecordsDeleted  int
	EntriesDeleted  int
	StaleUnfinished int
}

// Sweep deletes completed and failed records (and cost entries) older than
// the horizon. Pending and in_flight records are never deleted regardless of
// age; their count is reported so stuck work surfaces operationally.
func (s *Store) Sweep(now time.Time, horizon time.Duration) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(now.Add(-horizon))
	var result SweepResult

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM cost_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return result, fmt.Errorf("sweep cost entries: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.EntriesDeleted = int(n)
	}

	res, err = tx.Exec(`
		DELETE FROM processing_records
		WHERE status IN ('completed', 'failed') AND completed_at != '' AND completed_at < ?
	`, cutoff)
	if err != nil {
		return result, fmt.Errorf("sweep records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.RecordsDeleted = int(n)
	}

	row := tx.QueryRow(`
		SELECT COUNT(*) FROM processing_records
		WHERE status IN ('pending', 'in_flight', 'deferred') AND received_at < ?
	`, cutoff)
	if err := row.Scan(&result.StaleUnfinished); err != nil {
		return result, fmt.Errorf("count stale unfinished: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit sweep: %w", err)
	}
	return result, nil
}

func (s *Store) setStatus(eventIDs []string, status Status, extraSet string, extraArg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(eventIDs) == 0 {
		return nil
	}
	args := []any{string(status)}
	set := `status = ?`
	if extraSet != "" {
		set += `, ` + extraSet
		args = append(args, extraArg)
	}
	for _, id := range eventIDs {
		args = append(args, id)
	}
	_, err := s.db.Exec(
		`UPDATE processing_records SET `+set+` WHERE event_id IN (`+placeholders(len(eventIDs))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	result := make([]Record, 0)
	for rows.Next() {
		var r Record
		var typ, status, receivedAt, admittedAt, completedAt string
		if err := rows.Scan(
			&r.EventID,
			&typ,
			&r.Action,
			&r.SubjectID,
			&r.TokenEstimate,
			&status,
			&receivedAt,
			&admittedAt,
			&completedAt,
			&r.RealizedCost,
			&r.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Type = event.Type(typ)
		r.Status = Status(status)
		r.ReceivedAt = parseTime(receivedAt)
		r.AdmittedAt = parseTime(admittedAt)
		r.CompletedAt = parseTime(completedAt)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return result, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
