package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/caretide/dispatch/errors"
)

// Store persists audit entries. Appends for one shift always happen from
// that shift's worker goroutine, so seq assignment needs no cross-process
// coordination; the transaction exists so a crash never leaves a gap.
type Store struct {
	db          *sql.DB
	mu          sync.RWMutex
	subscribers []func(Entry)
}

// NewStore creates an audit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Subscribe registers a callback invoked after every successful append.
// Used by the server to stream entries to dashboard websocket clients.
// Callbacks must not block.
func (s *Store) Subscribe(fn func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Append writes one entry for the shift, assigning the next sequence
// number, and returns the stored entry.
func (s *Store) Append(ctx context.Context, shiftID string, kind Kind, actor string, payload any) (Entry, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return Entry{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to begin audit tx")
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries WHERE shift_id = ?`,
		shiftID,
	).Scan(&seq); err != nil {
		return Entry{}, errors.Wrap(err, "failed to compute next audit seq")
	}

	entry := Entry{
		ShiftID:   shiftID,
		Seq:       seq,
		Kind:      kind,
		Actor:     actor,
		Payload:   body,
		CreatedAt: time.Now(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (shift_id, seq, kind, actor, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ShiftID, entry.Seq, entry.Kind, entry.Actor, string(entry.Payload), entry.CreatedAt,
	); err != nil {
		return Entry{}, errors.Wrapf(err, "failed to append audit entry for shift %s", shiftID)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, errors.Wrap(err, "failed to commit audit entry")
	}

	s.notifySubscribers(entry)
	return entry, nil
}

// Stream returns all entries for a shift in sequence order.
func (s *Store) Stream(ctx context.Context, shiftID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shift_id, seq, kind, actor, payload, created_at
		FROM audit_entries
		WHERE shift_id = ?
		ORDER BY seq ASC`,
		shiftID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stream audit entries for shift %s", shiftID)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ShiftID, &e.Seq, &e.Kind, &e.Actor, &payload, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating audit entries")
	}

	return entries, nil
}

// CountByKind returns how many entries of the given kind exist for a shift.
func (s *Store) CountByKind(ctx context.Context, shiftID string, kind Kind) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE shift_id = ? AND kind = ?`,
		shiftID, kind,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s entries for shift %s", kind, shiftID)
	}
	return count, nil
}

func (s *Store) notifySubscribers(entry Entry) {
	s.mu.RLock()
	subscribers := make([]func(Entry), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, fn := range subscribers {
		fn(entry)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal audit payload")
	}
	return body, nil
}
