package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/roster"
)

// Store persists shifts, candidates, waves, and decisions. It performs no
// locking of its own: per-shift serialization is the worker's job, so every
// write for a given shift arrives from a single goroutine.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateShift(ctx context.Context, shift *Shift) error {
	tags, err := json.Marshal(shift.RequiredTags)
	if err != nil {
		return errors.Wrap(err, "marshal required tags")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, client_id, start_at, end_at, required_tags, state, fill_deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		shift.ID, shift.ClientID, shift.StartAt, shift.EndAt, string(tags),
		string(shift.State), shift.FillDeadline, shift.CreatedAt, shift.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert shift %s", shift.ID)
	}
	return nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, start_at, end_at, required_tags, state, fill_deadline, created_at, updated_at
		FROM shifts WHERE id = ?`, id)
	return scanShift(row)
}

func scanShift(row *sql.Row) (*Shift, error) {
	var sh Shift
	var tags, state string
	err := row.Scan(&sh.ID, &sh.ClientID, &sh.StartAt, &sh.EndAt, &tags,
		&state, &sh.FillDeadline, &sh.CreatedAt, &sh.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrShiftNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan shift")
	}
	sh.State = State(state)
	if err := json.Unmarshal([]byte(tags), &sh.RequiredTags); err != nil {
		return nil, errors.Wrap(err, "unmarshal required tags")
	}
	return &sh, nil
}

// ListShiftsByState returns shifts in any of the given states, oldest first.
// Used at startup to re-adopt everything non-terminal.
func (s *Store) ListShiftsByState(ctx context.Context, states ...State) ([]*Shift, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, start_at, end_at, required_tags, state, fill_deadline, created_at, updated_at
		FROM shifts WHERE state IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query shifts by state")
	}
	defer rows.Close()

	var shifts []*Shift
	for rows.Next() {
		var sh Shift
		var tags, state string
		if err := rows.Scan(&sh.ID, &sh.ClientID, &sh.StartAt, &sh.EndAt, &tags,
			&state, &sh.FillDeadline, &sh.CreatedAt, &sh.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan shift row")
		}
		sh.State = State(state)
		if err := json.Unmarshal([]byte(tags), &sh.RequiredTags); err != nil {
			return nil, errors.Wrap(err, "unmarshal required tags")
		}
		shifts = append(shifts, &sh)
	}
	return shifts, rows.Err()
}

// TransitionShift moves a shift between states with the edge validated both
// in memory and by the WHERE clause, so a stale in-memory view can never
// push an illegal edge into the database.
func (s *Store) TransitionShift(ctx context.Context, id string, from, to State, now time.Time) error {
	if !canTransition(from, to) {
		return errors.NewInvalidTransitionError(string(from), string(to))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE shifts SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), now, id, string(from))
	if err != nil {
		return errors.Wrapf(err, "transition shift %s to %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewInvalidTransitionError(string(from), string(to))
	}
	return nil
}

func (s *Store) InsertCandidates(ctx context.Context, candidates []Candidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO candidates (shift_id, caregiver_id, rank, channel, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ShiftID, c.CaregiverID, c.Rank, string(c.Channel), string(c.Status), now); err != nil {
			return errors.Wrapf(err, "insert candidate %s/%s", c.ShiftID, c.CaregiverID)
		}
	}
	return tx.Commit()
}

func (s *Store) ListCandidates(ctx context.Context, shiftID string) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shift_id, caregiver_id, rank, channel, status,
		       COALESCE(wave_ordinal, 0), COALESCE(delivery_id, ''), offered_at, updated_at
		FROM candidates WHERE shift_id = ? ORDER BY rank`, shiftID)
	if err != nil {
		return nil, errors.Wrapf(err, "query candidates for shift %s", shiftID)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var channel, status string
		var offeredAt sql.NullTime
		if err := rows.Scan(&c.ShiftID, &c.CaregiverID, &c.Rank, &channel, &status,
			&c.WaveOrdinal, &c.DeliveryID, &offeredAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan candidate row")
		}
		c.Channel = roster.Channel(channel)
		c.Status = CandidateStatus(status)
		if offeredAt.Valid {
			c.OfferedAt = offeredAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkOffered records the offer for a candidate, stamping the wave it went
// out in.
func (s *Store) MarkOffered(ctx context.Context, shiftID, caregiverID string, wave int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET status = ?, wave_ordinal = ?, offered_at = ?, updated_at = ?
		WHERE shift_id = ? AND caregiver_id = ?`,
		string(StatusOffered), wave, at, at, shiftID, caregiverID)
	return errors.Wrapf(err, "mark candidate %s/%s offered", shiftID, caregiverID)
}

func (s *Store) SetCandidateStatus(ctx context.Context, shiftID, caregiverID string, status CandidateStatus, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET status = ?, updated_at = ?
		WHERE shift_id = ? AND caregiver_id = ?`,
		string(status), now, shiftID, caregiverID)
	return errors.Wrapf(err, "set candidate %s/%s status %s", shiftID, caregiverID, status)
}

func (s *Store) SetCandidateDelivery(ctx context.Context, shiftID, caregiverID, deliveryID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET delivery_id = ?, updated_at = ?
		WHERE shift_id = ? AND caregiver_id = ?`,
		deliveryID, now, shiftID, caregiverID)
	return errors.Wrapf(err, "set candidate %s/%s delivery id", shiftID, caregiverID)
}

func (s *Store) CreateWave(ctx context.Context, w *Wave) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waves (shift_id, ordinal, opened_at, deadline_at, closed)
		VALUES (?, ?, ?, ?, 0)`,
		w.ShiftID, w.Ordinal, w.OpenedAt, w.Deadline)
	return errors.Wrapf(err, "insert wave %d for shift %s", w.Ordinal, w.ShiftID)
}

func (s *Store) CloseWave(ctx context.Context, shiftID string, ordinal int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE waves SET closed = 1 WHERE shift_id = ? AND ordinal = ?`, shiftID, ordinal)
	return errors.Wrapf(err, "close wave %d for shift %s", ordinal, shiftID)
}

func (s *Store) ListWaves(ctx context.Context, shiftID string) ([]Wave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shift_id, ordinal, opened_at, deadline_at, closed
		FROM waves WHERE shift_id = ? ORDER BY ordinal`, shiftID)
	if err != nil {
		return nil, errors.Wrapf(err, "query waves for shift %s", shiftID)
	}
	defer rows.Close()

	var out []Wave
	for rows.Next() {
		var w Wave
		if err := rows.Scan(&w.ShiftID, &w.Ordinal, &w.OpenedAt, &w.Deadline, &w.Closed); err != nil {
			return nil, errors.Wrap(err, "scan wave row")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateDecision writes the shift's single decision row. A primary key
// violation means a decision already exists, which callers treat as fatal
// for the shift's worker rather than something to retry or overwrite.
func (s *Store) CreateDecision(ctx context.Context, d *Decision) error {
	var winner any
	if d.WinnerID != "" {
		winner = d.WinnerID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (shift_id, winner_id, reason, decided_at)
		VALUES (?, ?, ?, ?)`,
		d.ShiftID, winner, string(d.Reason), d.DecidedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return errors.Wrapf(errors.ErrDecisionConflict, "shift %s", d.ShiftID)
		}
		return errors.Wrapf(err, "insert decision for shift %s", d.ShiftID)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, shiftID string) (*Decision, error) {
	var d Decision
	var winner sql.NullString
	var reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT shift_id, winner_id, reason, decided_at
		FROM decisions WHERE shift_id = ?`, shiftID).
		Scan(&d.ShiftID, &winner, &reason, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query decision for shift %s", shiftID)
	}
	d.WinnerID = winner.String
	d.Reason = Reason(reason)
	return &d, nil
}

// DeleteDecision removes a decision that a withdrawal or manual reopen has
// invalidated. The audit log keeps the full history.
func (s *Store) DeleteDecision(ctx context.Context, shiftID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE shift_id = ?`, shiftID)
	return errors.Wrapf(err, "delete decision for shift %s", shiftID)
}

// FindCandidateByDelivery resolves the shift and caregiver an inbound reply
// belongs to when only the delivery id is known.
func (s *Store) FindCandidateByDelivery(ctx context.Context, deliveryID string) (shiftID, caregiverID string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT shift_id, caregiver_id FROM candidates WHERE delivery_id = ?`, deliveryID).
		Scan(&shiftID, &caregiverID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", errors.Wrapf(err, "lookup candidate by delivery %s", deliveryID)
	}
	return shiftID, caregiverID, nil
}

// Stats returns row counts per table for the db stats command.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, table := range []string{"shifts", "candidates", "waves", "decisions", "audit_entries", "caregivers"} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "count %s", table)
		}
		out[table] = n
	}
	return out, nil
}
