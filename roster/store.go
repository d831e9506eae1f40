package roster

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/caretide/dispatch/errors"
)

// Store reads the roster tables. Writes exist mainly for seeding and tests;
// in production the record-keeping system owns these tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a roster store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Snapshot takes a point-in-time read of all caregivers, their tags, and
// their scheduled commitments. The read is not locked; see package doc.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, channel, address, on_leave
		FROM caregivers
		ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read caregivers")
	}
	defer rows.Close()

	var caregivers []Caregiver
	for rows.Next() {
		var c Caregiver
		var onLeave int
		if err := rows.Scan(&c.ID, &c.Name, &c.Channel, &c.Address, &onLeave); err != nil {
			return nil, errors.Wrap(err, "failed to scan caregiver")
		}
		c.OnLeave = onLeave != 0
		caregivers = append(caregivers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating caregivers")
	}

	tags, err := s.readTags(ctx)
	if err != nil {
		return nil, err
	}
	for i := range caregivers {
		caregivers[i].Tags = tags[caregivers[i].ID]
	}

	entries, err := s.readScheduleEntries(ctx)
	if err != nil {
		return nil, err
	}

	return NewSnapshot(time.Now(), caregivers, entries), nil
}

func (s *Store) readTags(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT caregiver_id, tag FROM caregiver_tags`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read caregiver tags")
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, errors.Wrap(err, "failed to scan caregiver tag")
		}
		tags[id] = append(tags[id], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating caregiver tags")
	}
	return tags, nil
}

func (s *Store) readScheduleEntries(ctx context.Context) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caregiver_id, start_at, end_at
		FROM schedule_entries`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schedule entries")
	}
	defer rows.Close()

	var entries []ScheduleEntry
	for rows.Next() {
		var e ScheduleEntry
		if err := rows.Scan(&e.ID, &e.CaregiverID, &e.StartAt, &e.EndAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating schedule entries")
	}
	return entries, nil
}

// UpsertCaregiver inserts or replaces a caregiver and its tags.
func (s *Store) UpsertCaregiver(ctx context.Context, c Caregiver) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	onLeave := 0
	if c.OnLeave {
		onLeave = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO caregivers (id, name, channel, address, on_leave, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			channel = excluded.channel,
			address = excluded.address,
			on_leave = excluded.on_leave,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Channel, c.Address, onLeave, time.Now(),
	); err != nil {
		return errors.Wrapf(err, "failed to upsert caregiver %s", c.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM caregiver_tags WHERE caregiver_id = ?`, c.ID); err != nil {
		return errors.Wrapf(err, "failed to clear tags for caregiver %s", c.ID)
	}
	for _, tag := range c.Tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO caregiver_tags (caregiver_id, tag) VALUES (?, ?)`,
			c.ID, tag,
		); err != nil {
			return errors.Wrapf(err, "failed to insert tag %s for caregiver %s", tag, c.ID)
		}
	}

	return tx.Commit()
}

// AddScheduleEntry records an existing commitment for conflict detection.
func (s *Store) AddScheduleEntry(ctx context.Context, e ScheduleEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_entries (id, caregiver_id, start_at, end_at)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.CaregiverID, e.StartAt, e.EndAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to add schedule entry for caregiver %s", e.CaregiverID)
	}
	return nil
}

// MarshalTags is a small helper for storing tag sets as JSON strings.
func MarshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal tags")
	}
	return string(data), nil
}

// UnmarshalTags parses a JSON tag set.
func UnmarshalTags(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tags")
	}
	return tags, nil
}
