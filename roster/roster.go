// Package roster exposes the caregiver roster as a read model. The engine
// takes point-in-time snapshots at eligibility time; the roster itself is
// owned and written by the surrounding record-keeping system. Staleness is
// acceptable because re-entry to the open state always takes a new snapshot.
package roster

import (
	"time"
)

// Channel identifies how a caregiver is contacted.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Caregiver is one roster member as seen at snapshot time.
type Caregiver struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Channel Channel  `json:"channel"`
	Address string   `json:"address"` // phone number or voice endpoint
	OnLeave bool     `json:"on_leave"`
	Tags    []string `json:"tags"` // certifications held
}

// HasTags reports whether the caregiver holds every required tag.
func (c Caregiver) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(c.Tags))
	for _, tag := range c.Tags {
		held[tag] = struct{}{}
	}
	for _, tag := range required {
		if _, ok := held[tag]; !ok {
			return false
		}
	}
	return true
}

// ScheduleEntry is an existing commitment used for conflict detection.
type ScheduleEntry struct {
	ID          string    `json:"id"`
	CaregiverID string    `json:"caregiver_id"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
}

// Overlaps reports whether the entry overlaps the [start, end) window.
func (e ScheduleEntry) Overlaps(start, end time.Time) bool {
	return e.StartAt.Before(end) && start.Before(e.EndAt)
}

// Snapshot is a point-in-time read of the roster.
type Snapshot struct {
	TakenAt    time.Time
	Caregivers []Caregiver

	schedule map[string][]ScheduleEntry // caregiver id -> commitments
}

// NewSnapshot builds a snapshot from caregivers and their schedule entries.
func NewSnapshot(takenAt time.Time, caregivers []Caregiver, entries []ScheduleEntry) *Snapshot {
	schedule := make(map[string][]ScheduleEntry)
	for _, e := range entries {
		schedule[e.CaregiverID] = append(schedule[e.CaregiverID], e)
	}
	return &Snapshot{
		TakenAt:    takenAt,
		Caregivers: caregivers,
		schedule:   schedule,
	}
}

// HasConflict reports whether the caregiver has a commitment overlapping
// the [start, end) window.
func (s *Snapshot) HasConflict(caregiverID string, start, end time.Time) bool {
	for _, e := range s.schedule[caregiverID] {
		if e.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// Lookup returns the caregiver with the given id, if present.
func (s *Snapshot) Lookup(caregiverID string) (Caregiver, bool) {
	for _, c := range s.Caregivers {
		if c.ID == caregiverID {
			return c, true
		}
	}
	return Caregiver{}, false
}
