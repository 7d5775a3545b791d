package model

import (
	"slices"
	"time"

	"github.com/dukerupert/meetnotes/internal/recurrence"
)

type Attendee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	// EntityID links the attendee to a person/entity record, if any.
	EntityID *string `json:"entity_id,omitempty"`
}

// Event is one calendar row. A row is exactly one of:
//   - a standalone event: no rule, no series id
//   - a series template: rule and series id set, defines the pattern
//   - a materialized occurrence: series id and instance date set, no rule.
//     It either overrides the generated occurrence on its instance date or,
//     when Cancelled, removes it.
type Event struct {
	ID                     string           `json:"id"`
	Title                  string           `json:"title"`
	StartAt                time.Time        `json:"start_at"`
	EndAt                  time.Time        `json:"end_at"`
	Attendees              []Attendee       `json:"attendees"`
	LinkedNoteID           *int64           `json:"linked_note_id"`
	RecurrenceRule         *recurrence.Rule `json:"recurrence_rule"`
	RecurrenceSeriesID     *string          `json:"recurrence_series_id"`
	RecurrenceInstanceDate *recurrence.Date `json:"recurrence_instance_date"`
	Cancelled              bool             `json:"cancelled"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

func (e *Event) IsTemplate() bool {
	return e.RecurrenceRule != nil && e.RecurrenceSeriesID != nil
}

func (e *Event) IsRecurring() bool {
	return e.RecurrenceSeriesID != nil
}

// IsOccurrence reports a materialized, non-template member of a series.
func (e *Event) IsOccurrence() bool {
	return e.RecurrenceSeriesID != nil && e.RecurrenceRule == nil
}

// SeriesID returns the series id or "".
func (e *Event) SeriesID() string {
	if e.RecurrenceSeriesID == nil {
		return ""
	}
	return *e.RecurrenceSeriesID
}

// Clone returns a deep copy so callers can modify rows without aliasing.
func (e Event) Clone() Event {
	out := e
	if e.Attendees != nil {
		out.Attendees = make([]Attendee, len(e.Attendees))
		for i, a := range e.Attendees {
			out.Attendees[i] = a
			if a.EntityID != nil {
				id := *a.EntityID
				out.Attendees[i].EntityID = &id
			}
		}
	}
	if e.LinkedNoteID != nil {
		id := *e.LinkedNoteID
		out.LinkedNoteID = &id
	}
	if e.RecurrenceRule != nil {
		r := *e.RecurrenceRule
		r.DaysOfWeek = slices.Clone(r.DaysOfWeek)
		out.RecurrenceRule = &r
	}
	if e.RecurrenceSeriesID != nil {
		id := *e.RecurrenceSeriesID
		out.RecurrenceSeriesID = &id
	}
	if e.RecurrenceInstanceDate != nil {
		d := *e.RecurrenceInstanceDate
		out.RecurrenceInstanceDate = &d
	}
	return out
}
