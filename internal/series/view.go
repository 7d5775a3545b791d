package series

import (
	"slices"
	"strings"
	"time"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
)

// Instance is one event as a calendar view shows it. Virtual instances are
// generated from a template and have no row of their own; EventID then
// refers to the template.
type Instance struct {
	EventID      string           `json:"event_id"`
	SeriesID     *string          `json:"recurrence_series_id,omitempty"`
	InstanceDate *recurrence.Date `json:"recurrence_instance_date,omitempty"`
	Title        string           `json:"title"`
	StartAt      time.Time        `json:"start_at"`
	EndAt        time.Time        `json:"end_at"`
	Attendees    []model.Attendee `json:"attendees"`
	LinkedNoteID *int64           `json:"linked_note_id"`
	Rule         *recurrence.Rule `json:"recurrence_rule,omitempty"`
	Virtual      bool             `json:"virtual"`
}

// FromEvent shows a stored row as an instance.
func FromEvent(e model.Event) Instance {
	return Instance{
		EventID:      e.ID,
		SeriesID:     e.RecurrenceSeriesID,
		InstanceDate: e.RecurrenceInstanceDate,
		Title:        e.Title,
		StartAt:      e.StartAt,
		EndAt:        e.EndAt,
		Attendees:    e.Attendees,
		LinkedNoteID: e.LinkedNoteID,
	}
}

// Expand returns the template's generated occurrences overlapping
// [rangeStart, rangeEnd). Non-templates expand to nothing.
func Expand(template model.Event, rangeStart, rangeEnd time.Time) []recurrence.Occurrence {
	if !template.IsTemplate() {
		return nil
	}
	return recurrence.Expand(*template.RecurrenceRule, template.StartAt, template.EndAt, rangeStart, rangeEnd)
}

// Instances merges a series' generated occurrences with its materialized
// rows over [rangeStart, rangeEnd). A row replaces the generated occurrence
// on its instance date; a cancelled row hides it. Rows are shown where they
// now are, even if they were moved off their instance date.
func Instances(template model.Event, rows []model.Event, rangeStart, rangeEnd time.Time) []Instance {
	if !template.IsTemplate() {
		return nil
	}
	seriesID := template.SeriesID()

	materialized := make(map[recurrence.Date]bool)
	var out []Instance
	for _, row := range rows {
		if row.SeriesID() != seriesID || !row.IsOccurrence() || row.RecurrenceInstanceDate == nil {
			continue
		}
		materialized[*row.RecurrenceInstanceDate] = true
		if row.Cancelled {
			continue
		}
		if recurrence.Overlaps(row.StartAt, row.EndAt, rangeStart, rangeEnd) {
			out = append(out, FromEvent(row))
		}
	}

	for _, occ := range Expand(template, rangeStart, rangeEnd) {
		if materialized[occ.InstanceDate] {
			continue
		}
		date := occ.InstanceDate
		out = append(out, Instance{
			EventID:      template.ID,
			SeriesID:     template.RecurrenceSeriesID,
			InstanceDate: &date,
			Title:        template.Title,
			StartAt:      occ.Start,
			EndAt:        occ.End,
			Attendees:    template.Attendees,
			LinkedNoteID: template.LinkedNoteID,
			Rule:         template.RecurrenceRule,
			Virtual:      true,
		})
	}

	SortInstances(out)
	return out
}

// SortInstances orders by start time, then event id, then instance date.
func SortInstances(list []Instance) {
	slices.SortStableFunc(list, func(a, b Instance) int {
		if c := a.StartAt.Compare(b.StartAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.EventID, b.EventID); c != 0 {
			return c
		}
		if a.InstanceDate != nil && b.InstanceDate != nil {
			return a.InstanceDate.Compare(*b.InstanceDate)
		}
		return 0
	})
}
