package calendar

import (
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
)

const (
	productID   = "-//meetnotes//calendar//EN"
	icsUTC      = "20060102T150405Z"
	icsLocal    = "20060102T150405"
	calendarTag = "meetnotes"
)

// ExportICS renders an iCalendar feed of standalone events in [from, to)
// and every series that starts before to. A series becomes one VEVENT with
// an RRULE; deleted occurrences are listed as EXDATE and edited ones follow
// as VEVENTs with a RECURRENCE-ID. Named zones get a VTIMEZONE covering
// their first use through a year past to.
func (s *Service) ExportICS(from, to time.Time) (string, error) {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(calendarTag)

	stamp := time.Now().UTC()
	var zones zoneSet

	standalone, err := s.events.ListInRange(from, to)
	if err != nil {
		return "", fmt.Errorf("list standalone events: %w", err)
	}
	for _, e := range standalone {
		zones.add(e.StartAt)
		zones.add(e.EndAt)
	}

	templates, err := s.templatesFor(from, to)
	if err != nil {
		return "", err
	}
	rowsBySeries := make(map[string][]model.Event, len(templates))
	for _, tpl := range templates {
		rows, err := s.events.GetSeriesByID(tpl.SeriesID())
		if err != nil {
			return "", fmt.Errorf("get series %s: %w", tpl.SeriesID(), err)
		}
		rowsBySeries[tpl.SeriesID()] = rows
		for _, row := range rows {
			zones.add(row.StartAt)
			zones.add(row.EndAt)
		}
	}

	// VTIMEZONE components go before the events that use them
	zones.write(cal, to.AddDate(1, 0, 0))
	for _, e := range standalone {
		addVEvent(cal, e.ID, e, stamp)
	}
	for _, tpl := range templates {
		addSeries(cal, tpl, rowsBySeries[tpl.SeriesID()], stamp)
	}

	return cal.Serialize(), nil
}

func addSeries(cal *ics.Calendar, tpl model.Event, rows []model.Event, stamp time.Time) {
	uid := tpl.SeriesID()
	rule := *tpl.RecurrenceRule

	// RFC 5545 always counts DTSTART as an occurrence, so the master starts
	// on the first date the pattern produces.
	master := tpl
	if first, ok := recurrence.First(rule, tpl.StartAt); ok {
		master.StartAt = instanceStart(tpl, first)
		master.EndAt = master.StartAt.Add(tpl.EndAt.Sub(tpl.StartAt))
	}
	vevent := addVEvent(cal, uid, master, stamp)
	vevent.AddRrule(rule.RRule(master.StartAt))

	for _, row := range rows {
		if !row.IsOccurrence() || row.RecurrenceInstanceDate == nil {
			continue
		}
		original := instanceStart(tpl, *row.RecurrenceInstanceDate)
		if row.Cancelled {
			value, params := icsTime(original)
			vevent.AddExdate(value, params...)
			continue
		}
		override := addVEvent(cal, uid, row, stamp)
		value, params := icsTime(original)
		override.SetProperty(ics.ComponentPropertyRecurrenceId, value, params...)
	}
}

func addVEvent(cal *ics.Calendar, uid string, e model.Event, stamp time.Time) *ics.VEvent {
	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(stamp)
	if !e.CreatedAt.IsZero() {
		ev.SetCreatedTime(e.CreatedAt)
	}
	if !e.UpdatedAt.IsZero() {
		ev.SetModifiedAt(e.UpdatedAt)
	}
	start, startParams := icsTime(e.StartAt)
	ev.SetProperty(ics.ComponentPropertyDtStart, start, startParams...)
	end, endParams := icsTime(e.EndAt)
	ev.SetProperty(ics.ComponentPropertyDtEnd, end, endParams...)
	ev.SetSummary(e.Title)
	for _, a := range e.Attendees {
		if a.Email == "" {
			continue
		}
		var params []ics.PropertyParameter
		if a.Name != "" {
			params = append(params, ics.WithCN(a.Name))
		}
		ev.AddAttendee("mailto:"+a.Email, params...)
	}
	return ev
}

// icsTime formats t in its own zone with a TZID so RRULE weekdays are
// evaluated in local time. UTC times use the Z form.
func icsTime(t time.Time) (string, []ics.PropertyParameter) {
	name, ok := tzid(t)
	if !ok {
		return t.UTC().Format(icsUTC), nil
	}
	return t.Format(icsLocal), []ics.PropertyParameter{ics.WithTZID(name)}
}

// tzid returns the IANA name of t's zone, or false for UTC, the process
// local zone and fixed offsets.
func tzid(t time.Time) (string, bool) {
	name := t.Location().String()
	if name == "UTC" || name == "" || name == "Local" || strings.HasPrefix(name, "+") || strings.HasPrefix(name, "-") {
		return "", false
	}
	return name, true
}

// instanceStart is when the pattern places the occurrence on d, which is
// what RECURRENCE-ID and EXDATE refer to.
func instanceStart(tpl model.Event, d recurrence.Date) time.Time {
	hour, min, sec := tpl.StartAt.Clock()
	return d.At(hour, min, sec, 0, tpl.StartAt.Location())
}
