package series

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/meetnotes/internal/model"
	"github.com/dukerupert/meetnotes/internal/recurrence"
)

// Resolver turns a scoped edit or delete into store operations. It does no
// I/O: callers fetch the rows, resolve, then apply the ops as one unit.
type Resolver struct {
	NewID func() string
}

func NewResolver() *Resolver {
	return &Resolver{NewID: uuid.NewString}
}

// subject is a target resolved against the fetched rows.
type subject struct {
	standalone *model.Event

	template model.Event
	rule     recurrence.Rule
	others   []model.Event // materialized rows of the series, template excluded
	date     recurrence.Date
	row      *model.Event // materialized row on date, if any
	pos      recurrence.Position
}

// generated returns the start/end the pattern gives the target date.
func (s *subject) generated() (time.Time, time.Time) {
	return occurrenceOn(s.template, s.date)
}

// shown returns the start/end the user currently sees for the target.
func (s *subject) shown() (time.Time, time.Time) {
	if s.row != nil {
		return s.row.StartAt, s.row.EndAt
	}
	return s.generated()
}

// Resolve computes the writes for applying m to target at the given scope.
// rows must hold every stored row of the target's series (template plus
// materialized occurrences), or just the event for a standalone target.
// On error no ops are returned.
func (r *Resolver) Resolve(rows []model.Event, target Target, scope Scope, m Mutation) ([]Op, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	s, err := locate(rows, target)
	if err != nil {
		return nil, err
	}

	if s.standalone != nil {
		return r.resolveStandalone(*s.standalone, m)
	}

	// Nothing precedes the first occurrence, so "this and future" is the
	// whole series.
	if scope == ScopeFuture && s.pos.Index == 0 {
		scope = ScopeAll
	}

	switch scope {
	case ScopeThis:
		return r.resolveThis(s, m)
	case ScopeFuture:
		return r.resolveFuture(s, m)
	default:
		return r.resolveAll(s, m)
	}
}

func locate(rows []model.Event, target Target) (*subject, error) {
	seriesID := target.SeriesID
	date := target.InstanceDate

	if target.EventID != "" {
		ev := findByID(rows, target.EventID)
		if ev == nil {
			return nil, fmt.Errorf("%w: event %s", ErrSeriesNotFound, target.EventID)
		}
		if !ev.IsRecurring() {
			if ev.RecurrenceRule != nil {
				return nil, fmt.Errorf("%w: template %s has no series id", ErrSeriesNotFound, ev.ID)
			}
			return &subject{standalone: ev}, nil
		}
		seriesID = ev.SeriesID()
		if ev.IsOccurrence() {
			if ev.RecurrenceInstanceDate == nil {
				return nil, fmt.Errorf("%w: occurrence %s has no instance date", ErrSeriesNotFound, ev.ID)
			}
			date = *ev.RecurrenceInstanceDate
		}
	}
	if seriesID == "" {
		return nil, fmt.Errorf("%w: empty target", ErrSeriesNotFound)
	}

	s := &subject{}
	found := false
	for _, ev := range rows {
		if ev.SeriesID() != seriesID {
			continue
		}
		if ev.IsTemplate() {
			s.template = ev
			found = true
			continue
		}
		s.others = append(s.others, ev)
	}
	if !found {
		return nil, fmt.Errorf("%w: series %s has no template", ErrSeriesNotFound, seriesID)
	}
	s.rule = *s.template.RecurrenceRule

	if date.IsZero() {
		first, ok := recurrence.First(s.rule, s.template.StartAt)
		if !ok {
			return nil, fmt.Errorf("%w: series %s has no occurrences", ErrSeriesNotFound, seriesID)
		}
		date = first
	}
	s.date = date

	s.pos = recurrence.Locate(s.rule, s.template.StartAt, date)
	if !s.pos.Match {
		return nil, fmt.Errorf("%w: series %s has no occurrence on %s", ErrSeriesNotFound, seriesID, date)
	}

	for i := range s.others {
		o := &s.others[i]
		if o.RecurrenceInstanceDate != nil && *o.RecurrenceInstanceDate == date {
			s.row = o
			break
		}
	}
	if s.row != nil && s.row.Cancelled {
		return nil, fmt.Errorf("%w: occurrence on %s was deleted", ErrSeriesNotFound, date)
	}
	return s, nil
}

func (r *Resolver) resolveStandalone(ev model.Event, m Mutation) ([]Op, error) {
	if m.Delete {
		return []Op{DeleteEvent(ev.ID)}, nil
	}
	updated, err := applyDirect(ev.Clone(), m.Changes)
	if err != nil {
		return nil, err
	}
	return []Op{UpdateEvent(ev.ID, updated)}, nil
}

// resolveThis changes one occurrence. Virtual occurrences are materialized
// first so later expansion cannot bring the old version back.
func (r *Resolver) resolveThis(s *subject, m Mutation) ([]Op, error) {
	if s.row != nil {
		row := s.row.Clone()
		if m.Delete {
			row.Cancelled = true
			return []Op{UpdateEvent(row.ID, row)}, nil
		}
		updated, err := applyDirect(row, m.Changes)
		if err != nil {
			return nil, err
		}
		return []Op{UpdateEvent(row.ID, updated)}, nil
	}

	row := r.materialize(s.template, s.date)
	if m.Delete {
		row.Cancelled = true
		return []Op{InsertEvent(row)}, nil
	}
	updated, err := applyDirect(row, m.Changes)
	if err != nil {
		return nil, err
	}
	return []Op{InsertEvent(updated)}, nil
}

// resolveFuture splits the series at the target date. The original keeps
// the occurrences before it; an edit continues as a new series from it.
func (r *Resolver) resolveFuture(s *subject, m Mutation) ([]Op, error) {
	var ops []Op

	head := s.template.Clone()
	headRule := s.rule
	if s.rule.End.Kind == recurrence.EndCount {
		headRule.End = recurrence.Count(s.pos.Index)
	} else {
		headRule.End = recurrence.Until(s.pos.Previous)
	}
	head.RecurrenceRule = &headRule
	ops = append(ops, UpdateEvent(head.ID, head))

	for _, o := range s.others {
		if o.RecurrenceInstanceDate == nil || !o.RecurrenceInstanceDate.Before(s.date) {
			ops = append(ops, DeleteEvent(o.ID))
		}
	}

	if m.Delete {
		return ops, nil
	}

	tail := s.template.Clone()
	tail.ID = r.NewID()
	seriesID := r.NewID()
	tail.RecurrenceSeriesID = &seriesID
	tail.StartAt, tail.EndAt = s.generated()
	tail.CreatedAt, tail.UpdatedAt = time.Time{}, time.Time{}

	tailRule := s.rule
	switch s.rule.End.Kind {
	case recurrence.EndCount:
		tailRule.End = recurrence.Count(s.rule.End.Count - s.pos.Index)
	}
	if s.rule.Frequency == recurrence.Monthly && tailRule.MonthDay == 0 && s.date.Day != s.template.StartAt.Day() {
		// keep the original anchor when the split lands on a clamped day
		tailRule.MonthDay = s.template.StartAt.Day()
	}
	tail.RecurrenceRule = &tailRule

	shownStart, _ := s.shown()
	tail, err := applyToTemplate(tail, shownStart, m.Changes)
	if err != nil {
		return nil, err
	}
	ops = append(ops, InsertEvent(tail))
	return ops, nil
}

func (r *Resolver) resolveAll(s *subject, m Mutation) ([]Op, error) {
	if m.Delete {
		ops := []Op{DeleteEvent(s.template.ID)}
		for _, o := range s.others {
			ops = append(ops, DeleteEvent(o.ID))
		}
		return ops, nil
	}

	shownStart, _ := s.shown()
	tpl, err := applyToTemplate(s.template.Clone(), shownStart, m.Changes)
	if err != nil {
		return nil, err
	}
	ops := []Op{UpdateEvent(tpl.ID, tpl)}

	// Without a new rule the pattern moved with the template, so its
	// materialized rows move by the same number of days.
	shift := 0
	if m.Changes.Rule == nil {
		shift = recurrence.DateOf(s.template.StartAt).DaysUntil(recurrence.DateOf(tpl.StartAt))
	}
	retimed := m.Changes.Rule != nil || !tpl.StartAt.Equal(s.template.StartAt)

	var moved []model.Event
	for _, o := range s.others {
		if o.RecurrenceInstanceDate == nil {
			if retimed {
				ops = append(ops, DeleteEvent(o.ID))
			}
			continue
		}
		target := s.row != nil && o.ID == s.row.ID
		if shift != 0 {
			o = shiftRow(o, shift)
		}
		// Overrides whose date the new pattern no longer produces would be orphans.
		if retimed && !recurrence.Contains(*tpl.RecurrenceRule, tpl.StartAt, *o.RecurrenceInstanceDate) {
			ops = append(ops, DeleteEvent(o.ID))
			continue
		}
		if target {
			// the edited override shows exactly what the user asked for
			o, err = applyDirect(o, m.Changes)
			if err != nil {
				return nil, err
			}
		}
		if shift != 0 || target {
			moved = append(moved, o)
		}
	}

	// One row per instance date: move the row furthest along first so no
	// two rows share a date in between.
	slices.SortFunc(moved, func(a, b model.Event) int {
		c := a.RecurrenceInstanceDate.Compare(*b.RecurrenceInstanceDate)
		if shift > 0 {
			return -c
		}
		return c
	})
	for _, o := range moved {
		ops = append(ops, UpdateEvent(o.ID, o))
	}
	return ops, nil
}

// shiftRow moves a materialized row and its instance date by days calendar
// days, keeping its wall-clock times.
func shiftRow(row model.Event, days int) model.Event {
	out := row.Clone()
	d := row.RecurrenceInstanceDate.AddDays(days)
	out.RecurrenceInstanceDate = &d
	out.StartAt = row.StartAt.AddDate(0, 0, days)
	out.EndAt = row.EndAt.AddDate(0, 0, days)
	return out
}

func (r *Resolver) materialize(template model.Event, date recurrence.Date) model.Event {
	row := template.Clone()
	row.ID = r.NewID()
	row.RecurrenceRule = nil
	row.RecurrenceInstanceDate = &date
	row.StartAt, row.EndAt = occurrenceOn(template, date)
	row.Cancelled = false
	row.CreatedAt, row.UpdatedAt = time.Time{}, time.Time{}
	return row
}

// applyDirect sets the changed fields on a single row. Moving only the
// start keeps the row's duration.
func applyDirect(ev model.Event, c Changes) (model.Event, error) {
	applyFields(&ev, c)

	duration := ev.EndAt.Sub(ev.StartAt)
	if c.StartAt != nil {
		ev.StartAt = *c.StartAt
		ev.EndAt = ev.StartAt.Add(duration)
	}
	if c.EndAt != nil {
		ev.EndAt = *c.EndAt
	}
	if err := checkTimes(ev); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// applyToTemplate edits a series template on behalf of the occurrence the
// user changed. A time change moves the template by the same number of
// days and the same wall-clock shift, and the rule follows it so the
// template stays on its pattern.
func applyToTemplate(tpl model.Event, shownStart time.Time, c Changes) (model.Event, error) {
	applyFields(&tpl, c)

	if c.Rule != nil {
		rule := c.Rule.Normalize()
		if err := rule.Validate(); err != nil {
			return model.Event{}, fmt.Errorf("%w: %v", ErrInvalidChanges, err)
		}
		tpl.RecurrenceRule = &rule
	}

	if c.touchesTime() {
		oldDate := recurrence.DateOf(tpl.StartAt)
		duration := tpl.EndAt.Sub(tpl.StartAt)
		newShownStart := shownStart
		if c.StartAt != nil {
			newShownStart = *c.StartAt
			tpl.StartAt = shiftWallClock(tpl.StartAt, shownStart, newShownStart)
		}
		if c.EndAt != nil {
			duration = c.EndAt.Sub(newShownStart)
		}
		tpl.EndAt = tpl.StartAt.Add(duration)

		if c.Rule == nil && tpl.RecurrenceRule != nil {
			rule := followShift(*tpl.RecurrenceRule, oldDate, recurrence.DateOf(tpl.StartAt))
			tpl.RecurrenceRule = &rule
		}
	}

	date := recurrence.DateOf(tpl.StartAt)
	tpl.RecurrenceInstanceDate = &date

	if err := checkTimes(tpl); err != nil {
		return model.Event{}, err
	}
	return tpl, nil
}

// shiftWallClock moves t by the calendar days and clock time between from
// and to, read in t's location. DST changes in between do not skew the
// clock time.
func shiftWallClock(t, from, to time.Time) time.Time {
	loc := t.Location()
	from, to = from.In(loc), to.In(loc)
	days := recurrence.DateOf(from).DaysUntil(recurrence.DateOf(to))
	clock := sinceMidnight(to) - sinceMidnight(from)

	d := recurrence.DateOf(t).AddDays(days)
	hour, min, sec := t.Clock()
	return time.Date(d.Year, d.Month, d.Day, hour, min, sec, t.Nanosecond()+int(clock), loc)
}

func sinceMidnight(t time.Time) time.Duration {
	hour, min, sec := t.Clock()
	return time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute +
		time.Duration(sec)*time.Second + time.Duration(t.Nanosecond())
}

// followShift moves the rule's weekdays or month anchor along with a
// template that moved from oldDate to newDate.
func followShift(rule recurrence.Rule, oldDate, newDate recurrence.Date) recurrence.Rule {
	days := oldDate.DaysUntil(newDate)
	if days == 0 {
		return rule
	}

	switch rule.Frequency {
	case recurrence.Weekly, recurrence.Biweekly:
		offset := ((days % 7) + 7) % 7
		if offset == 0 || len(rule.DaysOfWeek) == 0 {
			return rule
		}
		shifted := make([]time.Weekday, len(rule.DaysOfWeek))
		for i, wd := range rule.DaysOfWeek {
			shifted[i] = (wd + time.Weekday(offset)) % 7
		}
		rule.DaysOfWeek = shifted
		return rule.Normalize()

	case recurrence.Monthly:
		if rule.MonthDay == 0 {
			// anchored on the template's own day, which already moved
			return rule
		}
		anchor := rule.MonthDay + days
		lastOfMonth := newDate.AddDays(1).Month != newDate.Month
		if anchor > newDate.Day && anchor <= 31 && lastOfMonth {
			rule.MonthDay = anchor
		} else {
			rule.MonthDay = 0
		}
		return rule
	}
	return rule
}

func applyFields(ev *model.Event, c Changes) {
	if c.Title != nil {
		ev.Title = *c.Title
	}
	if c.Attendees != nil {
		ev.Attendees = append([]model.Attendee(nil), (*c.Attendees)...)
	}
	if c.ClearLinkedNote {
		ev.LinkedNoteID = nil
	}
	if c.LinkedNoteID != nil {
		id := *c.LinkedNoteID
		ev.LinkedNoteID = &id
	}
}

func checkTimes(ev model.Event) error {
	if ev.EndAt.Before(ev.StartAt) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidChanges,
			ev.EndAt.Format(time.RFC3339), ev.StartAt.Format(time.RFC3339))
	}
	return nil
}

// occurrenceOn places the template's clock time and duration on date.
func occurrenceOn(template model.Event, date recurrence.Date) (time.Time, time.Time) {
	hour, min, sec := template.StartAt.Clock()
	start := date.At(hour, min, sec, template.StartAt.Nanosecond(), template.StartAt.Location())
	return start, start.Add(template.EndAt.Sub(template.StartAt))
}

func findByID(rows []model.Event, id string) *model.Event {
	for i := range rows {
		if rows[i].ID == id {
			return &rows[i]
		}
	}
	return nil
}
