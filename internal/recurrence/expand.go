package recurrence

import (
	"iter"
	"time"
)

// Occurrence represents a single generated occurrence of a recurring event.
type Occurrence struct {
	Start        time.Time
	End          time.Time
	InstanceDate Date
}

// Dates yields the calendar dates of the whole series anchored at start, in
// order, until the rule's end condition is reached. Never-ending rules yield
// forever; callers stop ranging when they have what they need.
func Dates(rule Rule, start time.Time) iter.Seq[Date] {
	return func(yield func(Date) bool) {
		it := newIterator(rule, start)
		for {
			d, ok := it.next()
			if !ok || !yield(d) {
				return
			}
		}
	}
}

// Occurrences yields every occurrence of the series whose first occurrence
// spans [start, end). Each occurrence keeps start's clock time in start's
// location and the original duration.
func Occurrences(rule Rule, start, end time.Time) iter.Seq[Occurrence] {
	return func(yield func(Occurrence) bool) {
		duration := end.Sub(start)
		hour, min, sec := start.Clock()
		nsec := start.Nanosecond()
		loc := start.Location()

		for d := range Dates(rule, start) {
			occStart := d.At(hour, min, sec, nsec, loc)
			occ := Occurrence{Start: occStart, End: occStart.Add(duration), InstanceDate: d}
			if !yield(occ) {
				return
			}
		}
	}
}

// Expand generates all occurrences of a recurring event within [rangeStart, rangeEnd).
// eventStart and eventEnd define the first occurrence's time span (used for duration).
// Count and until bounds apply to the whole series, so separate windows over
// the same series agree with each other.
func Expand(rule Rule, eventStart, eventEnd time.Time, rangeStart, rangeEnd time.Time) []Occurrence {
	if !rangeStart.Before(rangeEnd) {
		return nil
	}

	var results []Occurrence
	for occ := range Occurrences(rule, eventStart, eventEnd) {
		if !occ.Start.Before(rangeEnd) {
			break
		}
		if Overlaps(occ.Start, occ.End, rangeStart, rangeEnd) {
			results = append(results, occ)
		}
	}
	return results
}

// Overlaps reports whether [start, end) intersects [rangeStart, rangeEnd).
// A zero-length event counts when it sits inside the window.
func Overlaps(start, end, rangeStart, rangeEnd time.Time) bool {
	if !start.Before(rangeEnd) {
		return false
	}
	if end.After(rangeStart) {
		return true
	}
	return !end.After(start) && !start.Before(rangeStart)
}

// First returns the first date of the series. It is the template's own date
// unless a weekly day set excludes that weekday.
func First(rule Rule, start time.Time) (Date, bool) {
	for d := range Dates(rule, start) {
		return d, true
	}
	return Date{}, false
}

// Position describes where a date falls in a series.
type Position struct {
	Index    int  // occurrences strictly before the date
	Match    bool // the date is itself an occurrence
	Previous Date // last occurrence strictly before the date; zero if Index == 0
}

// Locate walks the series up to date.
func Locate(rule Rule, start time.Time, date Date) Position {
	var pos Position
	for d := range Dates(rule, start) {
		if !d.Before(date) {
			pos.Match = d == date
			break
		}
		pos.Index++
		pos.Previous = d
	}
	return pos
}

// Contains reports whether date is an occurrence of the series.
func Contains(rule Rule, start time.Time, date Date) bool {
	return Locate(rule, start, date).Match
}

type iterator struct {
	rule     Rule
	first    Date
	days     []time.Weekday
	monthDay int
	period   int
	pending  []Date
	emitted  int
	done     bool
}

func newIterator(rule Rule, start time.Time) *iterator {
	rule = rule.Normalize()
	it := &iterator{rule: rule, first: DateOf(start)}

	if rule.Frequency.usesDays() {
		it.days = rule.DaysOfWeek
		if len(it.days) == 0 {
			it.days = []time.Weekday{it.first.Weekday()}
		}
	}
	if rule.Frequency == Monthly {
		it.monthDay = rule.MonthDay
		if it.monthDay == 0 {
			it.monthDay = it.first.Day
		}
	}
	if !rule.Frequency.Valid() {
		it.done = true
	}
	return it
}

func (it *iterator) next() (Date, bool) {
	if it.done {
		return Date{}, false
	}
	for len(it.pending) == 0 {
		it.fill()
	}
	d := it.pending[0]
	it.pending = it.pending[1:]

	// Stop conditions
	end := it.rule.End
	if end.Kind == EndUntil && d.After(end.Until) {
		it.done = true
		return Date{}, false
	}
	it.emitted++
	if end.Kind == EndCount && it.emitted > end.Count {
		it.done = true
		return Date{}, false
	}
	return d, true
}

// fill queues the candidate dates of the next period (day, week or month).
func (it *iterator) fill() {
	defer func() { it.period++ }()

	switch it.rule.Frequency {
	case Daily:
		it.pending = append(it.pending, it.first.AddDays(it.period))

	case Weekly, Biweekly:
		step := 7
		if it.rule.Frequency == Biweekly {
			// parity is relative to the template's own week
			step = 14
		}
		monday := weekStart(it.first).AddDays(step * it.period)
		for _, wd := range it.days {
			it.push(monday.AddDays(mondayIndex(wd)))
		}

	case Monthly:
		month := time.Date(it.first.Year, it.first.Month+time.Month(it.period), 1, 0, 0, 0, 0, time.UTC)
		year, m, _ := month.Date()
		day := min(it.monthDay, daysInMonth(year, m))
		it.push(Date{Year: year, Month: m, Day: day})
	}
}

// push queues d unless it falls before the series start.
func (it *iterator) push(d Date) {
	if !d.Before(it.first) {
		it.pending = append(it.pending, d)
	}
}
