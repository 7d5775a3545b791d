package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Frequency string

const (
	Daily    Frequency = "daily"
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Biweekly, Monthly:
		return true
	}
	return false
}

// usesDays reports whether DaysOfWeek drives expansion for f.
func (f Frequency) usesDays() bool {
	return f == Weekly || f == Biweekly
}

var dayTags = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

var dayTagOf = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// DayTag returns the storage tag ("mon".."sun") for wd.
func DayTag(wd time.Weekday) string {
	return dayTagOf[wd]
}

// ParseDayTag accepts "mon".."sun", case-insensitive.
func ParseDayTag(s string) (time.Weekday, bool) {
	wd, ok := dayTags[strings.ToLower(strings.TrimSpace(s))]
	return wd, ok
}

type EndKind int

const (
	EndNever EndKind = iota
	EndUntil
	EndCount
)

// EndCondition says when a series stops. Use Never, Until or Count to build one.
type EndCondition struct {
	Kind  EndKind
	Until Date // inclusive, EndUntil only
	Count int  // total occurrences including the first, EndCount only
}

func Never() EndCondition { return EndCondition{Kind: EndNever} }

func Until(d Date) EndCondition { return EndCondition{Kind: EndUntil, Until: d} }

func Count(n int) EndCondition { return EndCondition{Kind: EndCount, Count: n} }

// Rule is the repetition pattern of a series.
type Rule struct {
	Frequency  Frequency
	DaysOfWeek []time.Weekday // weekly/biweekly only; empty = the template's weekday
	MonthDay   int            // monthly only; 0 = the template's day of month
	End        EndCondition
}

// DefaultRule is what any unreadable stored rule decodes to.
func DefaultRule() Rule {
	return Rule{Frequency: Weekly, End: Never()}
}

// Normalize drops fields that do not apply to the frequency and sorts the
// day set Monday-first without duplicates.
func (r Rule) Normalize() Rule {
	out := Rule{Frequency: r.Frequency, End: r.End}
	if r.Frequency.usesDays() {
		out.DaysOfWeek = sortDays(r.DaysOfWeek)
	}
	if r.Frequency == Monthly && r.MonthDay >= 1 && r.MonthDay <= 31 {
		out.MonthDay = r.MonthDay
	}
	switch out.End.Kind {
	case EndUntil:
		out.End = Until(r.End.Until)
	case EndCount:
		out.End = Count(r.End.Count)
	default:
		out.End = Never()
	}
	return out
}

// Validate reports rules the engine cannot expand.
func (r Rule) Validate() error {
	if !r.Frequency.Valid() {
		return fmt.Errorf("unknown frequency: %q", r.Frequency)
	}
	switch r.End.Kind {
	case EndNever:
	case EndUntil:
		if r.End.Until.IsZero() {
			return fmt.Errorf("until end condition needs a date")
		}
	case EndCount:
		if r.End.Count < 1 {
			return fmt.Errorf("invalid count: %d", r.End.Count)
		}
	default:
		return fmt.Errorf("unknown end condition: %d", r.End.Kind)
	}
	if r.MonthDay < 0 || r.MonthDay > 31 {
		return fmt.Errorf("invalid month day: %d", r.MonthDay)
	}
	return nil
}

// Equal compares two rules after normalization.
func (r Rule) Equal(o Rule) bool {
	a, b := r.Normalize(), o.Normalize()
	return a.Frequency == b.Frequency &&
		slices.Equal(a.DaysOfWeek, b.DaysOfWeek) &&
		a.MonthDay == b.MonthDay &&
		a.End == b.End
}

// Describe returns a human-readable description of the rule.
func (r Rule) Describe() string {
	var s string
	switch r.Frequency {
	case Daily:
		s = "Repeats daily"
	case Weekly, Biweekly:
		s = "Repeats weekly"
		if r.Frequency == Biweekly {
			s = "Repeats every 2 weeks"
		}
		if days := sortDays(r.DaysOfWeek); len(days) > 0 {
			var names []string
			for _, d := range days {
				names = append(names, d.String()[:3])
			}
			s += " on " + strings.Join(names, ", ")
		}
	case Monthly:
		s = "Repeats monthly"
		if r.MonthDay > 0 {
			s += fmt.Sprintf(" on day %d", r.MonthDay)
		}
	default:
		return ""
	}

	switch r.End.Kind {
	case EndUntil:
		s += " until " + r.End.Until.String()
	case EndCount:
		if r.End.Count == 1 {
			s += ", once"
		} else {
			s += fmt.Sprintf(", %d times", r.End.Count)
		}
	}
	return s
}

// mondayIndex maps Monday..Sunday to 0..6.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func sortDays(days []time.Weekday) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday || slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b time.Weekday) int {
		return mondayIndex(a) - mondayIndex(b)
	})
	return out
}
