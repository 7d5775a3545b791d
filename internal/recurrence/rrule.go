package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

var toRRuleDay = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// ROption converts the rule into RFC 5545 options anchored at start.
// Monthly anchors past the 28th are written as BYMONTHDAY=28..n;BYSETPOS=-1,
// which picks the anchor day or the last day of a shorter month.
func (r Rule) ROption(start time.Time) rrule.ROption {
	r = r.Normalize()
	opt := rrule.ROption{
		Dtstart:  start,
		Interval: 1,
		Wkst:     rrule.MO,
	}

	switch r.Frequency {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly, Biweekly:
		opt.Freq = rrule.WEEKLY
		if r.Frequency == Biweekly {
			opt.Interval = 2
		}
		days := r.DaysOfWeek
		if len(days) == 0 {
			days = []time.Weekday{start.Weekday()}
		}
		for _, d := range days {
			opt.Byweekday = append(opt.Byweekday, toRRuleDay[d])
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		anchor := r.MonthDay
		if anchor == 0 {
			anchor = start.Day()
		}
		if anchor <= 28 {
			opt.Bymonthday = []int{anchor}
		} else {
			for d := 28; d <= anchor; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		}
	}

	switch r.End.Kind {
	case EndCount:
		opt.Count = r.End.Count
	case EndUntil:
		u := r.End.Until
		opt.Until = u.At(23, 59, 59, 0, start.Location())
	}
	return opt
}

// RRule renders the rule as an RRULE property value, without DTSTART.
func (r Rule) RRule(start time.Time) string {
	opt := r.ROption(start)
	return opt.RRuleString()
}

var fromRRuleDay = map[int]time.Weekday{
	0: time.Monday,
	1: time.Tuesday,
	2: time.Wednesday,
	3: time.Thursday,
	4: time.Friday,
	5: time.Saturday,
	6: time.Sunday,
}

// fromRRule reads the subset of RRULE text this engine can represent.
// Anything else degrades to DefaultRule.
func fromRRule(s string) (Rule, error) {
	opt, err := rrule.StrToROption(s)
	if err != nil {
		return DefaultRule(), fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}

	var r Rule
	interval := max(opt.Interval, 1)
	switch {
	case opt.Freq == rrule.DAILY && interval == 1:
		r.Frequency = Daily
	case opt.Freq == rrule.WEEKLY && interval == 1:
		r.Frequency = Weekly
	case opt.Freq == rrule.WEEKLY && interval == 2:
		r.Frequency = Biweekly
	case opt.Freq == rrule.MONTHLY && interval == 1:
		r.Frequency = Monthly
	default:
		return DefaultRule(), fmt.Errorf("%w: unsupported rrule %q", ErrMalformedRule, s)
	}

	for _, wd := range opt.Byweekday {
		r.DaysOfWeek = append(r.DaysOfWeek, fromRRuleDay[wd.Day()])
	}
	if r.Frequency == Monthly && len(opt.Bymonthday) == 1 && opt.Bymonthday[0] > 0 {
		r.MonthDay = opt.Bymonthday[0]
	}

	switch {
	case opt.Count > 0:
		r.End = Count(opt.Count)
	case !opt.Until.IsZero():
		r.End = Until(DateOf(opt.Until))
	default:
		r.End = Never()
	}
	return r.Normalize(), nil
}
