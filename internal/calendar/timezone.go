package calendar

import (
	"fmt"
	"slices"
	"time"

	ics "github.com/arran4/golang-ical"
)

// zoneSet collects the named zones a feed refers to and the earliest
// instant each one is used at.
type zoneSet struct {
	locs  map[string]*time.Location
	since map[string]time.Time
}

func (z *zoneSet) add(t time.Time) {
	name, ok := tzid(t)
	if !ok {
		return
	}
	if z.locs == nil {
		z.locs = make(map[string]*time.Location)
		z.since = make(map[string]time.Time)
	}
	if prev, seen := z.since[name]; seen && !t.Before(prev) {
		return
	}
	z.locs[name] = t.Location()
	z.since[name] = t
}

// write adds a VTIMEZONE per zone with the observances in force from the
// zone's first use through until.
func (z *zoneSet) write(cal *ics.Calendar, until time.Time) {
	names := make([]string, 0, len(z.locs))
	for name := range z.locs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		addTimezone(cal, name, z.locs[name], z.since[name], until)
	}
}

func addTimezone(cal *ics.Calendar, name string, loc *time.Location, from, until time.Time) {
	tz := cal.AddTimezone(name)
	from = from.Truncate(time.Second)
	addObservance(tz, from, offsetAt(from, loc), loc)
	for _, at := range transitions(loc, from, until) {
		addObservance(tz, at, offsetAt(at.Add(-time.Second), loc), loc)
	}
}

// addObservance writes the STANDARD or DAYLIGHT block that starts at the
// instant at, when the offset changes away from from.
func addObservance(tz *ics.VTimezone, at time.Time, from int, loc *time.Location) {
	local := at.In(loc)
	abbr, to := local.Zone()

	var c *ics.ComponentBase
	if local.IsDST() {
		d := &ics.Daylight{}
		tz.Components = append(tz.Components, d)
		c = &d.ComponentBase
	} else {
		c = &tz.AddStandard().ComponentBase
	}
	// DTSTART is wall time before the change
	c.SetProperty(ics.ComponentPropertyDtStart, at.In(time.FixedZone("", from)).Format(icsLocal))
	c.SetProperty(ics.ComponentProperty(ics.PropertyTzoffsetfrom), utcOffset(from))
	c.SetProperty(ics.ComponentProperty(ics.PropertyTzoffsetto), utcOffset(to))
	c.SetProperty(ics.ComponentProperty(ics.PropertyTzname), abbr)
}

// transitions returns the first second of every offset change in loc
// between from and until. Changes less than a day apart are not resolved.
func transitions(loc *time.Location, from, until time.Time) []time.Time {
	var out []time.Time
	for t := from; t.Before(until); t = t.Add(24 * time.Hour) {
		next := t.Add(24 * time.Hour)
		if offsetAt(t, loc) == offsetAt(next, loc) {
			continue
		}
		lo, hi := t, next
		for hi.Sub(lo) > time.Second {
			mid := lo.Add((hi.Sub(lo) / 2).Truncate(time.Second))
			if offsetAt(mid, loc) == offsetAt(lo, loc) {
				lo = mid
			} else {
				hi = mid
			}
		}
		out = append(out, hi)
	}
	return out
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, offset := t.In(loc).Zone()
	return offset
}

// utcOffset formats seconds east of UTC as ±HHMM, or ±HHMMSS when needed.
func utcOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if s != 0 {
		return fmt.Sprintf("%c%02d%02d%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%c%02d%02d", sign, h, m)
}
