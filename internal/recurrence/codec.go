package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRule marks a stored rule that could not be read as written.
// Decode still returns a usable rule alongside it.
var ErrMalformedRule = errors.New("malformed recurrence rule")

// Record is the flat storage form of a Rule.
type Record struct {
	Freq     string   `json:"freq"`
	Days     []string `json:"days,omitempty"`
	MonthDay int      `json:"monthDay,omitempty"`
	Until    string   `json:"until,omitempty"`
	Count    int      `json:"count,omitempty"`
}

// Encode converts a rule to its storage record. Days are emitted only for
// weekly/biweekly rules and at most one of until/count is set.
func Encode(r Rule) Record {
	r = r.Normalize()
	rec := Record{Freq: string(r.Frequency)}
	for _, d := range r.DaysOfWeek {
		rec.Days = append(rec.Days, DayTag(d))
	}
	rec.MonthDay = r.MonthDay
	switch r.End.Kind {
	case EndUntil:
		rec.Until = r.End.Until.String()
	case EndCount:
		rec.Count = r.End.Count
	}
	return rec
}

// Decode converts a storage record to a rule. It never fails to produce a
// usable rule: an unknown frequency yields DefaultRule, unknown day tags are
// dropped and an unreadable end condition becomes Never. Any such repair is
// reported as an ErrMalformedRule.
func Decode(rec Record) (Rule, error) {
	freq := Frequency(strings.ToLower(strings.TrimSpace(rec.Freq)))
	if !freq.Valid() {
		return DefaultRule(), fmt.Errorf("%w: unknown frequency %q", ErrMalformedRule, rec.Freq)
	}

	var problems []string
	r := Rule{Frequency: freq, End: Never()}

	if freq.usesDays() {
		for _, tag := range rec.Days {
			wd, ok := ParseDayTag(tag)
			if !ok {
				problems = append(problems, fmt.Sprintf("unknown day %q", tag))
				continue
			}
			r.DaysOfWeek = append(r.DaysOfWeek, wd)
		}
	}

	if freq == Monthly && rec.MonthDay != 0 {
		if rec.MonthDay < 1 || rec.MonthDay > 31 {
			problems = append(problems, fmt.Sprintf("invalid monthDay %d", rec.MonthDay))
		} else {
			r.MonthDay = rec.MonthDay
		}
	}

	// count wins when both bounds are present
	switch {
	case rec.Count > 0:
		r.End = Count(rec.Count)
		if rec.Until != "" {
			problems = append(problems, "both until and count set")
		}
	case rec.Count < 0:
		problems = append(problems, fmt.Sprintf("invalid count %d", rec.Count))
	case rec.Until != "":
		d, err := ParseDate(rec.Until)
		if err != nil {
			problems = append(problems, fmt.Sprintf("invalid until %q", rec.Until))
			break
		}
		r.End = Until(d)
	}

	r = r.Normalize()
	if len(problems) > 0 {
		return r, fmt.Errorf("%w: %s", ErrMalformedRule, strings.Join(problems, "; "))
	}
	return r, nil
}

// EncodeString renders the rule as the JSON text kept in the recurrence
// column of the event store.
func EncodeString(r Rule) string {
	b, err := json.Marshal(Encode(r))
	if err != nil {
		// Record only holds strings and ints.
		panic(fmt.Sprintf("encode rule: %v", err))
	}
	return string(b)
}

// DecodeString is the inverse of EncodeString. It also accepts RRULE text
// such as "FREQ=WEEKLY;BYDAY=MO,WE" written by older clients.
func DecodeString(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRule(), fmt.Errorf("%w: empty", ErrMalformedRule)
	}
	if !strings.HasPrefix(s, "{") {
		return fromRRule(s)
	}

	var rec Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return DefaultRule(), fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	return Decode(rec)
}

func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(r))
}

// UnmarshalJSON stores the repaired rule in r and still returns the decode
// error so request parsing can reject bad input.
func (r *Rule) UnmarshalJSON(b []byte) error {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		*r = DefaultRule()
		return fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	decoded, err := Decode(rec)
	*r = decoded
	return err
}
