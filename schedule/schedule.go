// Package schedule matches and advances the six cron-style fields plus
// year that a job definition's Schedule carries: second, minute, hour,
// day-of-month, month, day-of-week and year. Each field accepts "*", a
// single integer, an "N-M" range, a "*/S" step, or a comma-separated list
// of any of those.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odpf/saltpeter/core/job"
)

// matcher reports whether a field value satisfies one compiled field spec.
type matcher func(v int) bool

// Matcher is a compiled form of a job.Schedule, ready to test or advance
// a time.Time without re-parsing the field strings on every tick.
type Matcher struct {
	second matcher
	minute matcher
	hour   matcher
	dom    matcher
	month  matcher
	dow    matcher
	year   matcher
}

// Compile parses every field of s and returns a reusable Matcher, or an
// error naming the first invalid field.
func Compile(s job.Schedule) (*Matcher, error) {
	var err error
	m := &Matcher{}
	if m.second, err = compileField("sec", s.Second, 0, 59); err != nil {
		return nil, err
	}
	if m.minute, err = compileField("min", s.Minute, 0, 59); err != nil {
		return nil, err
	}
	if m.hour, err = compileField("hour", s.Hour, 0, 23); err != nil {
		return nil, err
	}
	if m.dom, err = compileField("dom", s.DOM, 1, 31); err != nil {
		return nil, err
	}
	if m.month, err = compileField("month", s.Month, 1, 12); err != nil {
		return nil, err
	}
	if m.dow, err = compileField("dow", s.DOW, 0, 6); err != nil {
		return nil, err
	}
	if m.year, err = compileField("year", s.Year, 1970, 9999); err != nil {
		return nil, err
	}
	return m, nil
}

// Matches reports whether t satisfies every field of the schedule, to
// second resolution. Day-of-week uses time.Weekday numbering (0=Sunday).
func (m *Matcher) Matches(t time.Time) bool {
	return m.second(t.Second()) &&
		m.minute(t.Minute()) &&
		m.hour(t.Hour()) &&
		m.dom(t.Day()) &&
		m.month(int(t.Month())) &&
		m.dow(int(t.Weekday())) &&
		m.year(t.Year())
}

// horizon bounds how far into the future Next will scan before giving up
// on an expression that can never be satisfied (e.g. year "2020" with a
// starting time already past 2020, or dom 31 crossed with month 4).
const horizon = 5 * 366 * 24 * time.Hour

// Next returns the earliest instant strictly after from that satisfies
// the schedule, truncated to whole seconds. It returns a zero time and an
// error if no match is found within the scan horizon.
func (m *Matcher) Next(from time.Time) (time.Time, error) {
	t := from.Truncate(time.Second).Add(time.Second)
	limit := from.Add(horizon)
	for t.Before(limit) {
		if m.Matches(t) {
			return t, nil
		}
		t = t.Add(time.Second)
	}
	return time.Time{}, fmt.Errorf("schedule: no matching time found within %s of %s", horizon, from)
}

func compileField(name, expr string, min, max int) (matcher, error) {
	if expr == "" || expr == "*" {
		return func(int) bool { return true }, nil
	}
	var parts []matcher
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		mt, err := compileTerm(name, term, min, max)
		if err != nil {
			return nil, err
		}
		parts = append(parts, mt)
	}
	return func(v int) bool {
		for _, mt := range parts {
			if mt(v) {
				return true
			}
		}
		return false
	}, nil
}

func compileTerm(name, term string, min, max int) (matcher, error) {
	if term == "*" {
		return func(int) bool { return true }, nil
	}
	if strings.HasPrefix(term, "*/") {
		step, err := strconv.Atoi(term[2:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("schedule: field %q: invalid step %q", name, term)
		}
		return func(v int) bool { return (v-min)%step == 0 }, nil
	}
	if dash := strings.Index(term, "-"); dash > 0 {
		lo, err1 := strconv.Atoi(term[:dash])
		hi, err2 := strconv.Atoi(term[dash+1:])
		if err1 != nil || err2 != nil || lo > hi {
			return nil, fmt.Errorf("schedule: field %q: invalid range %q", name, term)
		}
		if err := rangeCheck(name, lo, min, max); err != nil {
			return nil, err
		}
		if err := rangeCheck(name, hi, min, max); err != nil {
			return nil, err
		}
		return func(v int) bool { return v >= lo && v <= hi }, nil
	}
	n, err := strconv.Atoi(term)
	if err != nil {
		return nil, fmt.Errorf("schedule: field %q: invalid value %q", name, term)
	}
	if err := rangeCheck(name, n, min, max); err != nil {
		return nil, err
	}
	return func(v int) bool { return v == n }, nil
}

func rangeCheck(name string, v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("schedule: field %q: value %d out of range [%d,%d]", name, v, min, max)
	}
	return nil
}
