// Package cycling implements cycle point arithmetic for integer and
// Gregorian-calendar cycling, and the recurrences (sequences) that generate
// cycle points.
package cycling

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/me/cycleflow/pkg/model"
)

// Mode selects the cycle point index space.
type Mode int

const (
	Integer Mode = iota + 1
	Gregorian
)

// ParseMode converts a configured cycling mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "gregorian":
		return Gregorian, nil
	case "integer":
		return Integer, nil
	}
	return 0, fmt.Errorf("unknown cycling mode %q (want integer or gregorian)", s)
}

func (m Mode) String() string {
	switch m {
	case Integer:
		return "integer"
	case Gregorian:
		return "gregorian"
	}
	return "unset"
}

// Point is a cycle point. Integer points hold their value; Gregorian points
// hold UTC seconds since the Unix epoch. Points are comparable with == and
// may be used as map keys. The zero Point means "no point".
type Point struct {
	mode Mode
	v    int64
}

// IntegerPoint returns an integer cycle point.
func IntegerPoint(n int64) Point {
	return Point{mode: Integer, v: n}
}

// TimePoint returns a Gregorian cycle point for t, truncated to whole seconds.
func TimePoint(t time.Time) Point {
	return Point{mode: Gregorian, v: t.Unix()}
}

// IsZero reports whether p is the zero Point.
func (p Point) IsZero() bool { return p.mode == 0 }

// Mode returns the cycling mode of p.
func (p Point) Mode() Mode { return p.mode }

// Int returns the value of an integer point.
func (p Point) Int() int64 { return p.v }

// Time returns the UTC time of a Gregorian point.
func (p Point) Time() time.Time { return time.Unix(p.v, 0).UTC() }

// Compare returns -1, 0 or +1. Points of different modes are never compared
// by the scheduler; the result for them is unspecified.
func (p Point) Compare(q Point) int {
	switch {
	case p.v < q.v:
		return -1
	case p.v > q.v:
		return 1
	}
	return 0
}

// Before reports whether p < q.
func (p Point) Before(q Point) bool { return p.v < q.v }

// After reports whether p > q.
func (p Point) After(q Point) bool { return p.v > q.v }

// Add offsets p by d. Year and month components are applied first and clamp
// the day of month (Jan 31 + P1M = Feb 28/29), then days, then seconds.
func (p Point) Add(d Interval) Point {
	if p.mode == Integer {
		return Point{mode: Integer, v: p.v + d.n}
	}
	t := p.Time()
	if d.years != 0 || d.months != 0 {
		total := int64(t.Year())*12 + int64(t.Month()-1) + d.years*12 + d.months
		y := total / 12
		m := total % 12
		if m < 0 {
			m += 12
			y--
		}
		month := time.Month(m + 1)
		day := t.Day()
		if last := daysIn(int(y), month); day > last {
			day = last
		}
		t = time.Date(int(y), month, day, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	}
	if d.days != 0 {
		t = t.AddDate(0, 0, int(d.days))
	}
	if d.secs != 0 {
		t = t.Add(time.Duration(d.secs) * time.Second)
	}
	return TimePoint(t)
}

// Sub returns the exact distance p - q. For Gregorian points the result is
// expressed in seconds.
func (p Point) Sub(q Point) Interval {
	if p.mode == Integer {
		return Interval{mode: Integer, n: p.v - q.v}
	}
	return Interval{mode: Gregorian, secs: p.v - q.v}
}

// String formats p in its canonical form: the integer value, or
// CCYYMMDDThhmmZ (with seconds appended when non-zero).
func (p Point) String() string {
	switch p.mode {
	case Integer:
		return strconv.FormatInt(p.v, 10)
	case Gregorian:
		t := p.Time()
		if t.Second() != 0 {
			return t.Format("20060102T150405Z")
		}
		return t.Format("20060102T1504Z")
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (p Point) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isoPointRe accepts basic and extended ISO 8601 date-times with reduced
// precision, e.g. 2020, 2020-06, 20200601T06Z, 2020-06-01T06:30:00+01:00.
var isoPointRe = regexp.MustCompile(
	`^(\d{4})(?:-?(\d{2})(?:-?(\d{2}))?)?` +
		`(?:T(\d{2})(?::?(\d{2})(?::?(\d{2}))?)?)?` +
		`(Z|[+-]\d{2}(?::?\d{2})?)?$`)

// ParsePoint parses s as a cycle point of the given mode.
func ParsePoint(mode Mode, s string) (Point, error) {
	s = strings.TrimSpace(s)
	switch mode {
	case Integer:
		n, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
		if err != nil {
			return Point{}, &model.MalformedCyclePointError{Value: s, Reason: "not an integer cycle point"}
		}
		return IntegerPoint(n), nil
	case Gregorian:
		return parseISOPoint(s)
	}
	return Point{}, &model.MalformedCyclePointError{Value: s, Reason: "cycling mode not set"}
}

// MustParsePoint is ParsePoint for constants in tests and defaults.
func MustParsePoint(mode Mode, s string) Point {
	p, err := ParsePoint(mode, s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseISOPoint(s string) (Point, error) {
	m := isoPointRe.FindStringSubmatch(s)
	if m == nil {
		return Point{}, &model.MalformedCyclePointError{Value: s, Reason: "not an ISO 8601 date-time"}
	}
	num := func(i, def int) int {
		if m[i] == "" {
			return def
		}
		n, _ := strconv.Atoi(m[i])
		return n
	}
	year, month, day := num(1, 0), num(2, 1), num(3, 1)
	hour, minute, sec := num(4, 0), num(5, 0), num(6, 0)

	loc := time.UTC
	if tz := m[7]; tz != "" && tz != "Z" {
		sign := 1
		if tz[0] == '-' {
			sign = -1
		}
		digits := strings.ReplaceAll(tz[1:], ":", "")
		h, _ := strconv.Atoi(digits[:2])
		mins := 0
		if len(digits) == 4 {
			mins, _ = strconv.Atoi(digits[2:])
		}
		if h > 23 || mins > 59 {
			return Point{}, &model.MalformedCyclePointError{Value: s, Reason: "time zone offset out of range"}
		}
		loc = time.FixedZone(tz, sign*(h*3600+mins*60))
	}

	if month < 1 || month > 12 || day < 1 || day > daysIn(year, time.Month(month)) ||
		hour > 23 || minute > 59 || sec > 59 {
		return Point{}, &model.MalformedCyclePointError{Value: s, Reason: "date-time field out of range"}
	}
	return TimePoint(time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc)), nil
}
