package cycling

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/me/cycleflow/pkg/model"
)

// Interval is a signed cycle point offset. Integer intervals count units;
// Gregorian intervals keep nominal years and months apart from exact days and
// seconds so calendar arithmetic stays exact. All components share one sign.
type Interval struct {
	mode   Mode
	n      int64
	years  int64
	months int64
	days   int64
	secs   int64
}

// IntegerInterval returns an integer interval of n units.
func IntegerInterval(n int64) Interval {
	return Interval{mode: Integer, n: n}
}

// Seconds returns a Gregorian interval of exactly s seconds.
func Seconds(s int64) Interval {
	return Interval{mode: Gregorian, secs: s}
}

// Mode returns the cycling mode of d.
func (d Interval) Mode() Mode { return d.mode }

// IsZero reports whether d has no length.
func (d Interval) IsZero() bool {
	return d.n == 0 && d.years == 0 && d.months == 0 && d.days == 0 && d.secs == 0
}

// IsNegative reports whether d points backwards.
func (d Interval) IsNegative() bool {
	return d.n < 0 || d.years < 0 || d.months < 0 || d.days < 0 || d.secs < 0
}

// IsNominal reports whether d has year or month components, whose length in
// seconds depends on where it is applied.
func (d Interval) IsNominal() bool {
	return d.years != 0 || d.months != 0
}

// Neg returns -d.
func (d Interval) Neg() Interval {
	return d.Scale(-1)
}

// Scale returns d multiplied by k.
func (d Interval) Scale(k int64) Interval {
	return Interval{mode: d.mode, n: d.n * k, years: d.years * k, months: d.months * k, days: d.days * k, secs: d.secs * k}
}

// Plus returns the component-wise sum d + e.
func (d Interval) Plus(e Interval) Interval {
	mode := d.mode
	if mode == 0 {
		mode = e.mode
	}
	return Interval{
		mode:   mode,
		n:      d.n + e.n,
		years:  d.years + e.years,
		months: d.months + e.months,
		days:   d.days + e.days,
		secs:   d.secs + e.secs,
	}
}

// Duration converts a non-nominal Gregorian interval to a wall-clock duration.
func (d Interval) Duration() (time.Duration, error) {
	if d.mode != Gregorian {
		return 0, fmt.Errorf("interval %s is not a wall-clock duration", d)
	}
	if d.IsNominal() {
		return 0, fmt.Errorf("interval %s has year or month components", d)
	}
	return time.Duration(d.days*86400+d.secs) * time.Second, nil
}

// Compare orders intervals by length. Nominal components are compared by
// their mean length, so P1M and P30D are not reported equal.
func (d Interval) Compare(e Interval) int {
	var a, b float64
	if d.mode == Integer || e.mode == Integer {
		a, b = float64(d.n), float64(e.n)
	} else {
		a, b = d.approxSeconds(), e.approxSeconds()
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// approxSeconds is used only to estimate sequence indices; exact positions
// are always recomputed with Point.Add.
func (d Interval) approxSeconds() float64 {
	return float64(d.years)*365.2425*86400 + float64(d.months)*30.436875*86400 +
		float64(d.days)*86400 + float64(d.secs)
}

// String returns the canonical ISO 8601 form, e.g. P1D, PT6H, -P1, P1Y2M.
func (d Interval) String() string {
	if d.mode == Integer {
		if d.n < 0 {
			return "-P" + strconv.FormatInt(-d.n, 10)
		}
		return "P" + strconv.FormatInt(d.n, 10)
	}
	if d.IsZero() {
		return "P0D"
	}
	a := d
	var b strings.Builder
	if a.IsNegative() {
		b.WriteByte('-')
		a = a.Neg()
	}
	b.WriteByte('P')
	if a.years != 0 {
		fmt.Fprintf(&b, "%dY", a.years)
	}
	if a.months != 0 {
		fmt.Fprintf(&b, "%dM", a.months)
	}
	if a.days != 0 {
		fmt.Fprintf(&b, "%dD", a.days)
	}
	if a.secs != 0 {
		b.WriteByte('T')
		h, m, s := a.secs/3600, a.secs%3600/60, a.secs%60
		if h != 0 {
			fmt.Fprintf(&b, "%dH", h)
		}
		if m != 0 {
			fmt.Fprintf(&b, "%dM", m)
		}
		if s != 0 {
			fmt.Fprintf(&b, "%dS", s)
		}
	}
	return b.String()
}

var (
	integerIntervalRe = regexp.MustCompile(`^([+-])?P(\d+)$`)
	isoIntervalRe     = regexp.MustCompile(
		`^([+-])?P(?:(\d+)W|(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?)$`)
)

// ParseInterval parses an ISO 8601 duration (Gregorian) or P<n> (integer).
// A leading sign is allowed.
func ParseInterval(mode Mode, s string) (Interval, error) {
	s = strings.TrimSpace(s)
	switch mode {
	case Integer:
		m := integerIntervalRe.FindStringSubmatch(s)
		if m == nil {
			return Interval{}, &model.MalformedCyclePointError{Value: s, Reason: "not an integer interval (want P<n>)"}
		}
		n, _ := strconv.ParseInt(m[2], 10, 64)
		if m[1] == "-" {
			n = -n
		}
		return IntegerInterval(n), nil
	case Gregorian:
		m := isoIntervalRe.FindStringSubmatch(s)
		if m == nil || strings.HasSuffix(s, "P") || strings.HasSuffix(s, "T") {
			return Interval{}, &model.MalformedCyclePointError{Value: s, Reason: "not an ISO 8601 duration"}
		}
		num := func(i int) int64 {
			n, _ := strconv.ParseInt(m[i], 10, 64)
			return n
		}
		d := Interval{mode: Gregorian}
		if m[2] != "" {
			d.days = num(2) * 7
		} else {
			d.years, d.months, d.days = num(3), num(4), num(5)
			d.secs = num(6)*3600 + num(7)*60 + num(8)
		}
		if m[1] == "-" {
			d = d.Neg()
		}
		return d, nil
	}
	return Interval{}, &model.MalformedCyclePointError{Value: s, Reason: "cycling mode not set"}
}

// ParseDuration parses an ISO 8601 duration as a wall-clock duration. It is
// used for retry delays, timeouts and clock offsets regardless of cycling mode.
func ParseDuration(s string) (time.Duration, error) {
	d, err := ParseInterval(Gregorian, s)
	if err != nil {
		return 0, err
	}
	return d.Duration()
}
