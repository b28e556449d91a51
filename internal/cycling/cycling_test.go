package cycling

import (
	"errors"
	"testing"
	"time"

	"github.com/me/cycleflow/pkg/model"
)

func gp(t *testing.T, s string) Point {
	t.Helper()
	p, err := ParsePoint(Gregorian, s)
	if err != nil {
		t.Fatalf("ParsePoint(%q): %v", s, err)
	}
	return p
}

func iv(t *testing.T, mode Mode, s string) Interval {
	t.Helper()
	d, err := ParseInterval(mode, s)
	if err != nil {
		t.Fatalf("ParseInterval(%q): %v", s, err)
	}
	return d
}

func TestParsePoint_Forms(t *testing.T) {
	want := TimePoint(time.Date(2020, 6, 1, 6, 30, 0, 0, time.UTC))
	for _, s := range []string{
		"20200601T0630Z",
		"20200601T0630",
		"2020-06-01T06:30Z",
		"2020-06-01T06:30:00Z",
		"2020-06-01T07:30+01:00",
		"20200601T0030-0600",
	} {
		if got := gp(t, s); got != want {
			t.Errorf("ParsePoint(%q) = %s, want %s", s, got, want)
		}
	}
	if got := gp(t, "2020"); got.String() != "20200101T0000Z" {
		t.Errorf("reduced precision = %s", got)
	}
}

func TestParsePoint_Malformed(t *testing.T) {
	for _, s := range []string{"", "2020-13-01", "20210229", "20200101T2500Z", "tomorrow", "2020-01-01T00:00+25"} {
		_, err := ParsePoint(Gregorian, s)
		var mce *model.MalformedCyclePointError
		if !errors.As(err, &mce) {
			t.Errorf("ParsePoint(%q) err = %v, want MalformedCyclePointError", s, err)
		}
	}
	if _, err := ParsePoint(Integer, "1.5"); err == nil {
		t.Error("integer point 1.5 accepted")
	}
}

func TestPoint_RoundTrip(t *testing.T) {
	p := gp(t, "20000101T0000Z")
	seq := []string{"P1D", "PT6H", "P1M", "PT7M13S", "P1Y"}
	for i := 0; i < 500; i++ {
		p = p.Add(iv(t, Gregorian, seq[i%len(seq)]))
		q, err := ParsePoint(Gregorian, p.String())
		if err != nil {
			t.Fatalf("reparse %s: %v", p, err)
		}
		if q != p {
			t.Fatalf("round trip %s -> %s", p, q)
		}
	}
	for _, n := range []int64{-7, 0, 1, 99999} {
		x := IntegerPoint(n)
		y, err := ParsePoint(Integer, x.String())
		if err != nil || y != x {
			t.Errorf("integer round trip %d: %v %v", n, y, err)
		}
	}
}

func TestPoint_CalendarArithmetic(t *testing.T) {
	tests := []struct {
		from, offset, want string
	}{
		{"20200131T0000Z", "P1M", "20200229T0000Z"},
		{"20210131T0000Z", "P1M", "20210228T0000Z"},
		{"20200229T0000Z", "P1Y", "20210228T0000Z"},
		{"20200228T0000Z", "P1D", "20200229T0000Z"},
		{"20210228T0000Z", "P1D", "20210301T0000Z"},
		{"20201231T1800Z", "PT6H", "20210101T0000Z"},
		{"20200301T0000Z", "-P1D", "20200229T0000Z"},
		{"20200115T0000Z", "-P1M", "20191215T0000Z"},
		{"20200101T0000Z", "P1W", "20200108T0000Z"},
	}
	for _, tt := range tests {
		got := gp(t, tt.from).Add(iv(t, Gregorian, tt.offset))
		if got.String() != tt.want {
			t.Errorf("%s + %s = %s, want %s", tt.from, tt.offset, got, tt.want)
		}
	}
}

func TestPoint_ExactOffsetsAssociate(t *testing.T) {
	a := gp(t, "20200101T0000Z")
	d1 := iv(t, Gregorian, "P1DT6H")
	d2 := iv(t, Gregorian, "PT30H")
	if a.Add(d1).Add(d2) != a.Add(d1.Plus(d2)) {
		t.Error("exact offsets are not associative")
	}
	i := IntegerPoint(3)
	if i.Add(IntegerInterval(2)).Add(IntegerInterval(-7)) != i.Add(IntegerInterval(-5)) {
		t.Error("integer offsets are not associative")
	}
}

func TestPoint_NominalMonthsClampEachStep(t *testing.T) {
	jan31 := gp(t, "20200131T0000Z")
	month := iv(t, Gregorian, "P1M")
	stepped := jan31.Add(month).Add(month)
	direct := jan31.Add(iv(t, Gregorian, "P2M"))
	if got, want := stepped.String(), "20200329T0000Z"; got != want {
		t.Errorf("Jan 31 + P1M + P1M = %s, want %s", got, want)
	}
	if got, want := direct.String(), "20200331T0000Z"; got != want {
		t.Errorf("Jan 31 + P2M = %s, want %s", got, want)
	}
}

func TestInterval_String(t *testing.T) {
	for _, s := range []string{"P1D", "PT6H", "P1Y2M", "-P1D", "P1DT1H30M", "PT45S"} {
		if got := iv(t, Gregorian, s).String(); got != s {
			t.Errorf("String(%s) = %s", s, got)
		}
	}
	if got := iv(t, Integer, "-P3").String(); got != "-P3" {
		t.Errorf("integer String = %s", got)
	}
	for _, s := range []string{"P", "PT", "P1H", "1D", "P-1D"} {
		if _, err := ParseInterval(Gregorian, s); err == nil {
			t.Errorf("ParseInterval(%q) accepted", s)
		}
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("PT1M30S")
	if err != nil || d != 90*time.Second {
		t.Fatalf("ParseDuration = %v, %v", d, err)
	}
	if _, err := ParseDuration("P1M"); err == nil {
		t.Error("nominal duration accepted")
	}
}

func TestSequence_NextIsMonotone(t *testing.T) {
	ctx := Context{Mode: Gregorian, Initial: gp(t, "20200131T0000Z")}
	for _, expr := range []string{"P1M", "PT6H", "+P1D/P2D", "R/^/P1Y", "20200101T00Z/P1D"} {
		s, err := ParseSequence(expr, ctx)
		if err != nil {
			t.Fatalf("ParseSequence(%s): %v", expr, err)
		}
		p, ok := s.First()
		if !ok {
			t.Fatalf("%s: no first point", expr)
		}
		if p.Before(ctx.Initial) {
			t.Fatalf("%s: first point %s before initial", expr, p)
		}
		for i := 0; i < 200; i++ {
			q, ok := s.Next(p)
			if !ok {
				t.Fatalf("%s: exhausted after %s", expr, p)
			}
			if !q.After(p) {
				t.Fatalf("%s: Next(%s) = %s, not increasing", expr, p, q)
			}
			if !s.Contains(q) {
				t.Fatalf("%s: Contains(%s) = false", expr, q)
			}
			// Enumeration from any point between p and q yields q again.
			if mid := p.Add(Seconds(1)); mid.Before(q) {
				if r, _ := s.Next(mid); r != q {
					t.Fatalf("%s: Next(%s) = %s, want %s", expr, mid, r, q)
				}
			}
			p = q
		}
	}
}

func TestSequence_MonthlyDoesNotDrift(t *testing.T) {
	ctx := Context{Mode: Gregorian, Initial: gp(t, "20200131T0000Z")}
	s, err := ParseSequence("P1M", ctx)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := s.First()
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, p.String())
		p, _ = s.Next(p)
	}
	want := []string{"20200131T0000Z", "20200229T0000Z", "20200331T0000Z", "20200430T0000Z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("monthly points = %v, want %v", got, want)
		}
	}
}

func TestSequence_Bounds(t *testing.T) {
	ctx := Context{Mode: Integer, Initial: IntegerPoint(1), Final: IntegerPoint(10)}
	tests := []struct {
		expr string
		want []int64
	}{
		{"R1", []int64{1}},
		{"R1/$", []int64{10}},
		{"R1/^+P2", []int64{3}},
		{"P3", []int64{1, 4, 7, 10}},
		{"+P1/P4", []int64{2, 6, 10}},
		{"R2/5/P2", []int64{5, 7}},
		{"R3/P5", []int64{1, 6}},
		{"0/P4", []int64{4, 8}},
	}
	for _, tt := range tests {
		s, err := ParseSequence(tt.expr, ctx)
		if err != nil {
			t.Fatalf("ParseSequence(%s): %v", tt.expr, err)
		}
		var got []int64
		for p, ok := s.First(); ok; p, ok = s.Next(p) {
			got = append(got, p.Int())
		}
		if len(got) != len(tt.want) {
			t.Errorf("%s: points = %v, want %v", tt.expr, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: points = %v, want %v", tt.expr, got, tt.want)
				break
			}
		}
	}
}

func TestSequence_Malformed(t *testing.T) {
	ctx := Context{Mode: Integer, Initial: IntegerPoint(1)}
	for _, expr := range []string{"", "R0/P1", "Rx/P1", "P0", "-P1", "R1/$", "1/2/3", "R/1/P1/P2"} {
		if _, err := ParseSequence(expr, ctx); err == nil {
			t.Errorf("ParseSequence(%q) accepted", expr)
		}
	}
}

func TestSequence_Coincides(t *testing.T) {
	ctx := Context{Mode: Integer, Initial: IntegerPoint(1)}
	parse := func(e string) *Sequence {
		s, err := ParseSequence(e, ctx)
		if err != nil {
			t.Fatalf("ParseSequence(%s): %v", e, err)
		}
		return s
	}
	tests := []struct {
		a, b string
		want bool
	}{
		{"P2", "P3", true},
		{"P2", "+P1/P2", false},
		{"+P1/P4", "P6", false},
		{"+P1/P4", "+P2/P6", false},
		{"+P1/P4", "+P5/P6", true},
		{"R1", "P5", true},
		{"R1/^+P1", "P2", false},
	}
	for _, tt := range tests {
		if got := parse(tt.a).Coincides(parse(tt.b)); got != tt.want {
			t.Errorf("Coincides(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}

	// Shifting 1,3,5,... by one lands on 2,4,6,...
	odd, even := parse("P2"), parse("+P1/P2")
	if !odd.Shift(IntegerInterval(1)).Coincides(even) {
		t.Error("shifted sequence does not coincide")
	}

	gctx := Context{Mode: Gregorian, Initial: gp(t, "20200101T0000Z")}
	daily, _ := ParseSequence("P1D", gctx)
	sixHourly, _ := ParseSequence("+PT6H/PT12H", gctx)
	if daily.Coincides(sixHourly) {
		t.Error("P1D coincides with +PT6H/PT12H")
	}
	monthly, _ := ParseSequence("P1M", gctx)
	if !monthly.Coincides(daily) {
		t.Error("P1M does not coincide with P1D")
	}
}
