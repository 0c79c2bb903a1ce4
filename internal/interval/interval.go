// Package interval models relative calendar offsets ("every 3 hours", "2 months")
// and applies them to absolute times.
//
// An Interval keeps its six components independent: 90 seconds stays 90 seconds
// until the interval is applied to a base time.
package interval

import (
	"strconv"
	"strings"
	"time"
)

// Interval is an immutable relative offset. Equality is component-wise (==).
type Interval struct {
	Seconds int
	Minutes int
	Hours   int
	Days    int
	Months  int
	Years   int
}

// Location is the fixed zone all calendar math happens in.
// UTC has no daylight-saving discontinuities.
var Location = time.UTC

func (iv Interval) IsZero() bool { return iv == Interval{} }

// Apply returns base shifted by iv, at seconds resolution, in Location.
//
// Seconds, minutes, hours and days are added first and normalized together,
// so 23:59:50 + 20s rolls into the next day. Months and years are applied
// afterwards; when the day of month does not exist in the target month it is
// clamped to the last valid day (Jan 31 + 1 month = Feb 28, or Feb 29 in leap years).
func Apply(base time.Time, iv Interval) time.Time {
	b := time.Unix(base.Unix(), 0).In(Location)
	y, mo, d := b.Date()
	h, mi, s := b.Clock()

	t := time.Date(y, mo, d+iv.Days, h+iv.Hours, mi+iv.Minutes, s+iv.Seconds, 0, Location)
	if iv.Months == 0 && iv.Years == 0 {
		return t
	}

	y, mo, d = t.Date()
	h, mi, s = t.Clock()
	total := y*12 + int(mo-1) + iv.Months + iv.Years*12
	ty, tm := floorDiv(total, 12), time.Month(floorMod(total, 12)+1)
	if last := DaysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, h, mi, s, 0, Location)
}

// Span is the length of iv when applied at base. It is the only meaningful way
// to compare intervals containing months or years.
func (iv Interval) Span(base time.Time) time.Duration {
	b := time.Unix(base.Unix(), 0)
	return Apply(b, iv).Sub(b)
}

// Between blends two intervals component by component, halfway from a toward b.
// Odd differences round toward b so repeated blending reaches b instead of stalling
// one unit short.
func Between(a, b Interval) Interval {
	return Interval{
		Seconds: halfway(a.Seconds, b.Seconds),
		Minutes: halfway(a.Minutes, b.Minutes),
		Hours:   halfway(a.Hours, b.Hours),
		Days:    halfway(a.Days, b.Days),
		Months:  halfway(a.Months, b.Months),
		Years:   halfway(a.Years, b.Years),
	}
}

func halfway(a, b int) int {
	diff := b - a
	step := diff / 2
	if diff%2 != 0 {
		if diff > 0 {
			step++
		} else {
			step--
		}
	}
	return a + step
}

// Double returns iv with every component multiplied by two.
func (iv Interval) Double() Interval {
	return Interval{
		Seconds: iv.Seconds * 2,
		Minutes: iv.Minutes * 2,
		Hours:   iv.Hours * 2,
		Days:    iv.Days * 2,
		Months:  iv.Months * 2,
		Years:   iv.Years * 2,
	}
}

// String renders iv in the same grammar Parse accepts, largest unit first.
func (iv Interval) String() string {
	if iv.IsZero() {
		return "0s"
	}
	parts := make([]string, 0, 6)
	add := func(n int, unit string) {
		if n != 0 {
			parts = append(parts, strconv.Itoa(n)+unit)
		}
	}
	add(iv.Years, "y")
	add(iv.Months, "mo")
	add(iv.Days, "d")
	add(iv.Hours, "h")
	add(iv.Minutes, "m")
	add(iv.Seconds, "s")
	return strings.Join(parts, " ")
}

// IsLeapYear reports whether year is divisible by 4 and not by 100, or divisible by 400.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// DaysIn returns the number of days in month m of year.
func DaysIn(year int, m time.Month) int {
	if m == time.February && IsLeapYear(year) {
		return 29
	}
	return monthDays[m-1]
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
