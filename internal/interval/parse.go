package interval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Unit identifies which Interval component a token writes.
type Unit int

const (
	UnitSeconds Unit = iota
	UnitMinutes
	UnitHours
	UnitDays
	UnitWeeks
	UnitMonths
	UnitYears
)

func (u Unit) String() string {
	switch u {
	case UnitSeconds:
		return "seconds"
	case UnitMinutes:
		return "minutes"
	case UnitHours:
		return "hours"
	case UnitDays:
		return "days"
	case UnitWeeks:
		return "weeks"
	case UnitMonths:
		return "months"
	case UnitYears:
		return "years"
	default:
		return "unit(" + strconv.Itoa(int(u)) + ")"
	}
}

// maxMagnitude bounds a single token so the integer conversion stays well defined.
const maxMagnitude = 1e9

var ErrSyntax = errors.New("interval: syntax error")

// ParseError points at the offending byte offset of the interval text.
type ParseError struct {
	Offset int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("interval: %s at offset %d (%q)", e.Reason, e.Offset, e.Text)
}

func (e *ParseError) Unwrap() error { return ErrSyntax }

// Token is one number+unit pair.
//
// Value keeps the decimal magnitude as written; Magnitude is Value truncated
// toward zero, which is what ends up in the Interval ("1.5 hours" is 1 hour).
type Token struct {
	Value     float64
	Magnitude int
	Unit      Unit
	Offset    int
	Text      string
}

// Set writes the token into iv. Repeating a unit overwrites, it does not accumulate.
// Weeks are stored as days.
func (t Token) Set(iv Interval) Interval {
	switch t.Unit {
	case UnitSeconds:
		iv.Seconds = t.Magnitude
	case UnitMinutes:
		iv.Minutes = t.Magnitude
	case UnitHours:
		iv.Hours = t.Magnitude
	case UnitDays:
		iv.Days = t.Magnitude
	case UnitWeeks:
		iv.Days = t.Magnitude * 7
	case UnitMonths:
		iv.Months = t.Magnitude
	case UnitYears:
		iv.Years = t.Magnitude
	}
	return iv
}

type scanState int

const (
	seekNumber scanState = iota
	finishNumber
	seekUnit
)

// Scanner yields tokens lazily from interval text:
//
//	sc := interval.NewScanner("10 minutes, 2 hours")
//	for sc.Next() {
//		iv = sc.Token().Set(iv)
//	}
//	if err := sc.Err(); err != nil { ... }
//
// A trailing number without a unit ends the scan without a token and without an error.
type Scanner struct {
	src   string
	pos   int
	state scanState

	numStart int
	gotDot   bool
	value    float64

	tok Token
	err error
}

func NewScanner(s string) *Scanner {
	return &Scanner{src: s}
}

func (sc *Scanner) Token() Token { return sc.tok }

func (sc *Scanner) Err() error { return sc.err }

func (sc *Scanner) Next() bool {
	for sc.err == nil {
		switch sc.state {
		case seekNumber:
			if sc.pos >= len(sc.src) {
				return false
			}
			c := sc.src[sc.pos]
			if isDigit(c) || c == '.' {
				sc.numStart = sc.pos
				sc.gotDot = c == '.'
				sc.state = finishNumber
			}
			// separators and filler words ("every") are skipped
			sc.pos++

		case finishNumber:
			if sc.pos < len(sc.src) {
				c := sc.src[sc.pos]
				if isDigit(c) {
					sc.pos++
					continue
				}
				if c == '.' && !sc.gotDot {
					sc.gotDot = true
					sc.pos++
					continue
				}
			}
			text := sc.src[sc.numStart:sc.pos]
			if text == "." {
				// a stray period ("every 3 hours.") reads as zero, not as a bad number
				text = "0"
			}
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				sc.err = &ParseError{Offset: sc.numStart, Text: text, Reason: "malformed number"}
				return false
			}
			if v > maxMagnitude {
				sc.err = &ParseError{Offset: sc.numStart, Text: text, Reason: "magnitude too large"}
				return false
			}
			sc.value = v
			sc.state = seekUnit

		case seekUnit:
			if sc.pos >= len(sc.src) {
				return false
			}
			c := sc.src[sc.pos]
			if unimportant(c) {
				sc.pos++
				continue
			}
			if !isLetter(c) {
				sc.err = &ParseError{Offset: sc.pos, Text: sc.src[sc.pos:], Reason: "expected a unit"}
				return false
			}
			start := sc.pos
			for sc.pos < len(sc.src) && isLetter(sc.src[sc.pos]) {
				sc.pos++
			}
			word := sc.src[start:sc.pos]
			unit, ok := lookupUnit(word)
			if !ok {
				sc.err = &ParseError{Offset: start, Text: word, Reason: "unknown unit"}
				return false
			}
			sc.tok = Token{
				Value:     sc.value,
				Magnitude: int(math.Trunc(sc.value)),
				Unit:      unit,
				Offset:    sc.numStart,
				Text:      sc.src[sc.numStart:sc.pos],
			}
			sc.state = seekNumber
			return true
		}
	}
	return false
}

// Parse converts text such as "10 minutes, 2 hours, 3y" into an Interval.
// On error the returned Interval is zero.
func Parse(s string) (Interval, error) {
	var iv Interval
	sc := NewScanner(s)
	for sc.Next() {
		iv = sc.Token().Set(iv)
	}
	if err := sc.Err(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Interval {
	iv, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// Single letters never take a plural "s": "ms" is not "m" + "s".
var unitWords = map[string]Unit{
	"s": UnitSeconds, "sec": UnitSeconds, "second": UnitSeconds,
	"m": UnitMinutes, "min": UnitMinutes, "minute": UnitMinutes,
	"mo": UnitMonths, "mon": UnitMonths, "month": UnitMonths,
	"h": UnitHours, "hr": UnitHours, "hour": UnitHours,
	"d": UnitDays, "day": UnitDays,
	"w": UnitWeeks, "wk": UnitWeeks, "week": UnitWeeks,
	"y": UnitYears, "yr": UnitYears, "year": UnitYears,
}

// lookupUnit resolves a whole letter run, so "m" is only minutes when no
// further letters follow ("mo", "mon", "months" are months).
func lookupUnit(word string) (Unit, bool) {
	w := strings.ToLower(word)
	if u, ok := unitWords[w]; ok {
		return u, true
	}
	if len(w) > 2 && strings.HasSuffix(w, "s") {
		if u, ok := unitWords[w[:len(w)-1]]; ok {
			return u, true
		}
	}
	return 0, false
}

func unimportant(c byte) bool {
	return c == ',' || c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
