// Package timerange handles the `timerange` facet: ISO 8601 style
// start/end pairs such as 1990/2000, 199001/P5Y or 20000101T000000/*.
package timerange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
)

var (
	dateRe     = regexp.MustCompile(`^\d{4}(\d{2}(\d{2}(T\d{2}(\d{2}(\d{2})?)?)?)?)?$`)
	durationRe = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)
	nonDigitRe = regexp.MustCompile(`[^0-9]`)
	// Dates in file names are delimited by '-', '_' or '_cat_' (CMIP3).
	fileDatesRe = regexp.MustCompile(`(?:^|[_-])(\d{4}(?:\d{2}){0,2}(?:T?\d{2}(?:\d{2}){0,2})?)(?:-|_|_cat_)(\d{4}(?:\d{2}){0,2}(?:T?\d{2}(?:\d{2}){0,2})?)(?:[_.-]|$)`)
	fileDateRe  = regexp.MustCompile(`(?:^|[_-])(\d{4}(?:\d{2}){0,2})(?:[_.-]|$)`)
)

// Split returns the two halves of a timerange.
func Split(tr string) (start, end string, err error) {
	parts := strings.Split(tr, "/")
	if len(parts) != 2 {
		return "", "", core.Configf("Invalid value encountered for `timerange`. Valid values must be separated by `/`. Got %d values instead.", len(parts))
	}
	return parts[0], parts[1], nil
}

// Validate checks a timerange value the way it may appear in a recipe.
// Wildcards are allowed on either side; durations on at most one.
func Validate(tr string) error {
	start, end, err := Split(tr)
	if err != nil {
		return err
	}
	if isDuration(start) && isDuration(end) {
		return core.Configf("Invalid value encountered for `timerange`. Cannot set both the beginning and the end as duration periods.")
	}
	for _, part := range []string{start, end} {
		if err := validatePart(part); err != nil {
			return err
		}
	}
	return nil
}

func validatePart(part string) error {
	switch {
	case part == "*":
		return nil
	case isDuration(part):
		if !durationRe.MatchString(part) || part == "P" || part == "PT" {
			return core.Configf("Invalid value encountered for `timerange`. %s is not valid duration according to ISO 8601.", part)
		}
		return nil
	case strings.Contains(part, "*"):
		return core.Configf("Invalid value encountered for `timerange`. Wildcard `*` must be used alone, got %s.", part)
	case !dateRe.MatchString(part):
		return core.Configf("Invalid value encountered for `timerange`. %s is not valid date according to ISO 8601.", part)
	}
	return nil
}

func isDuration(s string) bool { return strings.HasPrefix(s, "P") }

// FromDates joins start and end into a timerange, padding years to four
// digits. Wildcards and durations are left untouched.
func FromDates(start, end string) string {
	return pad(start) + "/" + pad(end)
}

// FromInts joins integer dates (as produced by Truncate) into a timerange.
func FromInts(start, end int64) string {
	return FromDates(strconv.FormatInt(start, 10), strconv.FormatInt(end, 10))
}

func pad(s string) string {
	if s == "*" || isDuration(s) {
		return s
	}
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

// Parse resolves a timerange into concrete start and end dates. When one
// side is a duration it is computed from the other side; the result then
// uses the basic complete date (YYYYMMDD) or date-time format.
func Parse(tr string) (start, end string, err error) {
	start, end, err = Split(tr)
	if err != nil {
		return "", "", err
	}
	switch {
	case isDuration(start):
		t, withTime, err := parseDate(end)
		if err != nil {
			return "", "", err
		}
		d, err := parseDuration(start)
		if err != nil {
			return "", "", err
		}
		return format(d.subtractFrom(t), withTime), format(t, withTime), nil
	case isDuration(end):
		t, withTime, err := parseDate(start)
		if err != nil {
			return "", "", err
		}
		d, err := parseDuration(end)
		if err != nil {
			return "", "", err
		}
		return format(t, withTime), format(d.addTo(t), withTime), nil
	}
	return start, end, nil
}

func format(t time.Time, withTime bool) string {
	if withTime {
		return t.Format(dateTimeLayout)
	}
	return t.Format(dateLayout)
}

// parseDate parses YYYY[MM[DD[THH[MM[SS]]]]] into a time.
func parseDate(s string) (time.Time, bool, error) {
	if !dateRe.MatchString(s) {
		return time.Time{}, false, core.Configf("Invalid value encountered for `timerange`. %s is not valid date according to ISO 8601.", s)
	}
	datePart, timePart, withTime := strings.Cut(s, "T")
	year, _ := strconv.Atoi(datePart[:4])
	month, day := 1, 1
	if len(datePart) >= 6 {
		month, _ = strconv.Atoi(datePart[4:6])
	}
	if len(datePart) >= 8 {
		day, _ = strconv.Atoi(datePart[6:8])
	}
	var hour, minute, sec int
	if withTime {
		timePart += strings.Repeat("0", 6-len(timePart))
		hour, _ = strconv.Atoi(timePart[0:2])
		minute, _ = strconv.Atoi(timePart[2:4])
		sec, _ = strconv.Atoi(timePart[4:6])
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), withTime, nil
}

type duration struct {
	years, months, days int
	clock               time.Duration
}

func parseDuration(s string) (duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return duration{}, core.Configf("Invalid value encountered for `timerange`. %s is not valid duration according to ISO 8601.", s)
	}
	n := func(i int) int {
		v, _ := strconv.Atoi(m[i])
		return v
	}
	return duration{
		years:  n(1),
		months: n(2),
		days:   n(3)*7 + n(4),
		clock:  time.Duration(n(5))*time.Hour + time.Duration(n(6))*time.Minute + time.Duration(n(7))*time.Second,
	}, nil
}

func (d duration) addTo(t time.Time) time.Time {
	return t.AddDate(d.years, d.months, d.days).Add(d.clock)
}

func (d duration) subtractFrom(t time.Time) time.Time {
	return t.AddDate(-d.years, -d.months, -d.days).Add(-d.clock)
}

// Truncate strips non-digits from both dates and truncates them to the
// precision of the shorter one so they can be compared as integers.
func Truncate(a, b string) (int64, int64) {
	a = nonDigitRe.ReplaceAllString(a, "")
	b = nonDigitRe.ReplaceAllString(b, "")
	if len(a) < len(b) {
		b = b[:len(a)]
	} else if len(a) > len(b) {
		a = a[:len(b)]
	}
	x, _ := strconv.ParseInt(a, 10, 64)
	y, _ := strconv.ParseInt(b, 10, 64)
	return x, y
}

// Years returns the start and end years of a timerange.
func Years(tr string) (int, int, error) {
	start, end, err := Parse(tr)
	if err != nil {
		return 0, 0, err
	}
	if len(start) < 4 || len(end) < 4 {
		return 0, 0, core.Configf("Invalid value encountered for `timerange`: %s", tr)
	}
	s, err := strconv.Atoi(start[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("start year of %s: %w", tr, err)
	}
	e, err := strconv.Atoi(end[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("end year of %s: %w", tr, err)
	}
	return s, e, nil
}

// ReplaceWildcards fills `*` in a timerange with the given bounds.
func ReplaceWildcards(tr, minDate, maxDate string) (string, error) {
	if tr == "*" {
		return minDate + "/" + maxDate, nil
	}
	start, end, err := Split(tr)
	if err != nil {
		return "", err
	}
	if start == "*" {
		start = minDate
	}
	if end == "*" {
		end = maxDate
	}
	return start + "/" + end, nil
}

// HasWildcard reports whether a timerange contains `*`.
func HasWildcard(tr string) bool { return strings.Contains(tr, "*") }

// FromFilename extracts the date range encoded in a data file name, e.g.
// tas_Amon_MODEL_historical_r1i1p1_185001-200512.nc. A file name carrying a
// single date yields that date for both start and end.
func FromFilename(name string) (start, end string, ok bool) {
	stem := strings.TrimSuffix(name, ".nc")
	if m := lastMatch(fileDatesRe, stem); m != nil {
		return m[1], m[2], true
	}
	if m := lastMatch(fileDateRe, stem); m != nil {
		return m[1], m[1], true
	}
	return "", "", false
}

func lastMatch(re *regexp.Regexp, s string) []string {
	all := re.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// Overlaps reports whether the file period [fileStart, fileEnd] intersects
// the requested timerange. Dates are compared at common precision.
func Overlaps(tr, fileStart, fileEnd string) (bool, error) {
	start, end, err := Parse(tr)
	if err != nil {
		return false, err
	}
	if start == "*" || end == "*" {
		return true, nil
	}
	s, fe := Truncate(start, fileEnd)
	if fe < s {
		return false, nil
	}
	e, fs := Truncate(end, fileStart)
	return fs <= e, nil
}
