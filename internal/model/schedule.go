package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the five standard fields and descriptors like @hourly
// or @every 5m, the same dialect gocron schedules with.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a schedule and returns the gap between its next two
// activations.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, err
	}
	first := sched.Next(time.Now())
	return sched.Next(first).Sub(first), nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses PnDTnHnMnS. Years, months and weeks have no fixed
// length and are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}
	date, clock, hasClock := strings.Cut(rest, "T")
	if hasClock && clock == "" {
		return 0, fmt.Errorf("%w: %q has an empty time part", ErrISOFormat, s)
	}

	days, err := designators(date, "D")
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrISOFormat, s, err)
	}
	hms, err := designators(clock, "HMS")
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrISOFormat, s, err)
	}
	return days + hms, nil
}

var designatorUnits = map[byte]time.Duration{
	'D': 24 * time.Hour,
	'H': time.Hour,
	'M': time.Minute,
	'S': time.Second,
}

// designators sums number and unit pairs, units appear at most once and in
// the order given by units.
func designators(s, units string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		end := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if end <= 0 {
			return 0, fmt.Errorf("expected a number followed by one of %s", units)
		}
		at := strings.IndexByte(units, s[end])
		if at < 0 {
			return 0, fmt.Errorf("unexpected designator %c", s[end])
		}
		n, err := strconv.ParseFloat(strings.Replace(s[:end], ",", ".", 1), 64)
		if err != nil {
			return 0, err
		}
		total += time.Duration(n * float64(designatorUnits[units[at]]))
		units = units[at+1:]
		s = s[end+1:]
	}
	return total, nil
}
