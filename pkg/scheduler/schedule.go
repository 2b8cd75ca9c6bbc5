package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// five years of minutes
const maxCronSearchMinutes = 5 * 366 * 24 * 60

var scheduleDescriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

type schedule interface {
	// next returns the first activation strictly after now, in now's location.
	next(now time.Time) (time.Time, bool)
}

func parseSchedule(spec string) (schedule, error) {
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return nil, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return everySchedule(interval), nil
	}
	if expr, ok := scheduleDescriptors[strings.ToLower(spec)]; ok {
		spec = expr
	}

	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", spec))
	}
	return parseCron(fields)
}

type everySchedule time.Duration

func (s everySchedule) next(now time.Time) (time.Time, bool) {
	return now.Add(time.Duration(s)), true
}

// cronField is a bitset of the values a field accepts.
type cronField uint64

func (f cronField) has(v int) bool { return f&(1<<uint(v)) != 0 }

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
	// day-of-month and day-of-week are OR-ed unless one of them is "*"
	domAny, dowAny bool
}

type cronBounds struct {
	name     string
	min, max int
}

var cronFields = [5]cronBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parseCron(fields []string) (*cronSchedule, error) {
	var parsed [5]cronField
	for i, raw := range fields {
		f, err := parseCronField(raw, cronFields[i])
		if err != nil {
			return nil, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("invalid %s field %q", cronFields[i].name, raw)), err)
		}
		parsed[i] = f
	}
	// 7 is an alias for Sunday
	if parsed[4].has(7) {
		parsed[4] = parsed[4]&^(1<<7) | 1
	}
	return &cronSchedule{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
		domAny: strings.TrimSpace(fields[2]) == "*",
		dowAny: strings.TrimSpace(fields[4]) == "*",
	}, nil
}

func parseCronField(raw string, b cronBounds) (cronField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, schedulerError(ErrValidation, "empty field")
	}
	var field cronField
	for _, part := range strings.Split(raw, ",") {
		bits, err := parseCronRange(strings.TrimSpace(part), b)
		if err != nil {
			return 0, err
		}
		field |= bits
	}
	return field, nil
}

// parseCronRange handles "*", "n", "a-b" and any of those followed by "/step".
func parseCronRange(part string, b cronBounds) (cronField, error) {
	if part == "" {
		return 0, schedulerError(ErrValidation, "empty segment")
	}
	base, stepRaw, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(strings.TrimSpace(stepRaw))
		if err != nil || n <= 0 {
			return 0, schedulerError(ErrValidation, fmt.Sprintf("invalid step value %q", stepRaw))
		}
		step = n
	}

	lo, hi := b.min, b.max
	switch base = strings.TrimSpace(base); {
	case base == "*" || base == "":
	case strings.Contains(base, "-"):
		startRaw, endRaw, _ := strings.Cut(base, "-")
		start, err := strconv.Atoi(strings.TrimSpace(startRaw))
		if err != nil {
			return 0, schedulerError(ErrValidation, fmt.Sprintf("invalid range start %q", startRaw))
		}
		end, err := strconv.Atoi(strings.TrimSpace(endRaw))
		if err != nil {
			return 0, schedulerError(ErrValidation, fmt.Sprintf("invalid range end %q", endRaw))
		}
		lo, hi = start, end
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return 0, schedulerError(ErrValidation, fmt.Sprintf("invalid value %q", base))
		}
		lo, hi = v, v
		if hasStep {
			hi = b.max
		}
	}

	if lo < b.min || lo > b.max || hi < b.min || hi > b.max {
		return 0, schedulerError(ErrValidation, fmt.Sprintf("value out of range [%d,%d] in %q", b.min, b.max, part))
	}
	if hi < lo {
		return 0, schedulerError(ErrValidation, fmt.Sprintf("invalid range %d-%d", lo, hi))
	}

	var bits cronField
	for v := lo; v <= hi; v += step {
		bits |= 1 << uint(v)
	}
	return bits, nil
}

func (s *cronSchedule) next(now time.Time) (time.Time, bool) {
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronSearchMinutes; i++ {
		if s.matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}

func (s *cronSchedule) matches(t time.Time) bool {
	if !s.minute.has(t.Minute()) || !s.hour.has(t.Hour()) || !s.month.has(int(t.Month())) {
		return false
	}
	domMatch := s.dom.has(t.Day())
	dowMatch := s.dow.has(int(t.Weekday()))
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dowMatch
	case s.dowAny:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}
