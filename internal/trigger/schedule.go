package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowquant/flowquant/internal/graph"
)

// schedule is the decoded config of a schedule trigger node.
type schedule struct {
	kind      string // once, interval, daily, weekly
	at        time.Time
	every     time.Duration
	timeOfDay int // minutes since midnight, daily/weekly
	days      map[time.Weekday]bool
}

func parseSchedule(node *graph.Node) (*schedule, error) {
	s := &schedule{kind: strings.ToLower(node.ConfigString("scheduleType"))}

	switch s.kind {
	case "once":
		raw := node.ConfigString("time")
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: bad absolute time %q: %w", node.ID, raw, err)
		}
		s.at = at

	case "interval":
		n, ok := node.ConfigNumber("interval")
		if !ok || n <= 0 {
			return nil, fmt.Errorf("schedule %s: interval must be a positive number", node.ID)
		}
		unit := strings.ToLower(node.ConfigString("unit"))
		switch unit {
		case "", "seconds", "second":
			s.every = time.Duration(n * float64(time.Second))
		case "minutes", "minute":
			s.every = time.Duration(n * float64(time.Minute))
		case "hours", "hour":
			s.every = time.Duration(n * float64(time.Hour))
		default:
			return nil, fmt.Errorf("schedule %s: unknown interval unit %q", node.ID, unit)
		}

	case "daily", "weekly":
		raw := node.ConfigString("time")
		t, err := time.Parse("15:04", raw)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: bad time-of-day %q: %w", node.ID, raw, err)
		}
		s.timeOfDay = t.Hour()*60 + t.Minute()
		if s.kind == "weekly" || node.Config["days"] != nil {
			days, _ := node.Config["days"].([]any)
			if s.kind == "weekly" && len(days) == 0 {
				return nil, fmt.Errorf("schedule %s: weekly schedule needs a days list", node.ID)
			}
			s.days = make(map[time.Weekday]bool)
			for _, d := range days {
				wd, err := parseWeekday(fmt.Sprintf("%v", d))
				if err != nil {
					return nil, fmt.Errorf("schedule %s: %w", node.ID, err)
				}
				s.days[wd] = true
			}
		}

	default:
		return nil, fmt.Errorf("schedule %s: unknown scheduleType %q", node.ID, s.kind)
	}
	return s, nil
}

// next returns the first fire time strictly after now, or the zero time
// when the schedule has no further fires (a spent "once").
func (s *schedule) next(now time.Time) time.Time {
	switch s.kind {
	case "once":
		if s.at.After(now) {
			return s.at
		}
		return time.Time{}

	case "interval":
		return now.Add(s.every)

	case "daily", "weekly":
		day := time.Date(now.Year(), now.Month(), now.Day(), s.timeOfDay/60, s.timeOfDay%60, 0, 0, now.Location())
		for i := 0; i < 8; i++ {
			candidate := day.AddDate(0, 0, i)
			if !candidate.After(now) {
				continue
			}
			if s.days == nil || s.days[candidate.Weekday()] {
				return candidate
			}
		}
		return time.Time{}
	}
	return time.Time{}
}

func parseWeekday(s string) (time.Weekday, error) {
	names := map[string]time.Weekday{
		"sunday": time.Sunday, "sun": time.Sunday,
		"monday": time.Monday, "mon": time.Monday,
		"tuesday": time.Tuesday, "tue": time.Tuesday,
		"wednesday": time.Wednesday, "wed": time.Wednesday,
		"thursday": time.Thursday, "thu": time.Thursday,
		"friday": time.Friday, "fri": time.Friday,
		"saturday": time.Saturday, "sat": time.Saturday,
	}
	if wd, ok := names[strings.ToLower(strings.TrimSpace(s))]; ok {
		return wd, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
