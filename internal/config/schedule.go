package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Schedule is a set of daily run times in one location.
type Schedule struct {
	times []clock
	loc   *time.Location
}

type clock struct {
	hour, minute int
}

// ParseSchedule parses comma-separated "HH:MM" times, e.g. "07:30,19:00".
func ParseSchedule(spec string, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Schedule{loc: loc}
	seen := make(map[clock]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := time.Parse("15:04", part)
		if err != nil {
			return nil, fmt.Errorf("invalid time %q (want HH:MM)", part)
		}
		c := clock{t.Hour(), t.Minute()}
		if !seen[c] {
			seen[c] = true
			s.times = append(s.times, c)
		}
	}
	if len(s.times) == 0 {
		return nil, fmt.Errorf("no run times in %q", spec)
	}
	sort.Slice(s.times, func(i, j int) bool {
		a, b := s.times[i], s.times[j]
		return a.hour < b.hour || a.hour == b.hour && a.minute < b.minute
	})
	return s, nil
}

// Next returns the first scheduled time strictly after after.
func (s *Schedule) Next(after time.Time) time.Time {
	t := after.In(s.loc)
	for day := 0; day < 2; day++ {
		y, m, d := t.AddDate(0, 0, day).Date()
		for _, c := range s.times {
			at := time.Date(y, m, d, c.hour, c.minute, 0, 0, s.loc)
			if at.After(after) {
				return at
			}
		}
	}
	return t.Add(24 * time.Hour)
}

// Location returns the schedule's time zone.
func (s *Schedule) Location() *time.Location { return s.loc }

func (s *Schedule) String() string {
	parts := make([]string, len(s.times))
	for i, c := range s.times {
		parts[i] = fmt.Sprintf("%02d:%02d", c.hour, c.minute)
	}
	return strings.Join(parts, ",")
}
