package cron

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the instants of a cron expression in a fixed timezone.
type Schedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// ParseSchedule parses a five-field cron expression (plus @descriptors such
// as @daily) in the given timezone. An empty timezone means UTC.
func ParseSchedule(expr, timezone string) (*Schedule, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, errors.Join(ErrInvalidTimezone, err)
		}
	}

	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}

	return &Schedule{expr: expr, sched: sched, loc: loc}, nil
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// Location returns the schedule's timezone.
func (s *Schedule) Location() *time.Location { return s.loc }

// NextAfter returns the first instant strictly after t.
func (s *Schedule) NextAfter(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// Between returns up to limit instants strictly after start and at or
// before end, in order. limit <= 0 means unbounded.
func (s *Schedule) Between(start, end time.Time, limit int) []time.Time {
	var out []time.Time
	t := start
	for {
		t = s.NextAfter(t)
		if t.IsZero() || t.After(end) {
			return out
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			return out
		}
	}
}
