package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
)

// Schedule says when a periodic control-loop task is next due.
type Schedule struct {
	Kind     Kind          `json:"kind"`
	Interval time.Duration `json:"interval,omitempty"`
	CronExpr string        `json:"cron_expr,omitempty"`
}

// Parse accepts a Go duration ("30s"), an "@every <duration>" form, or a
// cron expression understood by gronx (including @hourly style macros).
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		return parseInterval(strings.TrimSpace(rest))
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return Every(d)
	}

	if !gronx.New().IsValid(raw) {
		return Schedule{}, fmt.Errorf("invalid schedule: not a duration or cron expression: %s", raw)
	}
	return Schedule{Kind: KindCron, CronExpr: raw}, nil
}

func MustParse(raw string) Schedule {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Every returns an interval schedule.
func Every(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be positive, got %v", d)
	}
	return Schedule{Kind: KindInterval, Interval: d}, nil
}

func parseInterval(raw string) (Schedule, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", raw, err)
	}
	return Every(d)
}

// Next returns the first due time strictly after after.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		return after.Add(s.Interval), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick for %q: %w", s.CronExpr, err)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// String returns a human-readable description.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		case d%time.Second == 0:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		default:
			return "Every " + d.String()
		}
	default:
		return string(s.Kind)
	}
}
