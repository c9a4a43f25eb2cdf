package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression for the sweep schedule and
// returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextSweep returns the next sweep time from a base time, for status output.
func NextSweep(schedule cron.Schedule, base time.Time) time.Time {
	return schedule.Next(base)
}
