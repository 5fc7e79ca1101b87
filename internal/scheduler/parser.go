package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser parses cron expressions without running robfig's scheduler;
// the scheduler loop owns timing so state survives restarts.
type CronParser struct {
	parser cron.Parser
}

// NewCronParser creates a parser for standard 5-field cron with descriptors
// such as @daily and @every 10m.
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// NextRun returns the first activation of expression after after.
func (p *CronParser) NextRun(expression string, after time.Time) (time.Time, error) {
	schedule, err := p.parser.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
