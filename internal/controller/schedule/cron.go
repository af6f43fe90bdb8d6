package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

// Five fields, an optional leading seconds field, or a descriptor such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron returns an InvalidArgument error if expression can't be parsed.
func ParseCron(expression string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, lgerrors.ErrInvalidArgument("cronExpression", expression, err.Error())
	}
	return schedule, nil
}

// NextRun returns the first time after after at which expression fires, evaluated in local time.
func NextRun(expression string, after time.Time) (time.Time, error) {
	schedule, err := ParseCron(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after.In(time.Local)), nil
}
