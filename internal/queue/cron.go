package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron with an optional leading seconds field and
// @descriptors (@daily, @every 1h, ...).
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidTimeZone reports whether tz names a loadable IANA timezone. The
// empty string is valid and means "use the configured default".
func ValidTimeZone(tz string) bool {
	if tz == "" {
		return true
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// nextCronOccurrence evaluates expr after from. The rule's timezone wins
// when it loads; otherwise loc, then server-local time.
func nextCronOccurrence(expr string, from time.Time, tz string, loc *time.Location) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidRecurrence, expr, err)
	}
	eval := loc
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			eval = l
		}
	}
	if eval == nil {
		eval = time.Local
	}
	next := sched.Next(from.In(eval))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q yields no future occurrence", ErrInvalidRecurrence, expr)
	}
	return next, nil
}
