// Package cron implements the scheduled-run engine: persisted jobs, the
// 60-second tick loop with jittered dispatch, per-run records, completion
// forwarding back to the originating session, and the heartbeat subsystem.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ScheduleError reports an unparseable cron expression or timezone.
type ScheduleError struct {
	Reason string
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule: %s", e.Reason)
}

var gron = gronx.New()

// ValidateSchedule checks a standard 5-field cron expression.
func ValidateSchedule(expr string) error {
	if !gron.IsValid(expr) {
		return &ScheduleError{Reason: fmt.Sprintf("unparseable expression %q", expr)}
	}
	return nil
}

// NextRunMs returns the earliest instant strictly after afterMs that matches
// expr interpreted in the named IANA timezone. An empty tz means UTC.
func NextRunMs(expr, tz string, afterMs int64) (int64, error) {
	if err := ValidateSchedule(expr); err != nil {
		return 0, err
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, &ScheduleError{Reason: fmt.Sprintf("unknown timezone %q", tz)}
	}
	ref := time.UnixMilli(afterMs).In(loc)
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return 0, &ScheduleError{Reason: err.Error()}
	}
	return next.UnixMilli(), nil
}
