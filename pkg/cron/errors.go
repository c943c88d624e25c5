package cron

import "errors"

var (
	ErrInvalidSchedule = errors.New("cron: invalid cron expression")
	ErrInvalidTimezone = errors.New("cron: unknown timezone")
	ErrDuplicateName   = errors.New("cron: a cron with this name is already registered")
	ErrHandlerTimeout  = errors.New("cron: handler exceeded timeout")
)
