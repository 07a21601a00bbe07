package services

import "errors"

var (
	ErrCatNotFound      = errors.New("cat not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrNoSchedules      = errors.New("no schedules found for cat")
	ErrLinkDown         = errors.New("mqtt service not connected")
	ErrCommandFailed    = errors.New("device command was not published")
	ErrInvalidTimeOfDay = errors.New("time must be HH:MM (24-hour)")
	ErrInvalidAmount    = errors.New("amount must be positive")
)

// ErrMalformedTelemetry marks device messages that cannot be interpreted.
var ErrMalformedTelemetry = errors.New("malformed telemetry")

// ErrWeightNotFound is returned when a device has not reported a weight yet.
var ErrWeightNotFound = errors.New("no weight reported for device")
