package code

// HTTP status codes.
const (
	// StatusOK - 200.
	StatusOK = 200
	// StatusBadRequest - 400: bad parameters.
	StatusBadRequest = 400
	// StatusNotFound - 404: resource does not exist.
	StatusNotFound = 404
	// StatusTooManyRequests - 429: rate limited.
	StatusTooManyRequests = 429
	// StatusInternalServerError - 500.
	StatusInternalServerError = 500
	// StatusServiceUnavailable - 503: a dependency is down.
	StatusServiceUnavailable = 503
)

// Generic codes (100xxx).
const (
	// ErrSuccess - 200: success.
	ErrSuccess int = iota + 100000
	// ErrUnknown - 500: unknown error.
	ErrUnknown
	// ErrBind - 400: request body could not be bound.
	ErrBind
	// ErrValidation - 400: request parameters failed validation.
	ErrValidation
	// ErrTooManyRequests - 429: too many requests.
	ErrTooManyRequests
)

// Cat and schedule codes (101xxx).
const (
	// ErrCatNotFound - 404: cat does not exist.
	ErrCatNotFound int = iota + 101000
	// ErrScheduleNotFound - 404: schedule does not exist.
	ErrScheduleNotFound
	// ErrInvalidTimeOfDay - 400: time is not HH:MM.
	ErrInvalidTimeOfDay
	// ErrInvalidAmount - 400: amount must be positive.
	ErrInvalidAmount
	// ErrNoSchedules - 404: the cat has no schedules.
	ErrNoSchedules
	// ErrToggleFailed - 500: schedules could not be switched.
	ErrToggleFailed
)

// Device codes (102xxx).
const (
	// ErrDeviceOffline - 503: broker link is down.
	ErrDeviceOffline int = iota + 102000
	// ErrCommandFailed - 500: the command could not be published.
	ErrCommandFailed
	// ErrWeightNotFound - 404: the device has not reported a weight.
	ErrWeightNotFound
)

// Database codes (105xxx).
const (
	// ErrDatabase - 500: database error.
	ErrDatabase int = iota + 105000
	// ErrConnectionFailed - 503: database unreachable.
	ErrConnectionFailed
)
