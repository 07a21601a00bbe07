package code

var codeMessageMap = map[int]string{
	// Generic
	ErrSuccess:         "success",
	ErrUnknown:         "unknown error",
	ErrBind:            "invalid request body",
	ErrValidation:      "invalid request parameters",
	ErrTooManyRequests: "too many requests",

	// Cats and schedules
	ErrCatNotFound:      "cat not found",
	ErrScheduleNotFound: "schedule not found",
	ErrInvalidTimeOfDay: "time must be HH:MM (00:00-23:59)",
	ErrInvalidAmount:    "amount must be a positive integer",
	ErrNoSchedules:      "no schedules found for this cat",
	ErrToggleFailed:     "failed to update schedules",

	// Devices
	ErrDeviceOffline:  "MQTT service not connected",
	ErrCommandFailed:  "failed to send command to device",
	ErrWeightNotFound: "no weight reported by this device",

	// Database
	ErrDatabase:         "database error",
	ErrConnectionFailed: "database unavailable",
}

var codeStatusMap = map[int]int{
	// Generic
	ErrSuccess:         StatusOK,
	ErrUnknown:         StatusInternalServerError,
	ErrBind:            StatusBadRequest,
	ErrValidation:      StatusBadRequest,
	ErrTooManyRequests: StatusTooManyRequests,

	// Cats and schedules
	ErrCatNotFound:      StatusNotFound,
	ErrScheduleNotFound: StatusNotFound,
	ErrInvalidTimeOfDay: StatusBadRequest,
	ErrInvalidAmount:    StatusBadRequest,
	ErrNoSchedules:      StatusNotFound,
	ErrToggleFailed:     StatusInternalServerError,

	// Devices
	ErrDeviceOffline:  StatusServiceUnavailable,
	ErrCommandFailed:  StatusInternalServerError,
	ErrWeightNotFound: StatusNotFound,

	// Database
	ErrDatabase:         StatusInternalServerError,
	ErrConnectionFailed: StatusServiceUnavailable,
}

// GetMessage returns the default message for a code.
func GetMessage(code int) string {
	if msg, ok := codeMessageMap[code]; ok {
		return msg
	}
	return "unknown error"
}

// GetStatus returns the HTTP status for a code.
func GetStatus(code int) int {
	if status, ok := codeStatusMap[code]; ok {
		return status
	}
	return StatusInternalServerError
}
