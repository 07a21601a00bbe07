package models

import "time"

// DeviceWeightSample is the latest bowl weight a device reported.
type DeviceWeightSample struct {
	DeviceID  string    `json:"deviceId"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}
