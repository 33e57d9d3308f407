package model

import "time"

// DeliveryStatus tracks where a queued reading sits in its delivery lifecycle.
type DeliveryStatus string

const (
	// StatusPending marks a reading that still awaits delivery.
	StatusPending DeliveryStatus = "pending"
	// StatusDelivered marks a reading acknowledged by the collector. Terminal.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusAbandoned marks a reading that exhausted its delivery attempts. Terminal.
	StatusAbandoned DeliveryStatus = "abandoned"
)

// Reading captures a single speed observation at the end of a sampling window.
// A Reading is immutable once created; only its delivery status changes.
type Reading struct {
	CapturedAt time.Time `json:"captured_at"`
	DeviceID   string    `json:"device_id"`
	SpeedKPH   float64   `json:"speed_kph"`
	PulseCount uint64    `json:"pulse_count"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	BatteryPct *int      `json:"battery_pct,omitempty"`
	SignalDBM  *int      `json:"signal_dbm,omitempty"`
}

// Entry extends a Reading with the delivery metadata owned by the queue.
type Entry struct {
	ID            int64          `json:"id"`
	Reading       Reading        `json:"reading"`
	Status        DeliveryStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
