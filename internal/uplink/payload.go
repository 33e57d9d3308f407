package uplink

import (
	"encoding/json"
	"fmt"
	"time"

	"spokesense/uplink/internal/model"
)

// wireReading is the collector's JSON schema. Optional fields are omitted
// entirely rather than sent as null.
type wireReading struct {
	DeviceID       string   `json:"device_id"`
	Timestamp      string   `json:"timestamp"`
	Speed          float64  `json:"speed"`
	PulseCount     uint64   `json:"pulse_count"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	BatteryLevel   *int     `json:"battery_level,omitempty"`
	SignalStrength *int     `json:"signal_strength,omitempty"`
}

// EncodePayload serializes a reading into the collector's wire format.
// Timestamps are normalized to UTC RFC 3339 so the collector never has to
// reason about device-local offsets.
func EncodePayload(r model.Reading) ([]byte, error) {
	w := wireReading{
		DeviceID:       r.DeviceID,
		Timestamp:      r.CapturedAt.UTC().Format(time.RFC3339),
		Speed:          r.SpeedKPH,
		PulseCount:     r.PulseCount,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		BatteryLevel:   r.BatteryPct,
		SignalStrength: r.SignalDBM,
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode reading payload: %w", err)
	}
	return data, nil
}
