// Package publish delivers sensor readings to the host observability layer
// over MQTT, with an abstraction for testing.
package publish

import (
	"encoding/json"
	"time"

	"appliancebridge/internal/sensor"
)

// DefaultTopicPrefix is used when the config leaves the prefix empty.
const DefaultTopicPrefix = "appliance"

// Payload is the retained MQTT message for one sensor reading.
type Payload struct {
	Value     string `json:"value"`
	Appliance string `json:"appliance"`
	Timestamp string `json:"timestamp"`
}

// FormatPayload creates the JSON payload for a reading.
func FormatPayload(r sensor.Reading) ([]byte, error) {
	return json.Marshal(Payload{
		Value:     r.Value,
		Appliance: r.Appliance,
		Timestamp: r.At.UTC().Format(time.RFC3339),
	})
}

// ReadingTopic returns the retained topic for one sensor.
func ReadingTopic(prefix, said, sensorKey string) string {
	return prefix + "/" + said + "/" + sensorKey
}

// AvailabilityTopic returns the availability topic for one appliance.
func AvailabilityTopic(prefix, said string) string {
	return prefix + "/" + said + "/availability"
}
