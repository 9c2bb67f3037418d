package publish

import (
	"context"
	"sync"

	"appliancebridge/internal/sensor"
)

// FakePublisher records published readings for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Readings contains all readings that were published.
	Readings []sensor.Reading

	// Availability records the last announced availability per SAID.
	Availability map[string]bool

	// EmitError, if set, will be returned by Emit.
	EmitError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Availability: make(map[string]bool)}
}

// Emit records the reading.
func (f *FakePublisher) Emit(ctx context.Context, r sensor.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.EmitError != nil {
		return f.EmitError
	}
	f.Readings = append(f.Readings, r)
	return nil
}

// PublishAvailability records the availability announcement.
func (f *FakePublisher) PublishAvailability(said string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Availability[said] = online
	return nil
}

// LastAvailability returns the last announced availability for a SAID and
// whether anything was announced at all.
func (f *FakePublisher) LastAvailability(said string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	online, ok := f.Availability[said]
	return online, ok
}

// All returns a copy of the recorded readings.
func (f *FakePublisher) All() []sensor.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sensor.Reading(nil), f.Readings...)
}

// ForSensor returns the recorded readings for one sensor identity.
func (f *FakePublisher) ForSensor(said, sensorKey string) []sensor.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sensor.Reading
	for _, r := range f.Readings {
		if r.SAID == said && r.Sensor == sensorKey {
			out = append(out, r)
		}
	}
	return out
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
