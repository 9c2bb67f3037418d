package sensor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"appliancebridge/internal/appliance"
	"appliancebridge/internal/clock"
)

// ValueUnknown is the observable value for anything the classifiers cannot
// map. It is a valid reading, not an error.
const ValueUnknown = "unknown"

// Sensor keys shared by the façade, the host topics, and the store.
const (
	KeyState       = "state"
	KeyTank        = "tank"
	KeyEndTime     = "end_time"
	KeyTemperature = "current_temperature"
	KeyHumidity    = "current_humidity"
)

// Reading is one derived value pushed to the host layer.
type Reading struct {
	SAID      string    `json:"said"`
	Appliance string    `json:"appliance"`
	Sensor    string    `json:"sensor"`
	Value     string    `json:"value"`
	At        time.Time `json:"at"`
}

// Emitter pushes new observable values to the host layer.
type Emitter interface {
	Emit(ctx context.Context, r Reading) error
}

// Fanout delivers each reading to every emitter. A failing emitter is
// skipped; the reading still reaches the others.
type Fanout struct {
	emitters []Emitter
	logger   *zap.Logger
}

// NewFanout creates a fan-out emitter.
func NewFanout(logger *zap.Logger, emitters ...Emitter) *Fanout {
	return &Fanout{emitters: emitters, logger: logger.Named("emit")}
}

// Emit forwards r to every emitter.
func (f *Fanout) Emit(ctx context.Context, r Reading) error {
	for _, e := range f.emitters {
		if err := e.Emit(ctx, r); err != nil {
			f.logger.Warn("Emitter failed",
				zap.String("said", r.SAID),
				zap.String("sensor", r.Sensor),
				zap.Error(err))
		}
	}
	return nil
}

// ValueStore loads the last persisted value for one sensor identity. Used
// once per timestamp sensor, at creation.
type ValueStore interface {
	LoadLast(ctx context.Context, said, sensor string) (string, bool, error)
}

// ValueFunc derives a sensor value from the current attribute snapshot.
// ok is false when the value is unknown.
type ValueFunc func(src appliance.Source) (string, bool)

// Description describes one discrete or passthrough sensor.
type Description struct {
	Key     string
	Options []string
	Value   ValueFunc
}

// WasherDryerSensors are the push-driven washer/dryer sensors.
var WasherDryerSensors = []Description{
	{Key: KeyState, Options: StateOptions(), Value: WasherState},
	{Key: KeyTank, Options: TankOptions(), Value: TankLevel},
}

// AirconSensors are direct passthroughs with no derivation.
var AirconSensors = []Description{
	{Key: KeyTemperature, Value: CurrentTemperature},
	{Key: KeyHumidity, Value: CurrentHumidity},
}

// Status is the externally visible snapshot of one sensor.
type Status struct {
	SAID      string    `json:"said"`
	Appliance string    `json:"appliance"`
	Sensor    string    `json:"sensor"`
	Value     string    `json:"value"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// StatusReporter exposes a sensor's current value and availability.
type StatusReporter interface {
	Status() Status
}

// Projection wires one discrete or passthrough sensor to the host layer:
// on each notification it re-derives the value from the current snapshot
// and forwards it only when it differs from the last delivered value.
type Projection struct {
	src    appliance.Source
	desc   Description
	emit   Emitter
	clk    clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	sub       appliance.Subscription
	last      string
	hasLast   bool
	updatedAt time.Time
}

// NewProjection creates a projection for one sensor of one appliance.
func NewProjection(src appliance.Source, desc Description, emit Emitter, clk clock.Clock, logger *zap.Logger) *Projection {
	return &Projection{
		src:    src,
		desc:   desc,
		emit:   emit,
		clk:    clk,
		logger: logger.Named("sensor").With(zap.String("said", src.SAID()), zap.String("sensor", desc.Key)),
	}
}

// Attach subscribes to change notifications and delivers the initial value.
func (p *Projection) Attach() {
	p.mu.Lock()
	if p.sub == nil {
		p.sub = p.src.Subscribe(p.onChange)
	}
	p.mu.Unlock()

	p.onChange()
}

// Detach unsubscribes from the attribute source. Safe to call more than
// once; after it returns no further callbacks reach this projection.
func (p *Projection) Detach() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Available reports whether the appliance is online. Cached values are kept
// while offline; only availability flips.
func (p *Projection) Available() bool {
	return p.src.Online()
}

// Status returns the current value and availability.
func (p *Projection) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := ValueUnknown
	if p.hasLast {
		value = p.last
	}
	return Status{
		SAID:      p.src.SAID(),
		Appliance: p.src.Name(),
		Sensor:    p.desc.Key,
		Value:     value,
		Available: p.src.Online(),
		UpdatedAt: p.updatedAt,
	}
}

// onChange re-derives the value and forwards it if it changed.
func (p *Projection) onChange() {
	value, ok := p.desc.Value(p.src)
	if !ok {
		value = ValueUnknown
	}

	p.mu.Lock()
	if p.hasLast && p.last == value {
		p.mu.Unlock()
		return
	}
	p.last = value
	p.hasLast = true
	now := p.clk.Now()
	p.updatedAt = now
	p.mu.Unlock()

	r := Reading{
		SAID:      p.src.SAID(),
		Appliance: p.src.Name(),
		Sensor:    p.desc.Key,
		Value:     value,
		At:        now,
	}
	if err := p.emit.Emit(context.Background(), r); err != nil {
		p.logger.Warn("Failed to emit reading", zap.Error(err))
	}
}
