package sensor

import (
	"sync"

	"go.uber.org/zap"

	"appliancebridge/internal/appliance"
)

// AvailabilityPublisher announces an appliance going online or offline.
type AvailabilityPublisher interface {
	PublishAvailability(said string, online bool) error
}

// AvailabilityProjection forwards the attribute source's online flag to the
// host layer whenever it flips. One per appliance, not per sensor.
type AvailabilityProjection struct {
	src    appliance.Source
	pub    AvailabilityPublisher
	logger *zap.Logger

	mu      sync.Mutex
	sub     appliance.Subscription
	last    bool
	hasLast bool
}

// NewAvailabilityProjection creates the availability forwarder for one
// appliance.
func NewAvailabilityProjection(src appliance.Source, pub AvailabilityPublisher, logger *zap.Logger) *AvailabilityProjection {
	return &AvailabilityProjection{
		src:    src,
		pub:    pub,
		logger: logger.Named("availability").With(zap.String("said", src.SAID())),
	}
}

// Attach subscribes and announces the current availability.
func (p *AvailabilityProjection) Attach() {
	p.mu.Lock()
	if p.sub == nil {
		p.sub = p.src.Subscribe(p.onChange)
	}
	p.mu.Unlock()

	p.onChange()
}

// Detach unsubscribes. Safe to call more than once.
func (p *AvailabilityProjection) Detach() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (p *AvailabilityProjection) onChange() {
	online := p.src.Online()

	p.mu.Lock()
	if p.hasLast && p.last == online {
		p.mu.Unlock()
		return
	}
	p.last = online
	p.hasLast = true
	p.mu.Unlock()

	if err := p.pub.PublishAvailability(p.src.SAID(), online); err != nil {
		p.logger.Warn("Failed to publish availability", zap.Error(err))
	}
}
