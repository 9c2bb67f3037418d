package sensor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"appliancebridge/internal/appliance"
	"appliancebridge/internal/clock"
)

// fetchTimeout bounds one polled refresh of the attribute snapshot.
const fetchTimeout = 10 * time.Second

// CompletionProjection is the cycle end-time sensor. Unlike the discrete
// sensors it is stateful: it owns the estimator record, restores the last
// emitted timestamp from the store at attach time, and polls the cloud for
// fresh data on a fixed cadence.
type CompletionProjection struct {
	src    appliance.Source
	emit   Emitter
	store  ValueStore
	clk    clock.Clock
	logger *zap.Logger

	pollInterval time.Duration

	mu        sync.Mutex
	est       *Estimator
	sub       appliance.Subscription
	pollTimer clock.Timer
	updatedAt time.Time
}

// NewCompletionProjection creates the end-time sensor for one washer/dryer.
// A nil store skips restoration; pollInterval <= 0 disables polling.
func NewCompletionProjection(src appliance.Source, emit Emitter, store ValueStore, clk clock.Clock, pollInterval time.Duration, logger *zap.Logger) *CompletionProjection {
	return &CompletionProjection{
		src:          src,
		emit:         emit,
		store:        store,
		clk:          clk,
		pollInterval: pollInterval,
		est:          NewEstimator(src),
		logger:       logger.Named("sensor").With(zap.String("said", src.SAID()), zap.String("sensor", KeyEndTime)),
	}
}

// Attach restores the persisted timestamp, subscribes to change
// notifications, and starts the poll cadence. The restored value becomes the
// current value without synthesizing a notification.
func (p *CompletionProjection) Attach(ctx context.Context) {
	p.restore(ctx)

	p.mu.Lock()
	if p.sub == nil {
		p.sub = p.src.Subscribe(p.onChange)
	}
	if p.pollInterval > 0 && p.pollTimer == nil {
		p.pollTimer = p.clk.AfterFunc(p.pollInterval, p.poll)
	}
	p.mu.Unlock()

	// Derive once so a cycle already in progress is picked up immediately.
	p.onChange()
}

// Detach stops polling and unsubscribes. No callbacks run after it returns.
func (p *CompletionProjection) Detach() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	timer := p.pollTimer
	p.pollTimer = nil
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Available reports whether the appliance is online.
func (p *CompletionProjection) Available() bool {
	return p.src.Online()
}

// Current returns the current completion estimate; ok is false when there
// has been neither a restored nor an emitted value.
func (p *CompletionProjection) Current() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.est.Last()
}

// Status returns the current value and availability.
func (p *CompletionProjection) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := ValueUnknown
	if t, ok := p.est.Last(); ok {
		value = t.UTC().Format(time.RFC3339)
	}
	return Status{
		SAID:      p.src.SAID(),
		Appliance: p.src.Name(),
		Sensor:    KeyEndTime,
		Value:     value,
		Available: p.src.Online(),
		UpdatedAt: p.updatedAt,
	}
}

// restore seeds the estimator from the last persisted value, once, before
// any live notification is processed.
func (p *CompletionProjection) restore(ctx context.Context) {
	if p.store == nil {
		return
	}

	value, ok, err := p.store.LoadLast(ctx, p.src.SAID(), KeyEndTime)
	if err != nil {
		p.logger.Warn("Failed to load persisted end time", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		p.logger.Warn("Discarding unparseable persisted end time", zap.String("value", value))
		return
	}

	p.mu.Lock()
	p.est.Seed(t)
	p.mu.Unlock()

	p.logger.Info("Restored end time", zap.Time("end_time", t))
}

// onChange runs the estimator against the current snapshot and emits when
// the estimate moved enough to matter.
func (p *CompletionProjection) onChange() {
	now := p.clk.Now()

	p.mu.Lock()
	t, ok := p.est.Update(now)
	if ok {
		p.updatedAt = now
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	r := Reading{
		SAID:      p.src.SAID(),
		Appliance: p.src.Name(),
		Sensor:    KeyEndTime,
		Value:     t.UTC().Format(time.RFC3339),
		At:        now,
	}
	if err := p.emit.Emit(context.Background(), r); err != nil {
		p.logger.Warn("Failed to emit end time", zap.Error(err))
	}
}

// poll refreshes the attribute snapshot and reschedules itself. The refresh
// itself triggers a change notification, which drives the estimator.
func (p *CompletionProjection) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	if err := p.src.FetchData(ctx); err != nil {
		p.logger.Debug("Poll fetch failed", zap.Error(err))
	}
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollTimer != nil {
		p.pollTimer = p.clk.AfterFunc(p.pollInterval, p.poll)
	}
}
