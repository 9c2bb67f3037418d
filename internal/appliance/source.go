package appliance

import (
	"context"
	"sync"
)

// Source is the narrow per-appliance capability the projection core depends
// on: point attribute reads, the machine state, the online flag, and the
// subscribe/unsubscribe pair. Nothing else about the cloud connection leaks
// through it.
type Source interface {
	// SAID returns the appliance's cloud identifier.
	SAID() string

	// Name returns the configured human name (e.g. "washer", "dryer").
	Name() string

	// GetAttribute returns the latest raw value for key. A missing key is
	// reported as absent, never as an error.
	GetAttribute(key string) (string, bool)

	// MachineState reads and parses the machine-state attribute.
	MachineState() MachineState

	// Online reports whether the appliance is currently reachable.
	Online() bool

	// Subscribe registers fn to be invoked whenever any attribute may have
	// changed. Callbacks for one appliance are delivered sequentially.
	Subscribe(fn func()) Subscription

	// FetchData asks the cloud for a fresh attribute snapshot. Only polling
	// sensors call this; push-driven sensors never do.
	FetchData(ctx context.Context) error
}

// subscriberEntry holds a callback with its unique subscription ID.
type subscriberEntry struct {
	subID int
	fn    func()
}

// Appliance holds the latest raw attribute values for one appliance and
// fans change notifications out to subscribed sensors. It implements Source.
type Appliance struct {
	said string
	name string

	client *Client

	mu          sync.RWMutex
	attrs       map[string]string
	online      bool
	subscribers []subscriberEntry
	nextSubID   int
}

func newAppliance(said, name string, client *Client) *Appliance {
	return &Appliance{
		said:   said,
		name:   name,
		client: client,
		attrs:  make(map[string]string),
	}
}

// SAID returns the appliance's cloud identifier.
func (a *Appliance) SAID() string { return a.said }

// Name returns the configured human name.
func (a *Appliance) Name() string { return a.name }

// GetAttribute returns the latest raw value for key.
func (a *Appliance) GetAttribute(key string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.attrs[key]
	return v, ok
}

// MachineState reads and parses the machine-state attribute.
func (a *Appliance) MachineState() MachineState {
	raw, ok := a.GetAttribute(AttrMachineState)
	if !ok {
		return MachineStateUnknown
	}
	return ParseMachineState(raw)
}

// Online reports whether the appliance is currently reachable.
func (a *Appliance) Online() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.online
}

// Subscribe registers fn for change notifications.
func (a *Appliance) Subscribe(fn func()) Subscription {
	a.mu.Lock()
	subID := a.nextSubID
	a.nextSubID++
	a.subscribers = append(a.subscribers, subscriberEntry{subID: subID, fn: fn})
	a.mu.Unlock()

	return &subscription{appliance: a, subID: subID}
}

// FetchData requests a fresh snapshot through the owning client.
func (a *Appliance) FetchData(ctx context.Context) error {
	return a.client.fetchAttributes(ctx, a)
}

// applyUpdate merges changed attributes into the cache and notifies
// subscribers. Called only from the client's receive loop, so notifications
// for one appliance never overlap.
func (a *Appliance) applyUpdate(attrs map[string]string) {
	a.mu.Lock()
	for k, v := range attrs {
		a.attrs[k] = v
	}
	a.mu.Unlock()

	a.notify()
}

// replaceSnapshot installs a full snapshot from a subscribe or
// get_attributes response. Like applyUpdate it runs only on the client's
// receive loop, in frame order, so a snapshot never overwrites events that
// arrived after its request was answered.
func (a *Appliance) replaceSnapshot(res AttributesResult) {
	a.mu.Lock()
	a.attrs = make(map[string]string, len(res.Attributes))
	for k, v := range res.Attributes {
		a.attrs[k] = v
	}
	a.online = res.Online
	a.mu.Unlock()

	a.notify()
}

// setOnline flips the availability flag. Going offline does not clear
// cached attributes; last-known readings stay visible.
func (a *Appliance) setOnline(online bool) {
	a.mu.Lock()
	changed := a.online != online
	a.online = online
	a.mu.Unlock()

	if changed {
		a.notify()
	}
}

func (a *Appliance) notify() {
	a.mu.RLock()
	entries := append([]subscriberEntry(nil), a.subscribers...)
	a.mu.RUnlock()

	for _, entry := range entries {
		entry.fn()
	}
}

// unsubscribe removes one subscription by ID. Removing an ID that is already
// gone is a no-op.
func (a *Appliance) unsubscribe(subID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, entry := range a.subscribers {
		if entry.subID == subID {
			a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
			return
		}
	}
}

// subscription implements Subscription.
type subscription struct {
	appliance *Appliance
	subID     int
}

func (s *subscription) Unsubscribe() {
	s.appliance.unsubscribe(s.subID)
}
