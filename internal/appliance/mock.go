package appliance

import (
	"context"
	"sync"
)

// MockSource implements Source for testing. Attribute changes are applied
// with Set* methods and delivered to subscribers via Notify, mirroring how
// the real client batches pushes.
type MockSource struct {
	said string
	name string

	mu          sync.RWMutex
	attrs       map[string]string
	online      bool
	subscribers []subscriberEntry
	nextSubID   int

	fetchCalls int
	fetchErr   error
}

// NewMockSource creates a mock attribute source that starts online with an
// empty attribute map.
func NewMockSource(said, name string) *MockSource {
	return &MockSource{
		said:   said,
		name:   name,
		attrs:  make(map[string]string),
		online: true,
	}
}

// SAID returns the mock appliance identifier.
func (m *MockSource) SAID() string { return m.said }

// Name returns the mock appliance name.
func (m *MockSource) Name() string { return m.name }

// GetAttribute returns the latest value for key.
func (m *MockSource) GetAttribute(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attrs[key]
	return v, ok
}

// MachineState reads and parses the machine-state attribute.
func (m *MockSource) MachineState() MachineState {
	raw, ok := m.GetAttribute(AttrMachineState)
	if !ok {
		return MachineStateUnknown
	}
	return ParseMachineState(raw)
}

// Online reports the simulated availability flag.
func (m *MockSource) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers fn for change notifications.
func (m *MockSource) Subscribe(fn func()) Subscription {
	m.mu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers = append(m.subscribers, subscriberEntry{subID: subID, fn: fn})
	m.mu.Unlock()

	return &mockSubscription{mock: m, subID: subID}
}

// FetchData records the refresh request and returns the configured error.
func (m *MockSource) FetchData(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	return m.fetchErr
}

// SetAttribute sets a single attribute without notifying subscribers.
func (m *MockSource) SetAttribute(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[key] = value
}

// RemoveAttribute deletes a key, simulating a transiently absent attribute.
func (m *MockSource) RemoveAttribute(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs, key)
}

// SetMachineState sets the machine-state attribute to the given state code.
func (m *MockSource) SetMachineState(state MachineState) {
	m.SetAttribute(AttrMachineState, state.raw())
}

// SetOnline flips the simulated availability flag.
func (m *MockSource) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// SetFetchError makes subsequent FetchData calls fail with err.
func (m *MockSource) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FetchCalls returns how many times FetchData has been invoked.
func (m *MockSource) FetchCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchCalls
}

// SubscriberCount returns the number of active subscriptions.
func (m *MockSource) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Notify delivers one change notification to every subscriber, in order,
// on the caller's goroutine.
func (m *MockSource) Notify() {
	m.mu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers...)
	m.mu.RUnlock()

	for _, entry := range entries {
		entry.fn()
	}
}

func (m *MockSource) unsubscribe(subID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.subscribers {
		if entry.subID == subID {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

type mockSubscription struct {
	mock  *MockSource
	subID int
}

func (s *mockSubscription) Unsubscribe() {
	s.mock.unsubscribe(s.subID)
}
