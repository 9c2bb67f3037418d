package appliance

import (
	"encoding/json"
	"strconv"
	"time"
)

// MachineState is the appliance's top-level operating mode as reported by
// the cloud. It is read directly from the attribute map, never derived.
type MachineState int

const (
	MachineStateStandby MachineState = iota
	MachineStateSetting
	MachineStateDelayCountdown
	MachineStateDelayPause
	MachineStateSmartDelay
	MachineStateSmartGridPause
	MachineStatePause
	MachineStateRunningMainCycle
	MachineStateRunningPostCycle
	MachineStateExceptions
	MachineStateComplete
	MachineStatePowerFailure
	MachineStateServiceDiagnostic
	MachineStateFactoryDiagnostic
	MachineStateLifeTest
	MachineStateCustomerFocus
	MachineStateDemo
	MachineStateHardStopOrError
	MachineStateSystemInit
)

// MachineStateUnknown is returned for missing or unrecognized state codes.
const MachineStateUnknown MachineState = -1

// ParseMachineState converts a raw attribute value into a MachineState.
// Anything outside the known code range maps to MachineStateUnknown.
func ParseMachineState(raw string) MachineState {
	code, err := strconv.Atoi(raw)
	if err != nil {
		return MachineStateUnknown
	}
	if code < int(MachineStateStandby) || code > int(MachineStateSystemInit) {
		return MachineStateUnknown
	}
	return MachineState(code)
}

// raw returns the wire encoding of the state code.
func (s MachineState) raw() string {
	return strconv.Itoa(int(s))
}

// Attribute keys reported by washer/dryer appliances.
const (
	AttrMachineState  = "Cavity_CycleStatusMachineState"
	AttrDoorOpen      = "Cavity_OpStatusDoorOpen"
	AttrTimeRemaining = "Cavity_TimeStatusEstTimeRemaining"
	AttrDispenseLevel = "WashCavity_OpStatusBulkDispense1Level"

	AttrCycleFilling  = "Cavity_CycleStatusFilling"
	AttrCycleRinsing  = "Cavity_CycleStatusRinsing"
	AttrCycleSensing  = "Cavity_CycleStatusSensing"
	AttrCycleSoaking  = "Cavity_CycleStatusSoaking"
	AttrCycleSpinning = "Cavity_CycleStatusSpinning"
	AttrCycleWashing  = "Cavity_CycleStatusWashing"
)

// Attribute keys reported by air conditioners.
const (
	AttrDisplayTemp     = "Sys_OpStatusDisplayTemp"
	AttrDisplayHumidity = "Sys_OpStatusDisplayHumidity"
)

// AttrTrue is the sentinel the cloud uses for boolean attributes.
const AttrTrue = "1"

// Message represents a base WebSocket message to/from the appliance cloud.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from the cloud.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents an authentication request.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message pushed by the cloud.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

// AttributeUpdateEvent carries a batch of changed attributes for one
// appliance. Upstream batching means one event may cover several attribute
// changes.
type AttributeUpdateEvent struct {
	SAID       string            `json:"said"`
	Attributes map[string]string `json:"attributes"`
}

// ConnectionStateEvent reports an appliance going online or offline.
type ConnectionStateEvent struct {
	SAID   string `json:"said"`
	Online bool   `json:"online"`
}

// SubscribeRequest registers interest in one appliance's telemetry.
type SubscribeRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	SAID string `json:"said"`
}

// GetAttributesRequest asks the cloud for a full attribute snapshot.
type GetAttributesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	SAID string `json:"said"`
}

// AttributesResult is the response payload for a get_attributes request.
type AttributesResult struct {
	SAID       string            `json:"said"`
	Online     bool              `json:"online"`
	Attributes map[string]string `json:"attributes"`
}

// Subscription represents an active attribute-change subscription.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}
