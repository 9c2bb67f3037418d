// Package sensor contains the projection core: the rules that turn a
// washer/dryer's raw attribute bag into stable sensor readings, the
// completion-time estimator, and the façade that forwards derived values to
// the host layer.
package sensor

import (
	"strconv"

	"appliancebridge/internal/appliance"
)

// StateDoorOpen overrides every other state while the door is open.
const StateDoorOpen = "door_open"

// machineStateLabels maps machine-state codes to their display labels.
// Codes missing from the table classify as unknown, never as an error.
var machineStateLabels = map[appliance.MachineState]string{
	appliance.MachineStateStandby:           "standby",
	appliance.MachineStateSetting:           "setting",
	appliance.MachineStateDelayCountdown:    "delay_countdown",
	appliance.MachineStateDelayPause:        "delay_paused",
	appliance.MachineStateSmartDelay:        "smart_delay",
	appliance.MachineStateSmartGridPause:    "smart_grid_pause",
	appliance.MachineStatePause:             "pause",
	appliance.MachineStateRunningMainCycle:  "running_maincycle",
	appliance.MachineStateRunningPostCycle:  "running_postcycle",
	appliance.MachineStateExceptions:        "exception",
	appliance.MachineStateComplete:          "complete",
	appliance.MachineStatePowerFailure:      "power_failure",
	appliance.MachineStateServiceDiagnostic: "service_diagnostic_mode",
	appliance.MachineStateFactoryDiagnostic: "factory_diagnostic_mode",
	appliance.MachineStateLifeTest:          "life_test",
	appliance.MachineStateCustomerFocus:     "customer_focus_mode",
	appliance.MachineStateDemo:              "demo_mode",
	appliance.MachineStateHardStopOrError:   "hard_stop_or_error",
	appliance.MachineStateSystemInit:        "system_initialize",
}

// cyclePhases lists the six cycle-phase flags in priority order. When more
// than one flag is set, the first match wins.
var cyclePhases = []struct {
	attr  string
	label string
}{
	{appliance.AttrCycleFilling, "cycle_filling"},
	{appliance.AttrCycleRinsing, "cycle_rinsing"},
	{appliance.AttrCycleSensing, "cycle_sensing"},
	{appliance.AttrCycleSoaking, "cycle_soaking"},
	{appliance.AttrCycleSpinning, "cycle_spinning"},
	{appliance.AttrCycleWashing, "cycle_washing"},
}

// tankFill maps the raw dispense-level code to its display label.
var tankFill = map[string]string{
	"0": "unknown",
	"1": "empty",
	"2": "25",
	"3": "50",
	"4": "100",
	"5": "active",
}

// WasherState determines the correct state label for a washer/dryer.
// Precedence: an open door beats everything; an active main cycle resolves
// to its phase label; otherwise the machine state maps through the table.
// Unmapped states report as absent.
func WasherState(src appliance.Source) (string, bool) {
	if v, _ := src.GetAttribute(appliance.AttrDoorOpen); v == appliance.AttrTrue {
		return StateDoorOpen, true
	}

	machineState := src.MachineState()

	if machineState == appliance.MachineStateRunningMainCycle {
		for _, phase := range cyclePhases {
			if v, _ := src.GetAttribute(phase.attr); v == appliance.AttrTrue {
				return phase.label, true
			}
		}
	}

	label, ok := machineStateLabels[machineState]
	return label, ok
}

// TankLevel maps the bulk-dispense level code to its label. An unrecognized
// code reports as absent rather than failing.
func TankLevel(src appliance.Source) (string, bool) {
	code, ok := src.GetAttribute(appliance.AttrDispenseLevel)
	if !ok {
		return "", false
	}
	label, ok := tankFill[code]
	return label, ok
}

// CurrentTemperature passes through the aircon's displayed temperature.
// The cloud reports tenths of a degree Celsius.
func CurrentTemperature(src appliance.Source) (string, bool) {
	raw, ok := src.GetAttribute(appliance.AttrDisplayTemp)
	if !ok {
		return "", false
	}
	tenths, err := strconv.Atoi(raw)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(float64(tenths)/10, 'f', 1, 64), true
}

// CurrentHumidity passes through the aircon's displayed relative humidity.
func CurrentHumidity(src appliance.Source) (string, bool) {
	raw, ok := src.GetAttribute(appliance.AttrDisplayHumidity)
	if !ok {
		return "", false
	}
	if _, err := strconv.Atoi(raw); err != nil {
		return "", false
	}
	return raw, true
}

// StateOptions returns every label WasherState can produce.
func StateOptions() []string {
	options := make([]string, 0, len(machineStateLabels)+len(cyclePhases)+1)
	for _, label := range machineStateLabels {
		options = append(options, label)
	}
	for _, phase := range cyclePhases {
		options = append(options, phase.label)
	}
	return append(options, StateDoorOpen)
}

// TankOptions returns every label TankLevel can produce.
func TankOptions() []string {
	options := make([]string, 0, len(tankFill))
	for _, label := range tankFill {
		options = append(options, label)
	}
	return options
}
