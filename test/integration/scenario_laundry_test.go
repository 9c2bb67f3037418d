package integration

import (
	"testing"
	"time"

	"appliancebridge/internal/appliance"
	"appliancebridge/internal/sensor"
	"appliancebridge/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLaundryCycle walks a washer through a full cycle and checks every
// state transition the sensors should surface.
func TestLaundryCycle(t *testing.T) {
	h := setupTest(t, 0)

	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "standby")

	// Cycle starts: main cycle running with an hour to go.
	start := time.Now()
	h.server.SetAttributes(testutil.WasherSAID, map[string]string{
		appliance.AttrMachineState:  "7",
		appliance.AttrTimeRemaining: "3600",
	})
	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "running_maincycle")

	t.Run("end time projected from remaining seconds", func(t *testing.T) {
		require.Eventually(t, func() bool {
			_, ok := lastValue(h.pub, testutil.WasherSAID, sensor.KeyEndTime)
			return ok
		}, waitFor, tick)

		v, _ := lastValue(h.pub, testutil.WasherSAID, sensor.KeyEndTime)
		end, err := time.Parse(time.RFC3339, v)
		require.NoError(t, err)
		assert.WithinDuration(t, start.Add(time.Hour), end, time.Minute)
	})

	t.Run("cycle phase refines the running state", func(t *testing.T) {
		h.server.SetAttributes(testutil.WasherSAID, map[string]string{
			appliance.AttrCycleWashing: "1",
		})
		waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "cycle_washing")
	})

	t.Run("open door overrides everything", func(t *testing.T) {
		h.server.SetAttributes(testutil.WasherSAID, map[string]string{
			appliance.AttrDoorOpen: "1",
		})
		waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, sensor.StateDoorOpen)

		h.server.SetAttributes(testutil.WasherSAID, map[string]string{
			appliance.AttrDoorOpen: "0",
		})
		waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "cycle_washing")
	})

	t.Run("completion snaps the end time to now", func(t *testing.T) {
		finish := time.Now()
		h.server.SetAttributes(testutil.WasherSAID, map[string]string{
			appliance.AttrCycleWashing: "0",
			appliance.AttrMachineState: "10",
		})
		waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "complete")

		require.Eventually(t, func() bool {
			v, ok := lastValue(h.pub, testutil.WasherSAID, sensor.KeyEndTime)
			if !ok {
				return false
			}
			end, err := time.Parse(time.RFC3339, v)
			return err == nil && end.Sub(finish).Abs() < time.Minute
		}, waitFor, tick)
	})
}

// TestTankLevel checks the dispenser fill sensor across refills.
func TestTankLevel(t *testing.T) {
	h := setupTest(t, 0)

	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyTank, "50")

	h.server.SetAttributes(testutil.WasherSAID, map[string]string{
		appliance.AttrDispenseLevel: "1",
	})
	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyTank, "empty")

	h.server.SetAttributes(testutil.WasherSAID, map[string]string{
		appliance.AttrDispenseLevel: "4",
	})
	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyTank, "100")

	// An unrecognized code reads as unknown rather than a stale level.
	h.server.SetAttributes(testutil.WasherSAID, map[string]string{
		appliance.AttrDispenseLevel: "9",
	})
	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyTank, sensor.ValueUnknown)
}

// TestEndTimePolling verifies the explicit refresh cadence and that
// detaching stops it.
func TestEndTimePolling(t *testing.T) {
	h := setupTest(t, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.server.FetchCount(testutil.WasherSAID) >= 2
	}, waitFor, tick)

	h.completion.Detach()
	time.Sleep(200 * time.Millisecond)
	count := h.server.FetchCount(testutil.WasherSAID)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, count, h.server.FetchCount(testutil.WasherSAID),
		"polling should stop after detach")
}
