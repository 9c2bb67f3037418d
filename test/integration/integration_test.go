package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"appliancebridge/internal/appliance"
	"appliancebridge/internal/clock"
	"appliancebridge/internal/publish"
	"appliancebridge/internal/sensor"
	"appliancebridge/internal/store"
	"appliancebridge/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testToken = "test_token_12345"
	testAddr  = "localhost:18124"

	waitFor = 3 * time.Second
	tick    = 20 * time.Millisecond
)

type harness struct {
	server *testutil.MockCloudServer
	client *appliance.Client
	washer *appliance.Appliance
	aircon *appliance.Appliance
	pub    *publish.FakePublisher
	store  *store.Store

	completion *sensor.CompletionProjection
}

// setupTest starts a mock cloud with one washer and one aircon, wires the
// full projection stack against a fake publisher, and connects.
func setupTest(t *testing.T, pollInterval time.Duration) *harness {
	logger, _ := zap.NewDevelopment()

	server := testutil.NewMockCloudServer(testAddr, testToken)
	server.AddAppliance(testutil.WasherSAID, true, map[string]string{
		appliance.AttrMachineState:  "0",
		appliance.AttrDoorOpen:      "0",
		appliance.AttrDispenseLevel: "3",
		appliance.AttrTimeRemaining: "0",
	})
	server.AddAppliance(testutil.AirconSAID, true, map[string]string{
		appliance.AttrDisplayTemp:     "210",
		appliance.AttrDisplayHumidity: "52",
	})
	require.NoError(t, server.Start())

	client := appliance.NewClient(testutil.Addr(testAddr), testToken, logger)
	washer := client.Register(testutil.WasherSAID, "Washer")
	aircon := client.Register(testutil.AirconSAID, "Bedroom AC")

	valueStore, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)

	pub := publish.NewFakePublisher()
	fanout := sensor.NewFanout(logger, pub, valueStore)
	clk := clock.NewRealClock()

	h := &harness{
		server: server,
		client: client,
		washer: washer,
		aircon: aircon,
		pub:    pub,
		store:  valueStore,
	}

	var projections []interface{ Detach() }

	for _, src := range []*appliance.Appliance{washer, aircon} {
		avail := sensor.NewAvailabilityProjection(src, pub, logger)
		avail.Attach()
		projections = append(projections, avail)
	}
	for _, desc := range sensor.WasherDryerSensors {
		proj := sensor.NewProjection(washer, desc, fanout, clk, logger)
		proj.Attach()
		projections = append(projections, proj)
	}
	h.completion = sensor.NewCompletionProjection(washer, fanout, valueStore, clk, pollInterval, logger)
	h.completion.Attach(context.Background())
	projections = append(projections, h.completion)
	for _, desc := range sensor.AirconSensors {
		proj := sensor.NewProjection(aircon, desc, fanout, clk, logger)
		proj.Attach()
		projections = append(projections, proj)
	}

	require.NoError(t, client.Connect())

	t.Cleanup(func() {
		for _, p := range projections {
			p.Detach()
		}
		client.Disconnect()
		valueStore.Close()
		server.Stop()
	})

	return h
}

// lastValue returns the most recently published value for a sensor.
func lastValue(pub *publish.FakePublisher, said, key string) (string, bool) {
	readings := pub.ForSensor(said, key)
	if len(readings) == 0 {
		return "", false
	}
	return readings[len(readings)-1].Value, true
}

// waitForValue blocks until the sensor's latest published value matches.
func waitForValue(t *testing.T, pub *publish.FakePublisher, said, key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := lastValue(pub, said, key)
		return ok && v == want
	}, waitFor, tick, "sensor %s/%s never reached %q", said, key, want)
}

// TestBasicConnection tests connection, initial snapshot, and availability
func TestBasicConnection(t *testing.T) {
	h := setupTest(t, 0)

	t.Run("connection status", func(t *testing.T) {
		assert.True(t, h.client.IsConnected())
	})

	t.Run("initial snapshot reaches sensors", func(t *testing.T) {
		waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "standby")
		waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyTank, "50")
	})

	t.Run("appliances announced online", func(t *testing.T) {
		require.Eventually(t, func() bool {
			online, ok := h.pub.LastAvailability(testutil.WasherSAID)
			return ok && online
		}, waitFor, tick)
	})

	t.Run("offline event flips availability but keeps values", func(t *testing.T) {
		h.server.SetOnline(testutil.WasherSAID, false)

		require.Eventually(t, func() bool {
			online, ok := h.pub.LastAvailability(testutil.WasherSAID)
			return ok && !online
		}, waitFor, tick)

		// Cached values survive the outage.
		v, ok := lastValue(h.pub, testutil.WasherSAID, sensor.KeyState)
		require.True(t, ok)
		assert.Equal(t, "standby", v)

		h.server.SetOnline(testutil.WasherSAID, true)
		require.Eventually(t, func() bool {
			online, ok := h.pub.LastAvailability(testutil.WasherSAID)
			return ok && online
		}, waitFor, tick)
	})
}

// TestReadingsPersisted verifies every published value also lands in the
// sqlite store.
func TestReadingsPersisted(t *testing.T) {
	h := setupTest(t, 0)

	waitForValue(t, h.pub, testutil.WasherSAID, sensor.KeyState, "standby")

	v, ok, err := h.store.LoadLast(context.Background(), testutil.WasherSAID, sensor.KeyState)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "standby", v)
}
