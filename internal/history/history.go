// Package history records emitted sensor readings to InfluxDB for
// historical logging. It is optional; the bridge runs fine without it.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"appliancebridge/internal/sensor"
)

const connectTimeout = 10 * time.Second

// ErrDisabled is returned by Connect when history is switched off.
var ErrDisabled = errors.New("history recording is disabled")

// Config holds the InfluxDB connection settings.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`

	// Token is read from the environment, not the config file.
	Token string `yaml:"-"`
}

// Recorder writes readings as points. Writes are batched and asynchronous;
// a slow or absent InfluxDB never blocks the notification path.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
}

// Connect creates a recorder and verifies connectivity with a ping.
func Connect(cfg Config, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.Named("history"),
	}

	go r.handleWriteErrors(r.writeAPI.Errors())

	return r, nil
}

// handleWriteErrors drains async write failures.
func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.logger.Warn("InfluxDB write failed", zap.Error(err))
	}
}

// Emit records one reading. Numeric values additionally get a float field
// so dashboards can graph them.
func (r *Recorder) Emit(ctx context.Context, reading sensor.Reading) error {
	fields := map[string]interface{}{
		"value": reading.Value,
	}
	if n, err := strconv.ParseFloat(reading.Value, 64); err == nil {
		fields["value_num"] = n
	}

	point := write.NewPoint(
		"appliance_sensor",
		map[string]string{
			"said":      reading.SAID,
			"appliance": reading.Appliance,
			"sensor":    reading.Sensor,
		},
		fields,
		reading.At,
	)
	r.writeAPI.WritePoint(point)

	return nil
}

// Close flushes pending writes and releases the client.
func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
