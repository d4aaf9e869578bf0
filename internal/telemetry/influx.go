// Package telemetry writes state and budget time series to InfluxDB.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/models"
)

const pingTimeout = 5 * time.Second

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink is a non-blocking writer; points are batched by the client
type Sink struct {
	logger *log.Logger
	writer pointWriter
	now    func() time.Time
}

func NewSink(logger *log.Logger, writer pointWriter, now func() time.Time) *Sink {
	return &Sink{logger: logger, writer: writer, now: now}
}

// Connect opens the InfluxDB client. The returned close func flushes pending points.
func Connect(logger *log.Logger, cfg config.InfluxConfig) (*Sink, func(), error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions().SetBatchSize(50))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, nil, fmt.Errorf("influxdb server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("influxdb write failed", "err", err)
		}
	}()

	sink := NewSink(logger, writeAPI, time.Now)
	return sink, func() {
		writeAPI.Flush()
		client.Close()
	}, nil
}

// StateChanged writes one device_state point per snapshot
func (s *Sink) StateChanged(state *models.DeviceState) {
	fields := map[string]interface{}{
		"online": state.Online(),
	}
	if on, ok := state.Power(); ok {
		fields["power"] = on
	}
	if brightness, ok := state.Brightness(); ok {
		fields["brightness"] = brightness
	}
	if kelvin, ok := state.ColorTemperature(); ok {
		fields["kelvin"] = kelvin
	}
	if rgb, ok := state.RGB(); ok {
		fields["rgb"] = rgb.Packed()
	}
	if scene, ok := state.Scene(); ok {
		fields["scene"] = scene.Name
	}

	s.writer.WritePoint(write.NewPoint(
		"device_state",
		map[string]string{"device_id": state.DeviceID},
		fields,
		state.UpdatedAt,
	))
}

// RecordRateLimits writes the remaining request budgets
func (s *Sink) RecordRateLimits(status models.RateLimitStatus) {
	s.writer.WritePoint(write.NewPoint(
		"rate_limit",
		map[string]string{},
		map[string]interface{}{
			"minute_remaining":     status.MinuteRemaining,
			"day_remaining":        status.DayRemaining,
			"consecutive_failures": status.ConsecutiveFailures,
		},
		s.now(),
	))
}

func (s *Sink) Flush() {
	s.writer.Flush()
}
