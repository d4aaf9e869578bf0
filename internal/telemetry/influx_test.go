package telemetry_test

import (
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/telemetry"
	"github.com/wheelibin/goveed/mocks"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fields(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func Test_StateChanged(t *testing.T) {

	t.Run("should write the known attributes of a snapshot", func(t *testing.T) {
		// arrange
		logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
		mockWriter := mocks.NewMockTelemetryPointWriter(t)
		var written *write.Point
		mockWriter.On("WritePoint", mock.Anything).Return().Run(func(args mock.Arguments) {
			written = args.Get(0).(*write.Point)
		}).Once()
		sink := telemetry.NewSink(logger, mockWriter, func() time.Time { return now })

		// act
		sink.StateChanged(&models.DeviceState{
			DeviceID: "d1",
			Attributes: map[models.Attribute]models.AttributeValue{
				models.AttrPower:      {Value: true},
				models.AttrBrightness: {Value: 40},
				models.AttrColor:      {Value: models.RGB{R: 255}},
			},
			UpdatedAt: now,
		})

		// assert
		assert.Equal(t, "device_state", written.Name())
		assert.Equal(t, now, written.Time())
		f := fields(written)
		assert.Equal(t, true, f["power"])
		assert.Equal(t, int64(40), f["brightness"])
		assert.Equal(t, int64(16711680), f["rgb"])
		assert.Equal(t, true, f["online"])
		assert.NotContains(t, f, "kelvin")
	})
}

func Test_RecordRateLimits(t *testing.T) {

	t.Run("should write the remaining budgets", func(t *testing.T) {
		// arrange
		logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
		mockWriter := mocks.NewMockTelemetryPointWriter(t)
		var written *write.Point
		mockWriter.On("WritePoint", mock.Anything).Return().Run(func(args mock.Arguments) {
			written = args.Get(0).(*write.Point)
		}).Once()
		mockWriter.On("Flush").Return().Once()
		sink := telemetry.NewSink(logger, mockWriter, func() time.Time { return now })

		// act
		sink.RecordRateLimits(models.RateLimitStatus{MinuteRemaining: 7, DayRemaining: 900})
		sink.Flush()

		// assert
		assert.Equal(t, "rate_limit", written.Name())
		assert.Equal(t, int64(7), fields(written)["minute_remaining"])
		assert.Equal(t, int64(900), fields(written)["day_remaining"])
	})
}
