package poller_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/poller"
	"github.com/wheelibin/goveed/mocks"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testEnv() *env.Env {
	cfg := &config.Config{Poll: config.PollConfig{Interval: 60 * time.Second, MaxConcurrency: 10, CommandReserve: 2}}
	return env.ForTest(cfg, now)
}

func devices(n int) []models.Device {
	list := make([]models.Device, n)
	for i := range list {
		list[i] = models.Device{ID: fmt.Sprintf("dev-%03d", i), SKU: "H6199"}
	}
	return list
}

func budget(minuteRemaining int, dayRemaining int) models.RateLimitStatus {
	return models.RateLimitStatus{
		MinuteLimit: 100, MinuteRemaining: minuteRemaining, MinuteReset: now.Add(30 * time.Second),
		DayLimit: 10000, DayRemaining: dayRemaining, DayReset: now.Add(12 * time.Hour),
	}
}

func powerOn() []govee.CapabilityState {
	return []govee.CapabilityState{{
		Type:     constants.CapabilityOnOff,
		Instance: constants.InstancePowerSwitch,
		State:    govee.StateValue{Value: json.RawMessage("1")},
	}}
}

func Test_PollCycle(t *testing.T) {

	t.Run("should poll only what the budget allows and defer the rest", func(t *testing.T) {
		// arrange
		mockFetcher := mocks.NewMockPollerStateFetcher(t)
		mockDevices := mocks.NewMockPollerDeviceLister(t)
		mockSink := mocks.NewMockPollerStateSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockReporter := mocks.NewMockPollerErrorReporter(t)

		mockDevices.On("List").Return(devices(100))
		// 52 remaining with a reserve of 2 leaves 50 for polling
		mockLimits.On("Status").Return(budget(52, 5000))
		mockFetcher.On("GetDeviceState", mock.Anything, mock.Anything, "H6199").Return(powerOn(), nil)
		mockSink.On("Apply", mock.Anything).Return(nil)
		mockReporter.On("ReportSuccess").Return()
		mockReporter.On("CheckBudget", mock.Anything).Return()

		p := poller.NewPoller(testEnv(), mockFetcher, mockDevices, mockSink, mockLimits, mockReporter)

		// act
		first := p.PollCycle(context.Background())
		second := p.PollCycle(context.Background())

		// assert
		assert.Len(t, first.Fetched, 50)
		assert.Len(t, first.Deferred, 50)
		assert.Empty(t, first.Failed)
		// deferred devices go first on the next cycle
		assert.Equal(t, first.Deferred, second.Fetched)
		assert.Equal(t, first.Fetched, second.Deferred)
		assert.Equal(t, second.Deferred, p.Pending())
		mockFetcher.AssertNumberOfCalls(t, "GetDeviceState", 100)
	})

	t.Run("should poll nothing while the day budget is exhausted", func(t *testing.T) {
		// arrange
		mockFetcher := mocks.NewMockPollerStateFetcher(t)
		mockDevices := mocks.NewMockPollerDeviceLister(t)
		mockSink := mocks.NewMockPollerStateSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockReporter := mocks.NewMockPollerErrorReporter(t)

		mockDevices.On("List").Return(devices(3))
		mockLimits.On("Status").Return(budget(100, 0))
		mockReporter.On("CheckBudget", mock.Anything).Return()

		p := poller.NewPoller(testEnv(), mockFetcher, mockDevices, mockSink, mockLimits, mockReporter)

		// act
		result := p.PollCycle(context.Background())

		// assert
		assert.Empty(t, result.Fetched)
		assert.Len(t, result.Deferred, 3)
		mockFetcher.AssertNotCalled(t, "GetDeviceState", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should stop polling a device the cloud cannot report on", func(t *testing.T) {
		// arrange
		mockFetcher := mocks.NewMockPollerStateFetcher(t)
		mockDevices := mocks.NewMockPollerDeviceLister(t)
		mockSink := mocks.NewMockPollerStateSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockReporter := mocks.NewMockPollerErrorReporter(t)

		group := models.Device{ID: "12345678", SKU: "SameModeGroup", IsGroup: true}
		mockDevices.On("List").Return(append(devices(2), group))
		mockLimits.On("Status").Return(budget(100, 5000))
		notFound := &gerrors.DeviceNotFoundError{DeviceID: group.ID}
		mockFetcher.On("GetDeviceState", mock.Anything, group.ID, group.SKU).Return(nil, notFound).Once()
		mockFetcher.On("GetDeviceState", mock.Anything, mock.Anything, "H6199").Return(powerOn(), nil)
		mockReporter.On("Report", group.ID, notFound).Return(classifier.KindDeviceNotFound).Once()
		mockReporter.On("ReportSuccess").Return()
		mockReporter.On("CheckBudget", mock.Anything).Return()

		// the group is reported online rather than erroring
		mockSink.On("Apply", mock.MatchedBy(func(u models.StateUpdate) bool {
			return u.DeviceID == group.ID && u.Values[models.AttrOnline] == true
		})).Return(nil).Once()
		mockSink.On("Apply", mock.MatchedBy(func(u models.StateUpdate) bool {
			return u.DeviceID != group.ID && u.Source == models.SourcePoll && u.Values[models.AttrPower] == true
		})).Return(nil)

		p := poller.NewPoller(testEnv(), mockFetcher, mockDevices, mockSink, mockLimits, mockReporter)

		// act
		first := p.PollCycle(context.Background())
		second := p.PollCycle(context.Background())

		// assert
		assert.Len(t, first.Fetched, 2)
		assert.Contains(t, first.Failed, group.ID)
		assert.True(t, p.Unsupported(group.ID))
		assert.Len(t, second.Fetched, 2)
		assert.NotContains(t, second.Failed, group.ID)
		mockSink.AssertNotCalled(t, "MarkError", mock.Anything, mock.Anything)
	})

	t.Run("should back off while rate limited and recover after a success", func(t *testing.T) {
		// arrange
		mockFetcher := mocks.NewMockPollerStateFetcher(t)
		mockDevices := mocks.NewMockPollerDeviceLister(t)
		mockSink := mocks.NewMockPollerStateSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockReporter := mocks.NewMockPollerErrorReporter(t)

		device := devices(1)[0]
		limited := &gerrors.RateLimitError{RetryAfter: 10 * time.Second}
		mockDevices.On("List").Return([]models.Device{device})
		mockLimits.On("Status").Return(budget(100, 5000))
		mockFetcher.On("GetDeviceState", mock.Anything, device.ID, device.SKU).Return(nil, limited).Once()
		mockFetcher.On("GetDeviceState", mock.Anything, device.ID, device.SKU).Return(powerOn(), nil).Once()
		mockReporter.On("Report", device.ID, limited).Return(classifier.KindRateLimit).Once()
		mockReporter.On("ReportSuccess").Return().Once()
		mockReporter.On("CheckBudget", mock.Anything).Return()
		mockSink.On("MarkError", device.ID, limited).Return(nil).Once()
		mockSink.On("Apply", mock.Anything).Return(nil).Once()

		p := poller.NewPoller(testEnv(), mockFetcher, mockDevices, mockSink, mockLimits, mockReporter)

		// act
		p.PollCycle(context.Background())
		backedOff := p.CurrentInterval()
		p.PollCycle(context.Background())
		restored := p.CurrentInterval()

		// assert
		assert.Equal(t, 120*time.Second, backedOff)
		assert.Equal(t, 60*time.Second, restored)
	})

	t.Run("should notify the cycle observer", func(t *testing.T) {
		// arrange
		mockFetcher := mocks.NewMockPollerStateFetcher(t)
		mockDevices := mocks.NewMockPollerDeviceLister(t)
		mockSink := mocks.NewMockPollerStateSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockReporter := mocks.NewMockPollerErrorReporter(t)

		status := budget(100, 5000)
		mockDevices.On("List").Return(devices(1))
		mockLimits.On("Status").Return(status)
		mockFetcher.On("GetDeviceState", mock.Anything, mock.Anything, mock.Anything).Return(powerOn(), nil)
		mockSink.On("Apply", mock.Anything).Return(nil)
		mockReporter.On("ReportSuccess").Return()
		mockReporter.On("CheckBudget", status).Return()

		p := poller.NewPoller(testEnv(), mockFetcher, mockDevices, mockSink, mockLimits, mockReporter)
		var observed []poller.CycleResult
		p.OnCycle(func(result poller.CycleResult, s models.RateLimitStatus) {
			observed = append(observed, result)
			assert.Equal(t, status, s)
		})

		// act
		p.PollCycle(context.Background())

		// assert
		require.Len(t, observed, 1)
		assert.Equal(t, []string{"dev-000"}, observed[0].Fetched)
	})
}

func Test_NewPoller(t *testing.T) {

	t.Run("should use the default interval when none is configured", func(t *testing.T) {
		e := env.ForTest(&config.Config{}, now)
		p := poller.NewPoller(e, nil, nil, nil, nil, nil)
		assert.Equal(t, constants.DefaultPollInterval, p.CurrentInterval())
	})
}

func Test_Run(t *testing.T) {

	t.Run("should poll immediately and stop when cancelled", func(t *testing.T) {
		// arrange
		mockFetcher := mocks.NewMockPollerStateFetcher(t)
		mockDevices := mocks.NewMockPollerDeviceLister(t)
		mockSink := mocks.NewMockPollerStateSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockReporter := mocks.NewMockPollerErrorReporter(t)

		polled := make(chan struct{}, 1)
		mockDevices.On("List").Return(devices(1))
		mockLimits.On("Status").Return(budget(100, 5000))
		mockFetcher.On("GetDeviceState", mock.Anything, mock.Anything, mock.Anything).Return(powerOn(), nil)
		mockSink.On("Apply", mock.Anything).Return(nil).Run(func(mock.Arguments) {
			select {
			case polled <- struct{}{}:
			default:
			}
		})
		mockReporter.On("ReportSuccess").Return()
		mockReporter.On("CheckBudget", mock.Anything).Return()

		p := poller.NewPoller(testEnv(), mockFetcher, mockDevices, mockSink, mockLimits, mockReporter)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		// act
		go func() {
			p.Run(ctx)
			close(done)
		}()

		// assert
		select {
		case <-polled:
		case <-time.After(5 * time.Second):
			t.Fatal("expected an immediate poll")
		}
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("poller did not stop")
		}
	})
}

// liveLimits reports a minute window that resets in real time
type liveLimits struct {
	status models.RateLimitStatus
}

func (l liveLimits) Status() models.RateLimitStatus {
	return l.status
}

type cycle struct {
	at     time.Time
	result poller.CycleResult
}

func runWithCatchUp(t *testing.T, interval time.Duration, limits liveLimits) (<-chan cycle, time.Time) {
	mockFetcher := mocks.NewMockPollerStateFetcher(t)
	mockDevices := mocks.NewMockPollerDeviceLister(t)
	mockSink := mocks.NewMockPollerStateSink(t)
	mockReporter := mocks.NewMockPollerErrorReporter(t)

	mockDevices.On("List").Return(devices(4))
	mockFetcher.On("GetDeviceState", mock.Anything, mock.Anything, "H6199").Return(powerOn(), nil).Maybe()
	mockSink.On("Apply", mock.Anything).Return(nil).Maybe()
	mockReporter.On("ReportSuccess").Return().Maybe()
	mockReporter.On("CheckBudget", mock.Anything).Return()

	cfg := &config.Config{Poll: config.PollConfig{Interval: interval, MaxConcurrency: 4, CommandReserve: 2}}
	e := &env.Env{
		Logger: log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel}),
		Config: cfg,
		Now:    time.Now,
	}
	p := poller.NewPoller(e, mockFetcher, mockDevices, mockSink, limits, mockReporter)
	p.SetCatchUpMargin(50 * time.Millisecond)

	cycles := make(chan cycle, 16)
	p.OnCycle(func(result poller.CycleResult, _ models.RateLimitStatus) {
		cycles <- cycle{at: time.Now(), result: result}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	started := time.Now()
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cycles, started
}

func nextCycle(t *testing.T, cycles <-chan cycle) cycle {
	select {
	case c := <-cycles:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("expected a poll cycle")
	}
	return cycle{}
}

func Test_RunCatchUp(t *testing.T) {

	t.Run("should fetch deferred devices once the minute window resets, before the next tick", func(t *testing.T) {
		// arrange
		// the reserve uses the whole remaining budget until the window resets
		interval := 2 * time.Second
		limits := liveLimits{status: models.RateLimitStatus{
			MinuteLimit: 100, MinuteRemaining: 2, MinuteReset: time.Now().Add(100 * time.Millisecond),
			DayLimit: 10000, DayRemaining: 5000, DayReset: time.Now().Add(12 * time.Hour),
		}}

		// act
		cycles, started := runWithCatchUp(t, interval, limits)
		first := nextCycle(t, cycles)
		second := nextCycle(t, cycles)

		// assert
		assert.Empty(t, first.result.Fetched)
		assert.Len(t, first.result.Deferred, 4)
		assert.ElementsMatch(t, first.result.Deferred, second.result.Fetched)
		assert.Empty(t, second.result.Deferred)
		assert.Less(t, second.at.Sub(started), interval)
	})

	t.Run("should run the catch-up halfway to the tick when the window resets after it", func(t *testing.T) {
		// arrange
		interval := time.Second
		limits := liveLimits{status: models.RateLimitStatus{
			MinuteLimit: 100, MinuteRemaining: 2, MinuteReset: time.Now().Add(time.Minute),
			DayLimit: 10000, DayRemaining: 5000, DayReset: time.Now().Add(12 * time.Hour),
		}}

		// act
		cycles, started := runWithCatchUp(t, interval, limits)
		first := nextCycle(t, cycles)
		second := nextCycle(t, cycles)

		// assert
		assert.Len(t, first.result.Deferred, 4)
		assert.Len(t, second.result.Deferred, 4)
		elapsed := second.at.Sub(started)
		assert.GreaterOrEqual(t, elapsed, interval/2-50*time.Millisecond)
		assert.Less(t, elapsed, interval)
	})
}
