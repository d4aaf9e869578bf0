// Package poller periodically fetches device state from the cloud within the
// request budgets reported by the transport.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/concurrency"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
)

type stateFetcher interface {
	GetDeviceState(ctx context.Context, deviceID string, sku string) ([]govee.CapabilityState, error)
}

type deviceLister interface {
	List() []models.Device
}

type stateSink interface {
	Apply(u models.StateUpdate) *models.DeviceState
	MarkError(deviceID string, err error) *models.DeviceState
}

type rateLimitReader interface {
	Status() models.RateLimitStatus
}

type errorReporter interface {
	Report(deviceID string, err error) classifier.Kind
	ReportSuccess()
	CheckBudget(status models.RateLimitStatus)
}

// CycleObserver is notified after every cycle, e.g. to record budgets
type CycleObserver func(result CycleResult, status models.RateLimitStatus)

type CycleResult struct {
	Fetched  []string
	Failed   map[string]error
	Deferred []string
}

type Poller struct {
	logger   *log.Logger
	now      func() time.Time
	fetcher  stateFetcher
	devices  deviceLister
	sink     stateSink
	limits   rateLimitReader
	reporter errorReporter
	observer CycleObserver

	interval      time.Duration
	concurrency   int
	reserve       int
	catchUpMargin time.Duration

	// serialises regular and catch-up cycles
	cycleMu sync.Mutex

	mu            sync.Mutex
	unsupported   map[string]bool
	pending       []string
	backoffFactor int
}

func NewPoller(
	e *env.Env,
	fetcher stateFetcher,
	devices deviceLister,
	sink stateSink,
	limits rateLimitReader,
	reporter errorReporter,
) *Poller {
	// the configured interval is already clamped by config.Load
	interval := e.Config.Poll.Interval
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}
	return &Poller{
		logger:        e.Logger,
		now:           e.Now,
		fetcher:       fetcher,
		devices:       devices,
		sink:          sink,
		limits:        limits,
		reporter:      reporter,
		interval:      interval,
		concurrency:   max(e.Config.Poll.MaxConcurrency, 1),
		reserve:       max(e.Config.Poll.CommandReserve, 0),
		catchUpMargin: constants.CatchUpMargin,
		unsupported:   map[string]bool{},
		backoffFactor: 1,
	}
}

// SetCatchUpMargin changes how long after a minute window reset the catch-up run starts
func (p *Poller) SetCatchUpMargin(margin time.Duration) {
	p.catchUpMargin = margin
}

func (p *Poller) OnCycle(observer CycleObserver) {
	p.observer = observer
}

// Run polls immediately and then on every tick until ctx is cancelled.
// Devices deferred for lack of budget are fetched by a catch-up run before the next tick.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Debug("Poller.Run", "interval", p.interval)

	p.PollCycle(ctx)

	tick := time.NewTimer(p.CurrentInterval())
	defer tick.Stop()
	var catchUp *time.Timer
	var catchUpC <-chan time.Time
	stopCatchUp := func() {
		if catchUp != nil {
			catchUp.Stop()
			catchUp, catchUpC = nil, nil
		}
	}
	defer stopCatchUp()

	scheduleCatchUp := func(untilTick time.Duration) {
		stopCatchUp()
		if len(p.Pending()) == 0 {
			return
		}
		delay, ok := p.catchUpDelay(untilTick)
		if !ok {
			return
		}
		p.logger.Debug("scheduling catch-up poll", "in", delay, "pending", len(p.Pending()))
		catchUp = time.NewTimer(delay)
		catchUpC = catchUp.C
	}

	nextTick := p.now().Add(p.CurrentInterval())
	scheduleCatchUp(p.CurrentInterval())

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller.Run: stop signal received")
			return

		case <-tick.C:
			p.PollCycle(ctx)
			interval := p.CurrentInterval()
			tick.Reset(interval)
			nextTick = p.now().Add(interval)
			scheduleCatchUp(interval)

		case <-catchUpC:
			catchUp, catchUpC = nil, nil
			p.pollPending(ctx)
			scheduleCatchUp(nextTick.Sub(p.now()))
		}
	}
}

// catchUpDelay waits for the minute window to reset, but always lands before the next tick.
// It reports false when the tick is too close for a separate run.
func (p *Poller) catchUpDelay(untilTick time.Duration) (time.Duration, bool) {
	now := p.now()
	status := p.limits.Status()
	delay := status.MinuteReset.Sub(now) + p.catchUpMargin
	if status.MinuteBudget(now) > p.reserve {
		delay = p.catchUpMargin
	}
	if delay <= 0 || delay >= untilTick {
		delay = untilTick / 2
	}
	return delay, delay >= p.catchUpMargin
}

// CurrentInterval is the poll interval including any rate limit backoff
func (p *Poller) CurrentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	interval := p.interval * time.Duration(p.backoffFactor)
	ceiling := max(constants.MaxPollBackoff, p.interval)
	return min(interval, ceiling)
}

func (p *Poller) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pending...)
}

// Unsupported reports whether polling was stopped for a device that cannot report state
func (p *Poller) Unsupported(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsupported[deviceID]
}

// PollCycle fetches every pollable device, deferred devices first, within the current budget
func (p *Poller) PollCycle(ctx context.Context) CycleResult {
	return p.cycle(ctx, false)
}

func (p *Poller) pollPending(ctx context.Context) CycleResult {
	return p.cycle(ctx, true)
}

func (p *Poller) cycle(ctx context.Context, pendingOnly bool) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	devices := p.devices.List()
	byID := lo.KeyBy(devices, func(d models.Device) string { return d.ID })

	p.mu.Lock()
	queue := lo.Filter(p.pending, func(id string, _ int) bool {
		_, known := byID[id]
		return known && !p.unsupported[id]
	})
	if !pendingOnly {
		for _, d := range devices {
			if !p.unsupported[d.ID] && !lo.Contains(queue, d.ID) {
				queue = append(queue, d.ID)
			}
		}
	}
	p.mu.Unlock()

	now := p.now()
	status := p.limits.Status()
	budget := max(status.MinuteBudget(now)-p.reserve, 0)
	if status.DayBudget(now) <= 0 {
		budget = 0
	}

	batch, deferred := queue, []string{}
	if len(queue) > budget {
		batch, deferred = queue[:budget], append(deferred, queue[budget:]...)
		p.logger.Warn("rate limit budget insufficient for full poll, deferring devices",
			"budget", budget, "devices", len(queue), "deferred", len(deferred))
	}

	p.mu.Lock()
	p.pending = deferred
	p.mu.Unlock()

	result := CycleResult{Failed: map[string]error{}, Deferred: deferred}
	if len(batch) > 0 {
		worker := concurrency.NewThrottledWorker(min(p.concurrency, len(batch)), 0, func(ctx context.Context, id string) error {
			return p.pollDevice(ctx, byID[id])
		})
		result.Failed = worker.Run(ctx, batch)
		result.Fetched = lo.Filter(batch, func(id string, _ int) bool {
			_, failed := result.Failed[id]
			return !failed
		})
	}

	p.adjustBackoff(result)
	status = p.limits.Status()
	p.reporter.CheckBudget(status)
	if p.observer != nil {
		p.observer(result, status)
	}

	p.logger.Debug("poll cycle complete", "fetched", len(result.Fetched), "failed", len(result.Failed), "deferred", len(deferred))
	return result
}

func (p *Poller) pollDevice(ctx context.Context, device models.Device) error {
	caps, err := p.fetcher.GetDeviceState(ctx, device.ID, device.SKU)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if p.reporter.Report(device.ID, err) == classifier.KindDeviceNotFound {
			p.markUnsupported(device)
			return err
		}
		p.sink.MarkError(device.ID, err)
		return err
	}

	p.sink.Apply(models.StateUpdate{
		DeviceID:  device.ID,
		Source:    models.SourcePoll,
		Timestamp: p.now(),
		Values:    govee.StateValues(caps),
	})
	return nil
}

// markUnsupported stops polling a device the cloud cannot report on. Commands still work.
func (p *Poller) markUnsupported(device models.Device) {
	p.mu.Lock()
	p.unsupported[device.ID] = true
	p.mu.Unlock()

	p.logger.Info("device does not support state queries, polling disabled for this session",
		"device", device.ID, "name", device.Name, "group", device.IsGroup)
	p.sink.Apply(models.StateUpdate{
		DeviceID:  device.ID,
		Source:    models.SourcePoll,
		Timestamp: p.now(),
		Values:    map[models.Attribute]any{models.AttrOnline: true},
	})
}

func (p *Poller) adjustBackoff(result CycleResult) {
	rateLimited := lo.SomeBy(lo.Values(result.Failed), gerrors.IsRateLimited)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case rateLimited:
		if p.interval*time.Duration(p.backoffFactor) < constants.MaxPollBackoff {
			p.backoffFactor *= 2
		}
		p.logger.Warn("rate limited, backing off poll interval", "interval", min(p.interval*time.Duration(p.backoffFactor), max(constants.MaxPollBackoff, p.interval)))
	case len(result.Fetched) > 0:
		if p.backoffFactor > 1 {
			p.logger.Info("poll succeeded, restoring poll interval", "interval", p.interval)
		}
		p.backoffFactor = 1
		p.reporter.ReportSuccess()
	}
}
