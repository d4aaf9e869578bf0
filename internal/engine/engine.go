// Package engine wires the coordination components together and exposes the
// operations used by the presentation layer.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/dispatcher"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/events"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/poller"
	"github.com/wheelibin/goveed/internal/push"
	"github.com/wheelibin/goveed/internal/reconciler"
	"github.com/wheelibin/goveed/internal/registry"
)

// Store persists the catalog and the last known state between runs
type Store interface {
	SaveDevices(devices []models.Device) error
	LoadDevices() ([]models.Device, error)
	LoadSnapshots() ([]*models.DeviceState, error)
}

type Options struct {
	HTTPClient *http.Client
	// Store enables warm starts. Optional.
	Store Store
	// SignalSink receives repair signals. Optional.
	SignalSink classifier.SignalSink
	// Dialer overrides the MQTT dialer for the push channel
	Dialer         push.Dialer
	AccountBaseURL string
}

type Engine struct {
	logger *log.Logger
	cfg    *config.Config
	store  Store

	bus        *events.Bus
	limits     *govee.RateLimiter
	api        *govee.APIService
	classifier *classifier.Classifier
	registry   *registry.Registry
	reconciler *reconciler.Reconciler
	poller     *poller.Poller
	dispatcher *dispatcher.Dispatcher
	channel    *push.Channel

	scenesMu sync.RWMutex
	scenes   map[string][]models.SceneRef
}

func New(e *env.Env, opts Options) *Engine {
	cfg := e.Config
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	bus := events.NewBus(e.Component("bus").Logger)
	limits := govee.NewRateLimiter(cfg.API.RequestsPerMinute, cfg.API.RequestsPerDay, e.Now)
	api := govee.NewAPIService(e.Component("api"), client, limits)
	cls := classifier.NewClassifier(e.Component("classifier"), opts.SignalSink, bus, limits)
	reg := registry.NewRegistry(e.Component("registry"), api)
	rec := reconciler.NewReconciler(e.Component("reconciler"), bus)

	g := &Engine{
		logger:     e.Logger,
		cfg:        cfg,
		store:      opts.Store,
		bus:        bus,
		limits:     limits,
		api:        api,
		classifier: cls,
		registry:   reg,
		reconciler: rec,
		poller:     poller.NewPoller(e.Component("poller"), api, reg, rec, limits, cls),
		scenes:     map[string][]models.SceneRef{},
	}

	if cfg.Push.Enabled {
		account := govee.NewAccountService(e.Component("account"), client, opts.AccountBaseURL)
		dialer := opts.Dialer
		if dialer == nil {
			dialer = push.NewMQTTDialer(e.Component("mqtt").Logger, cfg.Push.Endpoint)
		}
		g.channel = push.NewChannel(e.Component("push"), account, dialer, cls)
		g.dispatcher = dispatcher.NewDispatcher(e.Component("dispatcher"), reg, rec, api, g.channel, g, cls)
	} else {
		g.dispatcher = dispatcher.NewDispatcher(e.Component("dispatcher"), reg, rec, api, nil, g, cls)
	}

	return g
}

// Initialise discovers devices, warm starts state from the store and fetches scenes.
// When discovery fails for a transient reason a stored catalog is used instead.
func (g *Engine) Initialise(ctx context.Context) error {
	g.logger.Debug("Engine.Initialise")

	devices, err := g.registry.Discover(ctx)
	if err != nil {
		g.classifier.Report("", err)
		if gerrors.IsAuth(err) || !g.restoreCatalog() {
			return err
		}
		devices = g.registry.List()
		g.logger.Warn("discovery failed, using stored device catalog", "devices", len(devices), "err", err)
	} else {
		g.classifier.ReportSuccess()
		g.saveCatalog(devices)
	}

	g.warmStart(devices)

	if g.cfg.EnableScenes || g.cfg.EnableDIYScenes {
		for _, d := range devices {
			if !hasSceneCapability(d) {
				continue
			}
			if _, err := g.RefreshScenes(ctx, d.ID); err != nil {
				g.logger.Warn("failed to fetch scenes", "device", d.ID, "err", err)
			}
		}
	}
	return nil
}

func (g *Engine) restoreCatalog() bool {
	if g.store == nil {
		return false
	}
	devices, err := g.store.LoadDevices()
	if err != nil {
		g.logger.Error("failed to load stored devices", "err", err)
		return false
	}
	if len(devices) == 0 {
		return false
	}
	g.registry.Restore(devices)
	return true
}

func (g *Engine) saveCatalog(devices []models.Device) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveDevices(devices); err != nil {
		g.logger.Error("failed to store devices", "err", err)
	}
}

func (g *Engine) warmStart(devices []models.Device) {
	if g.store == nil {
		return
	}
	snapshots, err := g.store.LoadSnapshots()
	if err != nil {
		g.logger.Error("failed to load stored state", "err", err)
		return
	}
	known := lo.SliceToMap(devices, func(d models.Device) (string, bool) { return d.ID, true })
	for _, s := range snapshots {
		if known[s.DeviceID] {
			g.reconciler.Seed(s)
		}
	}
}

// Run polls, listens to the push channel and merges push updates until ctx is cancelled
func (g *Engine) Run(ctx context.Context) {
	g.logger.Debug("Engine.Run")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.poller.Run(ctx)
	}()

	var pushUpdates <-chan models.StateUpdate
	if g.channel != nil {
		pushUpdates = g.channel.Updates()
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.channel.Run(ctx)
		}()
	}

	sweepTimer := time.NewTicker(max(g.cfg.OptimisticTimeout/2, time.Second))
	defer sweepTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Engine.Run: stop signal received")
			g.awaitShutdown(&wg)
			return

		case u := <-pushUpdates:
			g.applyPush(u)

		case <-sweepTimer.C:
			if n := g.reconciler.SweepStale(); n > 0 {
				g.logger.Debug("Engine.Run: optimistic values went stale", "count", n)
			}
		}
	}
}

func (g *Engine) applyPush(u models.StateUpdate) {
	if _, ok := g.registry.Get(u.DeviceID); !ok {
		g.logger.Debug("ignoring push update for unknown device", "device", u.DeviceID)
		return
	}
	g.reconciler.Apply(u)
}

// awaitShutdown waits for in-flight fetches and the push channel, bounded by the shutdown timeout
func (g *Engine) awaitShutdown(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := g.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = constants.DefaultShutdownTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		g.logger.Warn("shutdown timed out waiting for in-flight work", "timeout", timeout)
	}
}

func (g *Engine) GetDevices() []models.Device {
	return g.registry.List()
}

func (g *Engine) GetState(deviceID string) (*models.DeviceState, bool) {
	return g.reconciler.GetState(deviceID)
}

func (g *Engine) States() []*models.DeviceState {
	return g.reconciler.States()
}

func (g *Engine) Subscribe(deviceID string, o events.Observer) *events.Subscription {
	return g.bus.Subscribe(deviceID, o)
}

func (g *Engine) SubscribeSignals(fn events.SignalFunc) *events.Subscription {
	return g.bus.SubscribeSignals(fn)
}

func (g *Engine) Dispatch(ctx context.Context, cmd models.Command) (dispatcher.Outcome, error) {
	return g.dispatcher.Dispatch(ctx, cmd)
}

func (g *Engine) RateLimitStatus() models.RateLimitStatus {
	return g.limits.Status()
}

// OnPollCycle registers a hook called after every poll cycle
func (g *Engine) OnPollCycle(fn poller.CycleObserver) {
	g.poller.OnCycle(fn)
}

// PollNow runs one poll cycle immediately
func (g *Engine) PollNow(ctx context.Context) poller.CycleResult {
	return g.poller.PollCycle(ctx)
}

// Rediscover refreshes the catalog and drops state of devices that disappeared
func (g *Engine) Rediscover(ctx context.Context) ([]models.Device, error) {
	before := g.registry.List()
	devices, err := g.registry.Discover(ctx)
	if err != nil {
		g.classifier.Report("", err)
		return nil, err
	}
	g.saveCatalog(devices)

	current := lo.SliceToMap(devices, func(d models.Device) (string, bool) { return d.ID, true })
	for _, d := range before {
		if !current[d.ID] {
			g.logger.Info("device removed", "device", d.ID, "name", d.Name)
			g.reconciler.Forget(d.ID)
			g.forgetScenes(d.ID)
		}
	}
	return devices, nil
}

// RefreshScenes fetches the dynamic and DIY scenes of a device. On failure the
// cached list is returned when there is one.
func (g *Engine) RefreshScenes(ctx context.Context, deviceID string) ([]models.SceneRef, error) {
	device, ok := g.registry.Get(deviceID)
	if !ok {
		return nil, &gerrors.DeviceNotFoundError{DeviceID: deviceID}
	}

	scenes, err := g.fetchScenes(ctx, device)
	if err != nil {
		g.classifier.Report(deviceID, err)
		if cached, ok := g.CachedScenes(deviceID); ok {
			g.logger.Warn("scene refresh failed, using cached scenes", "device", deviceID, "err", err)
			return cached, nil
		}
		return nil, err
	}

	g.scenesMu.Lock()
	g.scenes[deviceID] = scenes
	g.scenesMu.Unlock()
	g.logger.Debug("scenes refreshed", "device", deviceID, "count", len(scenes))
	return scenes, nil
}

func (g *Engine) fetchScenes(ctx context.Context, device models.Device) ([]models.SceneRef, error) {
	scenes := []models.SceneRef{}

	if _, ok := device.Capability(constants.CapabilityDynamicScene, constants.InstanceLightScene); ok && g.cfg.EnableScenes {
		resp, err := g.api.GetDynamicScenes(ctx, device.ID, device.SKU)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, scenesFrom(resp, constants.InstanceLightScene, false)...)
	}

	if _, ok := device.Capability(constants.CapabilityDynamicScene, constants.InstanceDIYScene); ok && g.cfg.EnableDIYScenes {
		resp, err := g.api.GetDIYScenes(ctx, device.ID, device.SKU)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, scenesFrom(resp, constants.InstanceDIYScene, true)...)
	}

	return scenes, nil
}

func scenesFrom(resp govee.ScenesResponse, instance string, diy bool) []models.SceneRef {
	scenes := []models.SceneRef{}
	for _, c := range resp.Payload.Capabilities {
		if c.Instance != instance {
			continue
		}
		for _, o := range c.Parameters.Options {
			scenes = append(scenes, models.SceneFromOption(o, diy))
		}
	}
	return scenes
}

// CachedScenes returns the last fetched scene list of a device
func (g *Engine) CachedScenes(deviceID string) ([]models.SceneRef, bool) {
	g.scenesMu.RLock()
	defer g.scenesMu.RUnlock()
	scenes, ok := g.scenes[deviceID]
	return scenes, ok
}

func (g *Engine) forgetScenes(deviceID string) {
	g.scenesMu.Lock()
	defer g.scenesMu.Unlock()
	delete(g.scenes, deviceID)
}

func hasSceneCapability(d models.Device) bool {
	return lo.ContainsBy(d.Capabilities, func(c models.Capability) bool {
		return c.Type == constants.CapabilityDynamicScene
	})
}

// IsFatal reports whether an initialisation error needs user action before retrying
func IsFatal(err error) bool {
	return errors.Is(err, gerrors.ErrAuth)
}
