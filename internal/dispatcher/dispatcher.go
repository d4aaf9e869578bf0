// Package dispatcher validates commands, applies their optimistic effect and
// sends them to the cloud.
package dispatcher

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/push"
)

type Status string

const (
	// StatusSent means the transport accepted the command
	StatusSent Status = "sent"
	// StatusRetained means sending failed in transit; the optimistic value stays
	StatusRetained Status = "retained"
	// StatusRolledBack means the cloud rejected the command and the optimistic value was removed
	StatusRolledBack Status = "rolled_back"
	// StatusRejected means the command failed validation and nothing was sent
	StatusRejected Status = "rejected"
)

const (
	ViaREST = "rest"
	ViaPush = "push"
)

type Outcome struct {
	CommandID string
	DeviceID  string
	Status    Status
	Via       string
	At        time.Time
}

type deviceGetter interface {
	Get(deviceID string) (models.Device, bool)
}

type stateWriter interface {
	ApplyOptimistic(u models.OptimisticUpdate) *models.DeviceState
	Rollback(deviceID string, commandID string) *models.DeviceState
}

type controller interface {
	Control(ctx context.Context, deviceID string, sku string, capability map[string]any) error
}

type pushPublisher interface {
	IsConnected() bool
	HasTopic(deviceID string) bool
	Publish(ctx context.Context, cmd models.Command) error
}

type sceneCatalog interface {
	CachedScenes(deviceID string) ([]models.SceneRef, bool)
}

type errorReporter interface {
	Report(deviceID string, err error) classifier.Kind
	ReportSuccess()
}

type Dispatcher struct {
	logger   *log.Logger
	now      func() time.Time
	cfg      *config.Config
	devices  deviceGetter
	state    stateWriter
	api      controller
	push     pushPublisher
	scenes   sceneCatalog
	reporter errorReporter
}

// NewDispatcher builds a dispatcher. push and scenes may be nil.
func NewDispatcher(
	e *env.Env,
	devices deviceGetter,
	state stateWriter,
	api controller,
	push pushPublisher,
	scenes sceneCatalog,
	reporter errorReporter,
) *Dispatcher {
	return &Dispatcher{
		logger:   e.Logger,
		now:      e.Now,
		cfg:      e.Config,
		devices:  devices,
		state:    state,
		api:      api,
		push:     push,
		scenes:   scenes,
		reporter: reporter,
	}
}

// Dispatch validates cmd, records its optimistic effect and sends it.
// Validation failures return StatusRejected and touch no state.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.Command) (Outcome, error) {
	outcome := Outcome{DeviceID: cmd.Target(), At: d.now(), Status: StatusRejected}

	device, err := d.validate(cmd)
	if err != nil {
		d.reporter.Report(cmd.Target(), err)
		return outcome, err
	}

	outcome.CommandID = uuid.NewString()
	d.state.ApplyOptimistic(models.OptimisticUpdate{
		DeviceID:  device.ID,
		CommandID: outcome.CommandID,
		Timestamp: outcome.At,
		Deadline:  outcome.At.Add(d.cfg.OptimisticTimeout),
		Values:    cmd.Optimistic(),
	})

	outcome.Via = ViaREST
	if d.viaPush(cmd) {
		outcome.Via = ViaPush
		err = d.push.Publish(ctx, cmd)
	} else {
		err = d.api.Control(ctx, device.ID, device.SKU, models.CapabilityPayload(cmd))
	}

	if err == nil {
		outcome.Status = StatusSent
		d.logger.Debug("command sent", "device", device.ID, "instance", cmd.Instance(), "via", outcome.Via, "command", outcome.CommandID)
		if outcome.Via == ViaREST {
			d.reporter.ReportSuccess()
		}
		return outcome, nil
	}

	d.reporter.Report(device.ID, err)
	if gerrors.IsRejection(err) {
		d.state.Rollback(device.ID, outcome.CommandID)
		outcome.Status = StatusRolledBack
		d.logger.Warn("command rejected, optimistic state rolled back", "device", device.ID, "instance", cmd.Instance(), "err", err)
		return outcome, err
	}

	outcome.Status = StatusRetained
	d.logger.Warn("command delivery failed, keeping optimistic state", "device", device.ID, "instance", cmd.Instance(), "err", err)
	return outcome, err
}

func (d *Dispatcher) validate(cmd models.Command) (models.Device, error) {
	device, ok := d.devices.Get(cmd.Target())
	if !ok {
		return device, gerrors.Validationf(cmd.Target(), "device", "unknown device")
	}

	switch c := cmd.(type) {
	case models.SegmentColorCommand, models.SegmentBrightnessCommand:
		if !d.cfg.EnableSegments {
			return device, gerrors.Validationf(device.ID, "segments", "segment control is disabled")
		}
	case models.SceneCommand:
		if c.Scene.DIY && !d.cfg.EnableDIYScenes {
			return device, gerrors.Validationf(device.ID, "scene", "DIY scenes are disabled")
		}
		if !c.Scene.DIY && !d.cfg.EnableScenes {
			return device, gerrors.Validationf(device.ID, "scene", "scenes are disabled")
		}
	}

	if err := cmd.Validate(device); err != nil {
		return device, err
	}
	return device, d.validateScene(device, cmd)
}

// validateScene checks a scene against the device's cached scene list when one has been fetched
func (d *Dispatcher) validateScene(device models.Device, cmd models.Command) error {
	c, ok := cmd.(models.SceneCommand)
	if !ok || d.scenes == nil {
		return nil
	}
	scenes, cached := d.scenes.CachedScenes(device.ID)
	if !cached {
		return nil
	}
	if !lo.ContainsBy(scenes, func(s models.SceneRef) bool { return s.ID == c.Scene.ID && s.DIY == c.Scene.DIY }) {
		return gerrors.Validationf(device.ID, "scene", "scene %d is not available on this device", c.Scene.ID)
	}
	return nil
}

func (d *Dispatcher) viaPush(cmd models.Command) bool {
	if d.push == nil || !push.Supports(cmd) || !lo.Contains(d.cfg.Push.PreferForCommands, cmd.Instance()) {
		return false
	}
	return d.push.IsConnected() && d.push.HasTopic(cmd.Target())
}
