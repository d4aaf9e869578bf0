// Package registry holds the device catalog built from discovery.
package registry

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
)

type deviceLister interface {
	GetDevices(ctx context.Context) ([]govee.DeviceData, error)
}

type catalog struct {
	devices []models.Device
	byID    map[string]models.Device
}

type Registry struct {
	logger       *log.Logger
	api          deviceLister
	enableGroups bool

	catalog atomic.Pointer[catalog]
}

func NewRegistry(e *env.Env, api deviceLister) *Registry {
	r := &Registry{
		logger:       e.Logger,
		api:          api,
		enableGroups: e.Config.EnableGroups,
	}
	r.catalog.Store(&catalog{byID: map[string]models.Device{}})
	return r
}

// Discover fetches the account's devices and replaces the catalog in one step
func (r *Registry) Discover(ctx context.Context) ([]models.Device, error) {
	data, err := r.api.GetDevices(ctx)
	if err != nil {
		if gerrors.IsAuth(err) || errors.Is(err, gerrors.ErrConnection) {
			return nil, err
		}
		return nil, &gerrors.ConnectionError{Op: "discover", Err: err}
	}

	groups := 0
	devices := lo.FilterMap(data, func(d govee.DeviceData, _ int) (models.Device, bool) {
		device := toDevice(d)
		if device.IsGroup {
			groups++
			if !r.enableGroups {
				r.logger.Debug("skipping group device", "device", device.ID, "name", device.Name)
				return device, false
			}
		}
		return device, true
	})

	r.replace(devices)
	r.logger.Info("discovered devices", "devices", len(devices), "groups", groups, "groupsEnabled", r.enableGroups)
	return devices, nil
}

// Restore installs a previously persisted catalog, used when discovery is unavailable at startup
func (r *Registry) Restore(devices []models.Device) {
	r.replace(lo.Filter(devices, func(d models.Device, _ int) bool { return r.enableGroups || !d.IsGroup }))
}

func (r *Registry) replace(devices []models.Device) {
	r.catalog.Store(&catalog{
		devices: devices,
		byID:    lo.KeyBy(devices, func(d models.Device) string { return d.ID }),
	})
}

func (r *Registry) Get(deviceID string) (models.Device, bool) {
	d, ok := r.catalog.Load().byID[deviceID]
	return d, ok
}

func (r *Registry) List() []models.Device {
	return append([]models.Device(nil), r.catalog.Load().devices...)
}

func toDevice(d govee.DeviceData) models.Device {
	return models.Device{
		ID:           d.Device,
		SKU:          d.SKU,
		Name:         d.DeviceName,
		Type:         d.Type,
		Capabilities: d.Capabilities,
		IsGroup:      models.IsGroupDevice(d.Device, d.Type),
	}
}
