package models

import (
	"sort"

	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/constants"
	gerrors "github.com/wheelibin/goveed/internal/errors"
)

// Command is one control action. The set of implementations is closed.
type Command interface {
	Target() string
	CapabilityType() string
	Instance() string
	// Value is the capability value sent to the cloud api
	Value() any
	// Optimistic is the expected effect on merged state
	Optimistic() map[Attribute]any
	// Validate checks the command against the device's capabilities
	Validate(d Device) error

	isCommand()
}

// CapabilityPayload is the capability block of a control request
func CapabilityPayload(cmd Command) map[string]any {
	return map[string]any{
		"type":     cmd.CapabilityType(),
		"instance": cmd.Instance(),
		"value":    cmd.Value(),
	}
}

func requireCapability(d Device, capType string, instance string) (Capability, error) {
	c, ok := d.Capability(capType, instance)
	if !ok {
		return Capability{}, &gerrors.CapabilityNotSupportedError{DeviceID: d.ID, Type: capType, Instance: instance}
	}
	return c, nil
}

func checkRange(deviceID string, field string, v int, min int, max int) error {
	if v < min || v > max {
		return gerrors.Validationf(deviceID, field, "%d outside range %d-%d", v, min, max)
	}
	return nil
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}

type PowerCommand struct {
	DeviceID string
	On       bool
}

func (c PowerCommand) Target() string         { return c.DeviceID }
func (c PowerCommand) CapabilityType() string { return constants.CapabilityOnOff }
func (c PowerCommand) Instance() string       { return constants.InstancePowerSwitch }
func (c PowerCommand) Value() any             { return boolValue(c.On) }
func (PowerCommand) isCommand()               {}

func (c PowerCommand) Optimistic() map[Attribute]any {
	values := map[Attribute]any{AttrPower: c.On}
	if !c.On {
		// scenes do not survive a power cycle
		values[AttrScene] = nil
	}
	return values
}

func (c PowerCommand) Validate(d Device) error {
	_, err := requireCapability(d, c.CapabilityType(), c.Instance())
	return err
}

type BrightnessCommand struct {
	DeviceID   string
	Brightness int
}

func (c BrightnessCommand) Target() string         { return c.DeviceID }
func (c BrightnessCommand) CapabilityType() string { return constants.CapabilityRange }
func (c BrightnessCommand) Instance() string       { return constants.InstanceBrightness }
func (c BrightnessCommand) Value() any             { return c.Brightness }
func (BrightnessCommand) isCommand()               {}

func (c BrightnessCommand) Optimistic() map[Attribute]any {
	return map[Attribute]any{AttrBrightness: c.Brightness, AttrScene: nil}
}

func (c BrightnessCommand) Validate(d Device) error {
	capability, err := requireCapability(d, c.CapabilityType(), c.Instance())
	if err != nil {
		return err
	}
	min, max := capability.Range(constants.MinBrightness, constants.MaxBrightness)
	return checkRange(d.ID, "brightness", c.Brightness, min, max)
}

type ColorCommand struct {
	DeviceID string
	Color    RGB
}

func (c ColorCommand) Target() string         { return c.DeviceID }
func (c ColorCommand) CapabilityType() string { return constants.CapabilityColorSetting }
func (c ColorCommand) Instance() string       { return constants.InstanceColorRGB }
func (c ColorCommand) Value() any             { return c.Color.Packed() }
func (ColorCommand) isCommand()               {}

func (c ColorCommand) Optimistic() map[Attribute]any {
	return map[Attribute]any{AttrColor: c.Color, AttrColorTemp: nil, AttrScene: nil}
}

func (c ColorCommand) Validate(d Device) error {
	_, err := requireCapability(d, c.CapabilityType(), c.Instance())
	return err
}

type ColorTemperatureCommand struct {
	DeviceID string
	Kelvin   int
}

func (c ColorTemperatureCommand) Target() string         { return c.DeviceID }
func (c ColorTemperatureCommand) CapabilityType() string { return constants.CapabilityColorSetting }
func (c ColorTemperatureCommand) Instance() string       { return constants.InstanceColorTemperature }
func (c ColorTemperatureCommand) Value() any             { return c.Kelvin }
func (ColorTemperatureCommand) isCommand()               {}

func (c ColorTemperatureCommand) Optimistic() map[Attribute]any {
	return map[Attribute]any{AttrColorTemp: c.Kelvin, AttrColor: nil, AttrScene: nil}
}

func (c ColorTemperatureCommand) Validate(d Device) error {
	capability, err := requireCapability(d, c.CapabilityType(), c.Instance())
	if err != nil {
		return err
	}
	min, max := capability.Range(constants.MinColorTemperature, constants.MaxColorTemperature)
	return checkRange(d.ID, "colorTemperatureK", c.Kelvin, min, max)
}

func validateSegments(d Device, segments []int) error {
	if len(segments) == 0 {
		return gerrors.Validationf(d.ID, "segment", "no segments given")
	}
	count := d.SegmentCount()
	for _, s := range segments {
		if s < 0 || s >= count {
			return gerrors.Validationf(d.ID, "segment", "index %d outside 0-%d", s, count-1)
		}
	}
	return nil
}

func normaliseSegments(segments []int) []int {
	out := lo.Uniq(segments)
	sort.Ints(out)
	return out
}

type SegmentColorCommand struct {
	DeviceID string
	Segments []int
	Color    RGB
}

func NewSegmentColorCommand(deviceID string, segments []int, color RGB) SegmentColorCommand {
	return SegmentColorCommand{DeviceID: deviceID, Segments: normaliseSegments(segments), Color: color}
}

func (c SegmentColorCommand) Target() string         { return c.DeviceID }
func (c SegmentColorCommand) CapabilityType() string { return constants.CapabilitySegmentColorSetting }
func (c SegmentColorCommand) Instance() string       { return constants.InstanceSegmentedColorRGB }
func (SegmentColorCommand) isCommand()               {}

func (c SegmentColorCommand) Value() any {
	return map[string]any{"segment": c.Segments, "rgb": c.Color.Packed()}
}

func (c SegmentColorCommand) Optimistic() map[Attribute]any {
	values := map[Attribute]any{AttrScene: nil}
	for _, s := range c.Segments {
		values[SegmentColorAttr(s)] = c.Color
	}
	return values
}

func (c SegmentColorCommand) Validate(d Device) error {
	if _, err := requireCapability(d, c.CapabilityType(), c.Instance()); err != nil {
		return err
	}
	return validateSegments(d, c.Segments)
}

type SegmentBrightnessCommand struct {
	DeviceID   string
	Segments   []int
	Brightness int
}

func NewSegmentBrightnessCommand(deviceID string, segments []int, brightness int) SegmentBrightnessCommand {
	return SegmentBrightnessCommand{DeviceID: deviceID, Segments: normaliseSegments(segments), Brightness: brightness}
}

func (c SegmentBrightnessCommand) Target() string { return c.DeviceID }
func (c SegmentBrightnessCommand) CapabilityType() string {
	return constants.CapabilitySegmentColorSetting
}
func (c SegmentBrightnessCommand) Instance() string { return constants.InstanceSegmentedBrightness }
func (SegmentBrightnessCommand) isCommand()         {}

func (c SegmentBrightnessCommand) Value() any {
	return map[string]any{"segment": c.Segments, "brightness": c.Brightness}
}

func (c SegmentBrightnessCommand) Optimistic() map[Attribute]any {
	values := map[Attribute]any{AttrScene: nil}
	for _, s := range c.Segments {
		values[SegmentBrightnessAttr(s)] = c.Brightness
	}
	return values
}

func (c SegmentBrightnessCommand) Validate(d Device) error {
	capability, err := requireCapability(d, c.CapabilityType(), c.Instance())
	if err != nil {
		return err
	}
	min, max := constants.MinBrightness, constants.MaxBrightness
	if r := capability.FieldRange("brightness"); r != nil {
		min, max = r.Min, r.Max
	}
	if err := checkRange(d.ID, "brightness", c.Brightness, min, max); err != nil {
		return err
	}
	return validateSegments(d, c.Segments)
}

// SceneCommand activates a dynamic scene, or a DIY scene when Scene.DIY is set
type SceneCommand struct {
	DeviceID string
	Scene    SceneRef
}

func (c SceneCommand) Target() string         { return c.DeviceID }
func (c SceneCommand) CapabilityType() string { return constants.CapabilityDynamicScene }
func (SceneCommand) isCommand()               {}

func (c SceneCommand) Instance() string {
	if c.Scene.DIY {
		return constants.InstanceDIYScene
	}
	return constants.InstanceLightScene
}

func (c SceneCommand) Value() any {
	if c.Scene.DIY {
		return c.Scene.ID
	}
	if len(c.Scene.Value) > 0 {
		return c.Scene.Value
	}
	return map[string]any{"id": c.Scene.ID, "name": c.Scene.Name}
}

func (c SceneCommand) Optimistic() map[Attribute]any {
	return map[Attribute]any{AttrScene: c.Scene, AttrMusicMode: nil}
}

func (c SceneCommand) Validate(d Device) error {
	if _, err := requireCapability(d, c.CapabilityType(), c.Instance()); err != nil {
		return err
	}
	if c.Scene.ID == 0 && len(c.Scene.Value) == 0 {
		return gerrors.Validationf(d.ID, "scene", "no scene id given")
	}
	return nil
}

type MusicModeCommand struct {
	DeviceID string
	Mode     MusicMode
}

func (c MusicModeCommand) Target() string         { return c.DeviceID }
func (c MusicModeCommand) CapabilityType() string { return constants.CapabilityMusicSetting }
func (c MusicModeCommand) Instance() string       { return constants.InstanceMusicMode }
func (MusicModeCommand) isCommand()               {}

func (c MusicModeCommand) Value() any {
	value := map[string]any{
		"musicMode":   c.Mode.Mode,
		"sensitivity": c.Mode.Sensitivity,
		"autoColor":   boolValue(c.Mode.AutoColor),
	}
	if c.Mode.Color != nil && !c.Mode.AutoColor {
		value["rgb"] = c.Mode.Color.Packed()
	}
	return value
}

func (c MusicModeCommand) Optimistic() map[Attribute]any {
	return map[Attribute]any{AttrMusicMode: c.Mode, AttrScene: nil}
}

func (c MusicModeCommand) Validate(d Device) error {
	capability, err := requireCapability(d, c.CapabilityType(), c.Instance())
	if err != nil {
		return err
	}
	min, max := 0, 100
	if r := capability.FieldRange("sensitivity"); r != nil {
		min, max = r.Min, r.Max
	}
	if err := checkRange(d.ID, "sensitivity", c.Mode.Sensitivity, min, max); err != nil {
		return err
	}
	options := capability.FieldOptions("musicMode")
	if len(options) == 0 {
		return nil
	}
	if !lo.ContainsBy(options, func(o Option) bool { return optionIntValue(o) == c.Mode.Mode }) {
		return gerrors.Validationf(d.ID, "musicMode", "%d is not an advertised mode", c.Mode.Mode)
	}
	return nil
}

// ToggleCommand switches a feature such as the night light
type ToggleCommand struct {
	DeviceID       string
	ToggleInstance string
	On             bool
}

func (c ToggleCommand) Target() string         { return c.DeviceID }
func (c ToggleCommand) CapabilityType() string { return constants.CapabilityToggle }
func (c ToggleCommand) Instance() string       { return c.ToggleInstance }
func (c ToggleCommand) Value() any             { return boolValue(c.On) }
func (ToggleCommand) isCommand()               {}

func (c ToggleCommand) Optimistic() map[Attribute]any {
	return map[Attribute]any{ToggleAttr(c.ToggleInstance): c.On}
}

func (c ToggleCommand) Validate(d Device) error {
	_, err := requireCapability(d, c.CapabilityType(), c.Instance())
	return err
}
