package models

import (
	"encoding/json"
	"unicode"

	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/constants"
)

type Range struct {
	Min       int `json:"min"`
	Max       int `json:"max"`
	Precision int `json:"precision,omitempty"`
}

type Option struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type Field struct {
	FieldName    string   `json:"fieldName"`
	DataType     string   `json:"dataType,omitempty"`
	Required     bool     `json:"required,omitempty"`
	Options      []Option `json:"options,omitempty"`
	Range        *Range   `json:"range,omitempty"`
	ElementRange *Range   `json:"elementRange,omitempty"`
	Size         *Range   `json:"size,omitempty"`
}

type CapabilityParameters struct {
	DataType     string   `json:"dataType,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Range        *Range   `json:"range,omitempty"`
	Options      []Option `json:"options,omitempty"`
	Fields       []Field  `json:"fields,omitempty"`
	SegmentCount int      `json:"segmentCount,omitempty"`
}

type Capability struct {
	Type       string               `json:"type"`
	Instance   string               `json:"instance"`
	Parameters CapabilityParameters `json:"parameters"`
}

// Range returns the capability's numeric range, or the fallback when none was advertised
func (c Capability) Range(fallbackMin, fallbackMax int) (int, int) {
	if c.Parameters.Range == nil {
		return fallbackMin, fallbackMax
	}
	return c.Parameters.Range.Min, c.Parameters.Range.Max
}

// SegmentCount derives the number of addressable segments. The highest
// element index wins, then an explicit count, then the maximum array size.
func (c Capability) SegmentCount() int {
	segField, found := lo.Find(c.Parameters.Fields, func(f Field) bool { return f.FieldName == "segment" })
	if found && segField.ElementRange != nil {
		return segField.ElementRange.Max + 1
	}
	if c.Parameters.SegmentCount > 0 {
		return c.Parameters.SegmentCount
	}
	if found && segField.Size != nil {
		return segField.Size.Max
	}
	return 0
}

// FieldOptions returns the enum options of a structured field
func (c Capability) FieldOptions(fieldName string) []Option {
	f, found := lo.Find(c.Parameters.Fields, func(f Field) bool { return f.FieldName == fieldName })
	if !found {
		return nil
	}
	return f.Options
}

// FieldRange returns the range of a structured field
func (c Capability) FieldRange(fieldName string) *Range {
	f, found := lo.Find(c.Parameters.Fields, func(f Field) bool { return f.FieldName == fieldName })
	if !found {
		return nil
	}
	return f.Range
}

// Device is immutable once discovered; re-discovery replaces the catalog
type Device struct {
	ID           string       `json:"device"`
	SKU          string       `json:"sku"`
	Name         string       `json:"deviceName"`
	Type         string       `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	IsGroup      bool         `json:"isGroup"`
}

func (d Device) Capability(capType string, instance string) (Capability, bool) {
	return lo.Find(d.Capabilities, func(c Capability) bool {
		return c.Type == capType && c.Instance == instance
	})
}

// CapabilityByInstance finds a capability by instance name alone, which is unique per device
func (d Device) CapabilityByInstance(instance string) (Capability, bool) {
	return lo.Find(d.Capabilities, func(c Capability) bool { return c.Instance == instance })
}

func (d Device) SegmentCount() int {
	c, ok := d.Capability(constants.CapabilitySegmentColorSetting, constants.InstanceSegmentedColorRGB)
	if !ok {
		c, ok = d.Capability(constants.CapabilitySegmentColorSetting, constants.InstanceSegmentedBrightness)
	}
	if !ok {
		return 0
	}
	return c.SegmentCount()
}

// IsGroupDevice reports whether a device id and type describe a virtual group
func IsGroupDevice(id string, deviceType string) bool {
	switch deviceType {
	case constants.DeviceTypeGroup, constants.DeviceTypeSameModeGroup, constants.DeviceTypeScenicGroup:
		return true
	}
	if id == "" {
		return false
	}
	for _, r := range id {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
