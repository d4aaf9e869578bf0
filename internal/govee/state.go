package govee

import (
	"encoding/json"
	"strconv"

	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/models"
)

// StateValues converts the capability states of a state query into attribute values
func StateValues(caps []CapabilityState) map[models.Attribute]any {
	values := map[models.Attribute]any{}
	var kelvin *int
	var rgb *models.RGB

	for _, c := range caps {
		raw := c.State.Value
		switch c.Type {
		case constants.CapabilityOnline:
			if b, ok := rawBool(raw); ok {
				values[models.AttrOnline] = b
			}

		case constants.CapabilityOnOff:
			if c.Instance == constants.InstancePowerSwitch {
				if b, ok := rawBool(raw); ok {
					values[models.AttrPower] = b
				}
			}

		case constants.CapabilityRange:
			if c.Instance == constants.InstanceBrightness {
				if i, ok := rawInt(raw); ok {
					values[models.AttrBrightness] = i
				}
			}

		case constants.CapabilityColorSetting:
			switch c.Instance {
			case constants.InstanceColorRGB:
				if i, ok := rawInt(raw); ok {
					v := models.RGBFromPacked(i)
					rgb = &v
				} else {
					v := models.RGB{}
					if err := json.Unmarshal(raw, &v); err == nil {
						rgb = &v
					}
				}
			case constants.InstanceColorTemperature:
				if i, ok := rawInt(raw); ok {
					kelvin = &i
				}
			}

		case constants.CapabilityToggle:
			if b, ok := rawBool(raw); ok {
				values[models.ToggleAttr(c.Instance)] = b
			}
		}
	}

	// a non zero temperature means the device is in white mode
	switch {
	case kelvin != nil && *kelvin > 0:
		values[models.AttrColorTemp] = *kelvin
		values[models.AttrColor] = nil
	case rgb != nil:
		values[models.AttrColor] = *rgb
		values[models.AttrColorTemp] = nil
	}

	return values
}

func rawInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
	}
	return 0, false
}

func rawBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	if i, ok := rawInt(raw); ok {
		return i != 0, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "true" || s == "online", true
	}
	return false, false
}
