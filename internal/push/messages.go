package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/models"
)

type inboundColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type inboundState struct {
	OnOff            *int          `json:"onOff"`
	Brightness       *int          `json:"brightness"`
	Color            *inboundColor `json:"color"`
	ColorTemInKelvin *int          `json:"colorTemInKelvin"`
}

type inboundMessage struct {
	Device string          `json:"device"`
	SKU    string          `json:"sku"`
	State  *inboundState   `json:"state"`
	Msg    json.RawMessage `json:"msg"`
}

type outboundCommand struct {
	Cmd         string `json:"cmd"`
	Data        any    `json:"data"`
	CmdVersion  int    `json:"cmdVersion"`
	Transaction string `json:"transaction"`
	Type        int    `json:"type"`
}

type outboundMessage struct {
	Msg outboundCommand `json:"msg"`
}

type valueData struct {
	Val int `json:"val"`
}

type colorData struct {
	Color            inboundColor `json:"color"`
	ColorTemInKelvin int          `json:"colorTemInKelvin"`
}

// DecodeState turns a state message into a partial update tagged push.
// Command echoes and messages without a device or state report false.
func DecodeState(payload []byte, receivedAt time.Time) (models.StateUpdate, bool, error) {
	msg := inboundMessage{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.StateUpdate{}, false, fmt.Errorf("error decoding push message: %w", err)
	}
	if msg.Msg != nil || msg.Device == "" || msg.State == nil {
		return models.StateUpdate{}, false, nil
	}

	values := map[models.Attribute]any{}
	s := msg.State
	if s.OnOff != nil {
		values[models.AttrPower] = *s.OnOff == 1
	}
	if s.Brightness != nil {
		values[models.AttrBrightness] = *s.Brightness
	}

	// a kelvin of zero means the device is in rgb mode
	switch {
	case s.ColorTemInKelvin != nil && *s.ColorTemInKelvin > 0:
		values[models.AttrColorTemp] = *s.ColorTemInKelvin
		values[models.AttrColor] = nil
	case s.Color != nil:
		values[models.AttrColor] = models.RGB{R: clampByte(s.Color.R), G: clampByte(s.Color.G), B: clampByte(s.Color.B)}
		values[models.AttrColorTemp] = nil
	}

	if len(values) == 0 {
		return models.StateUpdate{}, false, nil
	}
	return models.StateUpdate{
		DeviceID:  msg.Device,
		Source:    models.SourcePush,
		Timestamp: receivedAt,
		Values:    values,
	}, true, nil
}

// commandData maps a command onto the push channel command set
func commandData(cmd models.Command) (string, any, bool) {
	switch c := cmd.(type) {
	case models.PowerCommand:
		v := 0
		if c.On {
			v = 1
		}
		return constants.PushCmdTurn, valueData{Val: v}, true
	case models.BrightnessCommand:
		return constants.PushCmdBrightness, valueData{Val: c.Brightness}, true
	case models.ColorCommand:
		return constants.PushCmdColor, colorData{Color: inboundColor{R: int(c.Color.R), G: int(c.Color.G), B: int(c.Color.B)}}, true
	case models.ColorTemperatureCommand:
		return constants.PushCmdColor, colorData{ColorTemInKelvin: c.Kelvin}, true
	}
	return "", nil, false
}

// Supports reports whether cmd can be sent over the push channel
func Supports(cmd models.Command) bool {
	_, _, ok := commandData(cmd)
	return ok
}

func clampByte(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}
