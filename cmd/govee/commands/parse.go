package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/wheelibin/goveed/internal/models"
)

// ParseCommand builds a command from a property name and a textual value.
// Scene names are resolved against scenes.
func ParseCommand(deviceID string, property string, value string, scenes []models.SceneRef) (models.Command, error) {
	switch strings.ToLower(property) {
	case "power":
		on, err := parseOnOff(value)
		if err != nil {
			return nil, err
		}
		return models.PowerCommand{DeviceID: deviceID, On: on}, nil

	case "brightness":
		b, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid brightness %q", value)
		}
		return models.BrightnessCommand{DeviceID: deviceID, Brightness: b}, nil

	case "color", "colour":
		rgb, err := ParseRGB(value)
		if err != nil {
			return nil, err
		}
		return models.ColorCommand{DeviceID: deviceID, Color: rgb}, nil

	case "kelvin", "temperature":
		k, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(value), "k"))
		if err != nil {
			return nil, fmt.Errorf("invalid color temperature %q", value)
		}
		return models.ColorTemperatureCommand{DeviceID: deviceID, Kelvin: k}, nil

	case "scene", "diy":
		scene, err := findScene(value, property == "diy", scenes)
		if err != nil {
			return nil, err
		}
		return models.SceneCommand{DeviceID: deviceID, Scene: scene}, nil

	case "segment-color":
		// 1,2,3=#ff0000
		segments, rest, err := parseSegments(value)
		if err != nil {
			return nil, err
		}
		rgb, err := ParseRGB(rest)
		if err != nil {
			return nil, err
		}
		return models.NewSegmentColorCommand(deviceID, segments, rgb), nil

	case "segment-brightness":
		segments, rest, err := parseSegments(value)
		if err != nil {
			return nil, err
		}
		b, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid brightness %q", rest)
		}
		return models.NewSegmentBrightnessCommand(deviceID, segments, b), nil

	case "music":
		// mode[:sensitivity]
		modeStr, sensStr, _ := strings.Cut(value, ":")
		mode, err := strconv.Atoi(modeStr)
		if err != nil {
			return nil, fmt.Errorf("invalid music mode %q", modeStr)
		}
		sensitivity := 100
		if sensStr != "" {
			if sensitivity, err = strconv.Atoi(sensStr); err != nil {
				return nil, fmt.Errorf("invalid sensitivity %q", sensStr)
			}
		}
		return models.MusicModeCommand{DeviceID: deviceID, Mode: models.MusicMode{Mode: mode, Sensitivity: sensitivity, AutoColor: true}}, nil

	case "nightlight", "gradient":
		on, err := parseOnOff(value)
		if err != nil {
			return nil, err
		}
		return models.ToggleCommand{DeviceID: deviceID, ToggleInstance: strings.ToLower(property) + "Toggle", On: on}, nil
	}
	return nil, fmt.Errorf("unknown property %q", property)
}

// ParseRGB accepts #rrggbb, rrggbb or r,g,b
func ParseRGB(value string) (models.RGB, error) {
	value = strings.TrimSpace(value)
	if parts := strings.Split(value, ","); len(parts) == 3 {
		channels := make([]uint8, 3)
		for i, p := range parts {
			v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
			if err != nil {
				return models.RGB{}, fmt.Errorf("invalid color channel %q", p)
			}
			channels[i] = uint8(v)
		}
		return models.RGB{R: channels[0], G: channels[1], B: channels[2]}, nil
	}

	hex := strings.TrimPrefix(value, "#")
	if len(hex) != 6 {
		return models.RGB{}, fmt.Errorf("invalid color %q", value)
	}
	packed, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return models.RGB{}, fmt.Errorf("invalid color %q", value)
	}
	return models.RGBFromPacked(int(packed)), nil
}

func parseOnOff(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", value)
}

func parseSegments(value string) ([]int, string, error) {
	list, rest, found := strings.Cut(value, "=")
	if !found {
		return nil, "", fmt.Errorf("expected segments=value, got %q", value)
	}
	segments := []int{}
	for _, s := range strings.Split(list, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, "", fmt.Errorf("invalid segment %q", s)
		}
		segments = append(segments, i)
	}
	return segments, rest, nil
}

func findScene(value string, diy bool, scenes []models.SceneRef) (models.SceneRef, error) {
	candidates := lo.Filter(scenes, func(s models.SceneRef, _ int) bool { return s.DIY == diy })
	if id, err := strconv.Atoi(value); err == nil {
		if scene, ok := lo.Find(candidates, func(s models.SceneRef) bool { return s.ID == id }); ok {
			return scene, nil
		}
		return models.SceneRef{ID: id, DIY: diy}, nil
	}
	scene, ok := lo.Find(candidates, func(s models.SceneRef) bool { return strings.EqualFold(s.Name, value) })
	if !ok {
		return models.SceneRef{}, fmt.Errorf("no scene named %q", value)
	}
	return scene, nil
}
