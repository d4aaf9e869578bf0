package models

import "fmt"

// RGB is a color triple as used by the cloud api
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Packed returns the single integer form used by colorRgb capabilities
func (c RGB) Packed() int {
	return (int(c.R) << 16) + (int(c.G) << 8) + int(c.B)
}

func (c RGB) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// RGBFromPacked decodes a packed colorRgb value
func RGBFromPacked(v int) RGB {
	return RGB{
		R: uint8((v >> 16) & 0xFF),
		G: uint8((v >> 8) & 0xFF),
		B: uint8(v & 0xFF),
	}
}

// Color is either an RGB value or a white color temperature, never both
type Color struct {
	RGB    *RGB `json:"rgb,omitempty"`
	Kelvin int  `json:"kelvin,omitempty"`
}

func ColorFromRGB(c RGB) Color {
	return Color{RGB: &c}
}

func ColorFromKelvin(k int) Color {
	return Color{Kelvin: k}
}

func (c Color) IsTemperature() bool {
	return c.RGB == nil && c.Kelvin > 0
}
