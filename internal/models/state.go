package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Source string

const (
	SourcePoll       Source = "poll"
	SourcePush       Source = "push"
	SourceOptimistic Source = "optimistic"
)

// Priority orders sources for conflict resolution, higher wins
func (s Source) Priority() int {
	switch s {
	case SourcePush:
		return 3
	case SourcePoll:
		return 2
	case SourceOptimistic:
		return 1
	}
	return 0
}

func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poll", "api":
		return SourcePoll, nil
	case "push", "mqtt":
		return SourcePush, nil
	case "optimistic":
		return SourceOptimistic, nil
	}
	return "", fmt.Errorf("unknown state source %q", s)
}

type Attribute string

const (
	AttrPower      Attribute = "power"
	AttrBrightness Attribute = "brightness"
	AttrColor      Attribute = "color"
	AttrColorTemp  Attribute = "colorTemInKelvin"
	AttrScene      Attribute = "scene"
	AttrMusicMode  Attribute = "musicMode"
	AttrOnline     Attribute = "online"
)

const segmentPrefix = "segment."
const togglePrefix = "toggle."

func SegmentColorAttr(i int) Attribute {
	return Attribute(fmt.Sprintf("%s%d.color", segmentPrefix, i))
}

func SegmentBrightnessAttr(i int) Attribute {
	return Attribute(fmt.Sprintf("%s%d.brightness", segmentPrefix, i))
}

func ToggleAttr(instance string) Attribute {
	return Attribute(togglePrefix + instance)
}

// Segment splits a segment attribute into its index and field
func (a Attribute) Segment() (int, string, bool) {
	if !strings.HasPrefix(string(a), segmentPrefix) {
		return 0, "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(string(a), segmentPrefix), ".", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return idx, parts[1], true
}

// IsManual reports whether a change to the attribute replaces an active scene
func (a Attribute) IsManual() bool {
	switch a {
	case AttrBrightness, AttrColor, AttrColorTemp:
		return true
	}
	_, _, isSegment := a.Segment()
	return isSegment
}

// SceneRef identifies a dynamic or DIY scene
type SceneRef struct {
	ID    int             `json:"id"`
	Name  string          `json:"name"`
	DIY   bool            `json:"diy,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type MusicMode struct {
	Mode        int    `json:"musicMode"`
	Name        string `json:"name,omitempty"`
	Sensitivity int    `json:"sensitivity"`
	AutoColor   bool   `json:"autoColor"`
	Color       *RGB   `json:"color,omitempty"`
}

// AttributeValue is one merged attribute. A nil Value means the attribute was cleared.
type AttributeValue struct {
	Value     any       `json:"value"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale,omitempty"`
}

// DeviceState is a published snapshot. Snapshots are never mutated after publication.
type DeviceState struct {
	DeviceID   string                       `json:"device"`
	Attributes map[Attribute]AttributeValue `json:"attributes"`
	LastError  string                       `json:"lastError,omitempty"`
	UpdatedAt  time.Time                    `json:"updatedAt"`
}

func (s *DeviceState) value(a Attribute) (any, bool) {
	if s == nil {
		return nil, false
	}
	av, ok := s.Attributes[a]
	if !ok || av.Value == nil {
		return nil, false
	}
	return av.Value, true
}

func (s *DeviceState) Power() (bool, bool) {
	v, ok := s.value(AttrPower)
	b, isBool := v.(bool)
	return b, ok && isBool
}

func (s *DeviceState) Brightness() (int, bool) {
	v, ok := s.value(AttrBrightness)
	i, isInt := v.(int)
	return i, ok && isInt
}

func (s *DeviceState) RGB() (RGB, bool) {
	v, ok := s.value(AttrColor)
	c, isRGB := v.(RGB)
	return c, ok && isRGB
}

func (s *DeviceState) ColorTemperature() (int, bool) {
	v, ok := s.value(AttrColorTemp)
	i, isInt := v.(int)
	return i, ok && isInt
}

// Color returns whichever of rgb or color temperature is active
func (s *DeviceState) Color() (Color, bool) {
	if c, ok := s.RGB(); ok {
		return ColorFromRGB(c), true
	}
	if k, ok := s.ColorTemperature(); ok {
		return ColorFromKelvin(k), true
	}
	return Color{}, false
}

func (s *DeviceState) Scene() (SceneRef, bool) {
	v, ok := s.value(AttrScene)
	sc, isScene := v.(SceneRef)
	return sc, ok && isScene
}

func (s *DeviceState) MusicMode() (MusicMode, bool) {
	v, ok := s.value(AttrMusicMode)
	m, isMode := v.(MusicMode)
	return m, ok && isMode
}

// Online defaults to true until the cloud says otherwise
func (s *DeviceState) Online() bool {
	v, ok := s.value(AttrOnline)
	if !ok {
		return true
	}
	b, _ := v.(bool)
	return b
}

func (s *DeviceState) Toggle(instance string) (bool, bool) {
	v, ok := s.value(ToggleAttr(instance))
	b, isBool := v.(bool)
	return b, ok && isBool
}

type SegmentState struct {
	Color      *RGB `json:"color,omitempty"`
	Brightness *int `json:"brightness,omitempty"`
}

func (s *DeviceState) Segments() map[int]SegmentState {
	segments := map[int]SegmentState{}
	if s == nil {
		return segments
	}
	for attr, av := range s.Attributes {
		idx, field, ok := attr.Segment()
		if !ok || av.Value == nil {
			continue
		}
		seg := segments[idx]
		switch v := av.Value.(type) {
		case RGB:
			if field == "color" {
				seg.Color = &v
			}
		case int:
			if field == "brightness" {
				seg.Brightness = &v
			}
		}
		segments[idx] = seg
	}
	return segments
}

// AttributeNames returns the snapshot's attributes in a stable order
func (s *DeviceState) AttributeNames() []Attribute {
	names := make([]Attribute, 0, len(s.Attributes))
	for a := range s.Attributes {
		names = append(names, a)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (s *DeviceState) UnmarshalJSON(data []byte) error {
	aux := struct {
		DeviceID   string `json:"device"`
		Attributes map[Attribute]struct {
			Value     json.RawMessage `json:"value"`
			Source    Source          `json:"source"`
			Timestamp time.Time       `json:"timestamp"`
			Stale     bool            `json:"stale"`
		} `json:"attributes"`
		LastError string    `json:"lastError"`
		UpdatedAt time.Time `json:"updatedAt"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.DeviceID = aux.DeviceID
	s.LastError = aux.LastError
	s.UpdatedAt = aux.UpdatedAt
	s.Attributes = make(map[Attribute]AttributeValue, len(aux.Attributes))
	for attr, raw := range aux.Attributes {
		v, err := DecodeAttribute(attr, raw.Value)
		if err != nil {
			return err
		}
		s.Attributes[attr] = AttributeValue{Value: v, Source: raw.Source, Timestamp: raw.Timestamp, Stale: raw.Stale}
	}
	return nil
}

// DecodeAttribute restores the typed value of a JSON encoded attribute
func DecodeAttribute(attr Attribute, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var target any
	switch {
	case attr == AttrPower || attr == AttrOnline || strings.HasPrefix(string(attr), togglePrefix):
		var b bool
		target = &b
	case attr == AttrBrightness || attr == AttrColorTemp:
		var i int
		target = &i
	case attr == AttrColor:
		var c RGB
		target = &c
	case attr == AttrScene:
		var sc SceneRef
		target = &sc
	case attr == AttrMusicMode:
		var m MusicMode
		target = &m
	default:
		_, field, ok := attr.Segment()
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", attr)
		}
		if field == "color" {
			var c RGB
			target = &c
		} else {
			var i int
			target = &i
		}
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decoding attribute %s: %w", attr, err)
	}

	switch t := target.(type) {
	case *bool:
		return *t, nil
	case *int:
		return *t, nil
	case *RGB:
		return *t, nil
	case *SceneRef:
		return *t, nil
	case *MusicMode:
		return *t, nil
	}
	return nil, nil
}

// StateUpdate is a partial confirmed update from the poller or the push channel
type StateUpdate struct {
	DeviceID  string
	Source    Source
	Timestamp time.Time
	Values    map[Attribute]any
}

// OptimisticUpdate is the expected effect of a dispatched command
type OptimisticUpdate struct {
	DeviceID  string
	CommandID string
	Timestamp time.Time
	Deadline  time.Time
	Values    map[Attribute]any
}
