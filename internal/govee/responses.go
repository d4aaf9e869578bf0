package govee

import (
	"encoding/json"

	"github.com/wheelibin/goveed/internal/models"
)

type RequestPayload struct {
	SKU        string         `json:"sku"`
	Device     string         `json:"device"`
	Capability map[string]any `json:"capability,omitempty"`
}

type Request struct {
	RequestID string         `json:"requestId"`
	Payload   RequestPayload `json:"payload"`
}

type BaseResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func (r BaseResponse) message() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Msg
}

type DeviceData struct {
	SKU          string              `json:"sku"`
	Device       string              `json:"device"`
	DeviceName   string              `json:"deviceName"`
	Type         string              `json:"type"`
	Capabilities []models.Capability `json:"capabilities"`
}

type DevicesResponse struct {
	BaseResponse
	Data []DeviceData `json:"data"`
}

type StateValue struct {
	Value json.RawMessage `json:"value"`
}

type CapabilityState struct {
	Type     string     `json:"type"`
	Instance string     `json:"instance"`
	State    StateValue `json:"state"`
}

type StateResponse struct {
	BaseResponse
	Payload struct {
		SKU          string            `json:"sku"`
		Device       string            `json:"device"`
		Capabilities []CapabilityState `json:"capabilities"`
	} `json:"payload"`
}

type ScenesResponse struct {
	BaseResponse
	Payload struct {
		SKU          string              `json:"sku"`
		Device       string              `json:"device"`
		Capabilities []models.Capability `json:"capabilities"`
	} `json:"payload"`
}

type ControlResponse struct {
	BaseResponse
	Capability json.RawMessage `json:"capability"`
}
