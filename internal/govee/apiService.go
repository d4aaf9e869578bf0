package govee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
)

type APIService struct {
	logger  *log.Logger
	client  *http.Client
	limits  *RateLimiter
	baseURL string
	apiKey  string
	timeout time.Duration
	retries int
}

func NewAPIService(e *env.Env, client *http.Client, limits *RateLimiter) *APIService {
	if client == nil {
		client = &http.Client{}
	}
	cfg := e.Config.API
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.APIRequestTimeout
	}
	return &APIService{
		logger:  e.Logger,
		client:  client,
		limits:  limits,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.Key,
		timeout: timeout,
		retries: cfg.Retries,
	}
}

func (s *APIService) RateLimits() *RateLimiter {
	return s.limits
}

func (s *APIService) GetDevices(ctx context.Context) ([]DeviceData, error) {
	body, err := s.makeRequest(ctx, http.MethodGet, constants.EndpointDevices, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading devices: %w", err)
	}

	respBody := DevicesResponse{}
	if err := json.Unmarshal(body, &respBody); err != nil {
		return nil, fmt.Errorf("error parsing devices response: %w", err)
	}
	return respBody.Data, nil
}

// GetDeviceState queries the current capability states of one device.
// Devices the cloud cannot report on (groups) produce a DeviceNotFoundError.
func (s *APIService) GetDeviceState(ctx context.Context, deviceID string, sku string) ([]CapabilityState, error) {
	req := newRequest(deviceID, sku, nil)
	body, err := s.makeRequest(ctx, http.MethodPost, constants.EndpointDeviceState, req)
	if err != nil {
		var apiErr *gerrors.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusNotFound ||
			apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound) {
			return nil, &gerrors.DeviceNotFoundError{DeviceID: deviceID}
		}
		return nil, fmt.Errorf("error reading state of device (%s): %w", deviceID, err)
	}

	respBody := StateResponse{}
	if err := json.Unmarshal(body, &respBody); err != nil {
		return nil, fmt.Errorf("error parsing state response for device (%s): %w", deviceID, err)
	}
	return respBody.Payload.Capabilities, nil
}

func (s *APIService) Control(ctx context.Context, deviceID string, sku string, capability map[string]any) error {
	req := newRequest(deviceID, sku, capability)
	_, err := s.makeRequest(ctx, http.MethodPost, constants.EndpointDeviceControl, req)
	if err != nil {
		return fmt.Errorf("error controlling device (%s): %w", deviceID, err)
	}
	return nil
}

func (s *APIService) GetDynamicScenes(ctx context.Context, deviceID string, sku string) (ScenesResponse, error) {
	return s.getScenes(ctx, constants.EndpointDynamicScenes, deviceID, sku)
}

func (s *APIService) GetDIYScenes(ctx context.Context, deviceID string, sku string) (ScenesResponse, error) {
	return s.getScenes(ctx, constants.EndpointDIYScenes, deviceID, sku)
}

func (s *APIService) getScenes(ctx context.Context, endpoint string, deviceID string, sku string) (ScenesResponse, error) {
	respBody := ScenesResponse{}
	body, err := s.makeRequest(ctx, http.MethodPost, endpoint, newRequest(deviceID, sku, nil))
	if err != nil {
		return respBody, fmt.Errorf("error reading scenes of device (%s): %w", deviceID, err)
	}
	if err := json.Unmarshal(body, &respBody); err != nil {
		return respBody, fmt.Errorf("error parsing scenes response for device (%s): %w", deviceID, err)
	}
	return respBody, nil
}

func newRequest(deviceID string, sku string, capability map[string]any) Request {
	return Request{
		RequestID: uuid.NewString(),
		Payload:   RequestPayload{SKU: sku, Device: deviceID, Capability: capability},
	}
}

func (s *APIService) makeRequest(ctx context.Context, verb string, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error encoding request body: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	for attempt := 0; ; attempt++ {
		respBody, retry, err := s.do(ctx, verb, path, payload)
		if err == nil {
			s.limits.Succeeded()
			return respBody, nil
		}
		if !retry || attempt >= s.retries {
			return nil, err
		}

		wait := b.NextBackOff()
		s.logger.Debug("transient api failure, retrying", "path", path, "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(wait):
		}
	}
}

// do performs a single request. The bool result reports whether the failure is transient.
func (s *APIService) do(ctx context.Context, verb string, path string, payload []byte) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, verb, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}

	// set headers
	req.Header.Set(constants.APIKeyHeader, s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	// make the request
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, &gerrors.ConnectionError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	s.limits.Record(resp.Header)

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ctx.Err() == nil, &gerrors.ConnectionError{Op: path, Err: err}
	}

	base := BaseResponse{}
	_ = json.Unmarshal(responseBody, &base)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, &gerrors.AuthError{Message: base.message()}

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp.Header)
		s.limits.Exhausted(wait)
		return nil, false, &gerrors.RateLimitError{RetryAfter: wait}

	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, true, &gerrors.ConnectionError{Op: path, Err: fmt.Errorf("status %s", resp.Status)}

	case resp.StatusCode >= 400:
		s.logger.Error("Error making Govee API call", "path", path, "status", resp.Status, "message", base.message())
		return nil, false, &gerrors.APIError{StatusCode: resp.StatusCode, Code: base.Code, Message: base.message()}

	case base.Code != 0 && base.Code != http.StatusOK:
		return nil, false, &gerrors.APIError{StatusCode: resp.StatusCode, Code: base.Code, Message: base.message()}
	}

	return responseBody, false, nil
}
