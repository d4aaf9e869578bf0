// Package errors defines the error taxonomy shared by the transport, the push
// channel and the dispatcher. The classifier maps these to repair signals.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuth is returned when the API key or account credentials are rejected
var ErrAuth = errors.New("authentication failed")

// ErrRateLimited is returned when a request budget has been exhausted
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrConnection is returned for network failures and timeouts
var ErrConnection = errors.New("connection failed")

// ErrDeviceNotFound is returned when the cloud does not know the device, or
// does not support state queries for it (groups)
var ErrDeviceNotFound = errors.New("device not found")

// ErrValidation is returned when a command is rejected before it is sent
var ErrValidation = errors.New("invalid command")

// ErrCapabilityNotSupported is returned when a device lacks the capability a command needs
var ErrCapabilityNotSupported = errors.New("capability not supported")

// ErrChannelDisconnected is returned when the push channel is not connected
var ErrChannelDisconnected = errors.New("push channel disconnected")

// ErrAPI is returned when the cloud explicitly rejects a request
var ErrAPI = errors.New("api request rejected")

type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return ErrAuth.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuth, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConnection, e.Op, e.Err)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

func (e *ConnectionError) Unwrap() error { return e.Err }

type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDeviceNotFound, e.DeviceID)
}

func (e *DeviceNotFoundError) Is(target error) bool { return target == ErrDeviceNotFound }

type ValidationError struct {
	DeviceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s for %s: %s", ErrValidation, e.DeviceID, e.Reason)
	}
	return fmt.Sprintf("%s for %s: %s %s", ErrValidation, e.DeviceID, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type CapabilityNotSupportedError struct {
	DeviceID string
	Type     string
	Instance string
}

func (e *CapabilityNotSupportedError) Error() string {
	return fmt.Sprintf("%s: device %s has no %s/%s", ErrCapabilityNotSupported, e.DeviceID, e.Type, e.Instance)
}

func (e *CapabilityNotSupportedError) Is(target error) bool {
	return target == ErrCapabilityNotSupported || target == ErrValidation
}

type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d, code %d): %s", ErrAPI, e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// Validationf returns a ValidationError for the given device and field
func Validationf(deviceID string, field string, format string, args ...any) error {
	return &ValidationError{DeviceID: deviceID, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsAuth returns true if the error is or wraps ErrAuth
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRateLimited returns true if the error is or wraps ErrRateLimited
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsDeviceNotFound returns true if the error is or wraps ErrDeviceNotFound
func IsDeviceNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}

// IsRejection returns true when the cloud answered and refused the request,
// as opposed to the request never arriving
func IsRejection(err error) bool {
	return errors.Is(err, ErrAPI) || errors.Is(err, ErrAuth) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrDeviceNotFound)
}
