package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
)

type MockPollerStateFetcher struct {
	mock.Mock
}

func NewMockPollerStateFetcher(t testingT) *MockPollerStateFetcher {
	m := &MockPollerStateFetcher{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPollerStateFetcher) GetDeviceState(ctx context.Context, deviceID string, sku string) ([]govee.CapabilityState, error) {
	ret := _m.Called(ctx, deviceID, sku)
	var r0 []govee.CapabilityState
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]govee.CapabilityState)
	}
	return r0, ret.Error(1)
}

type MockPollerDeviceLister struct {
	mock.Mock
}

func NewMockPollerDeviceLister(t testingT) *MockPollerDeviceLister {
	m := &MockPollerDeviceLister{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPollerDeviceLister) List() []models.Device {
	ret := _m.Called()
	var r0 []models.Device
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]models.Device)
	}
	return r0
}

type MockPollerStateSink struct {
	mock.Mock
}

func NewMockPollerStateSink(t testingT) *MockPollerStateSink {
	m := &MockPollerStateSink{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPollerStateSink) Apply(u models.StateUpdate) *models.DeviceState {
	ret := _m.Called(u)
	var r0 *models.DeviceState
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.DeviceState)
	}
	return r0
}

func (_m *MockPollerStateSink) MarkError(deviceID string, err error) *models.DeviceState {
	ret := _m.Called(deviceID, err)
	var r0 *models.DeviceState
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.DeviceState)
	}
	return r0
}

type MockPollerRateLimitReader struct {
	mock.Mock
}

func NewMockPollerRateLimitReader(t testingT) *MockPollerRateLimitReader {
	m := &MockPollerRateLimitReader{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPollerRateLimitReader) Status() models.RateLimitStatus {
	ret := _m.Called()
	return ret.Get(0).(models.RateLimitStatus)
}

type MockPollerErrorReporter struct {
	mock.Mock
}

func NewMockPollerErrorReporter(t testingT) *MockPollerErrorReporter {
	m := &MockPollerErrorReporter{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPollerErrorReporter) Report(deviceID string, err error) classifier.Kind {
	ret := _m.Called(deviceID, err)
	if rf, ok := ret.Get(0).(func(string, error) classifier.Kind); ok {
		return rf(deviceID, err)
	}
	return ret.Get(0).(classifier.Kind)
}

func (_m *MockPollerErrorReporter) ReportSuccess() {
	_m.Called()
}

func (_m *MockPollerErrorReporter) CheckBudget(status models.RateLimitStatus) {
	_m.Called(status)
}
