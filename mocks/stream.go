package mocks

import (
	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/models"
)

type MockStreamStateReader struct {
	mock.Mock
}

func NewMockStreamStateReader(t testingT) *MockStreamStateReader {
	m := &MockStreamStateReader{}
	register(t, &m.Mock)
	return m
}

func (_m *MockStreamStateReader) GetDevices() []models.Device {
	ret := _m.Called()
	var r0 []models.Device
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]models.Device)
	}
	return r0
}

func (_m *MockStreamStateReader) GetState(deviceID string) (*models.DeviceState, bool) {
	ret := _m.Called(deviceID)
	var r0 *models.DeviceState
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.DeviceState)
	}
	return r0, ret.Bool(1)
}

func (_m *MockStreamStateReader) RateLimitStatus() models.RateLimitStatus {
	return _m.Called().Get(0).(models.RateLimitStatus)
}
