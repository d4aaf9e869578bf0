package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/govee"
)

type MockRegistryDeviceLister struct {
	mock.Mock
}

func NewMockRegistryDeviceLister(t testingT) *MockRegistryDeviceLister {
	m := &MockRegistryDeviceLister{}
	register(t, &m.Mock)
	return m
}

func (_m *MockRegistryDeviceLister) GetDevices(ctx context.Context) ([]govee.DeviceData, error) {
	ret := _m.Called(ctx)
	var r0 []govee.DeviceData
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]govee.DeviceData)
	}
	return r0, ret.Error(1)
}
