package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/govee"
)

type MockPushCredentialSource struct {
	mock.Mock
}

func NewMockPushCredentialSource(t testingT) *MockPushCredentialSource {
	m := &MockPushCredentialSource{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPushCredentialSource) Login(ctx context.Context) (*govee.IotCredentials, error) {
	ret := _m.Called(ctx)
	var r0 *govee.IotCredentials
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*govee.IotCredentials)
	}
	return r0, ret.Error(1)
}

func (_m *MockPushCredentialSource) DeviceTopics(ctx context.Context, token string) (map[string]string, error) {
	ret := _m.Called(ctx, token)
	var r0 map[string]string
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(map[string]string)
	}
	return r0, ret.Error(1)
}

type MockPushChannelReporter struct {
	mock.Mock
}

func NewMockPushChannelReporter(t testingT) *MockPushChannelReporter {
	m := &MockPushChannelReporter{}
	register(t, &m.Mock)
	return m
}

func (_m *MockPushChannelReporter) ChannelDisconnected(err error) {
	_m.Called(err)
}

func (_m *MockPushChannelReporter) ChannelDegraded(attempts int) {
	_m.Called(attempts)
}

func (_m *MockPushChannelReporter) ChannelRestored() {
	_m.Called()
}
