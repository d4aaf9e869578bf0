package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/models"
)

type MockDispatcherDeviceGetter struct {
	mock.Mock
}

func NewMockDispatcherDeviceGetter(t testingT) *MockDispatcherDeviceGetter {
	m := &MockDispatcherDeviceGetter{}
	register(t, &m.Mock)
	return m
}

func (_m *MockDispatcherDeviceGetter) Get(deviceID string) (models.Device, bool) {
	ret := _m.Called(deviceID)
	return ret.Get(0).(models.Device), ret.Bool(1)
}

type MockDispatcherStateWriter struct {
	mock.Mock
}

func NewMockDispatcherStateWriter(t testingT) *MockDispatcherStateWriter {
	m := &MockDispatcherStateWriter{}
	register(t, &m.Mock)
	return m
}

func (_m *MockDispatcherStateWriter) ApplyOptimistic(u models.OptimisticUpdate) *models.DeviceState {
	ret := _m.Called(u)
	var r0 *models.DeviceState
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.DeviceState)
	}
	return r0
}

func (_m *MockDispatcherStateWriter) Rollback(deviceID string, commandID string) *models.DeviceState {
	ret := _m.Called(deviceID, commandID)
	var r0 *models.DeviceState
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.DeviceState)
	}
	return r0
}

type MockDispatcherController struct {
	mock.Mock
}

func NewMockDispatcherController(t testingT) *MockDispatcherController {
	m := &MockDispatcherController{}
	register(t, &m.Mock)
	return m
}

func (_m *MockDispatcherController) Control(ctx context.Context, deviceID string, sku string, capability map[string]any) error {
	ret := _m.Called(ctx, deviceID, sku, capability)
	return ret.Error(0)
}

type MockDispatcherPushPublisher struct {
	mock.Mock
}

func NewMockDispatcherPushPublisher(t testingT) *MockDispatcherPushPublisher {
	m := &MockDispatcherPushPublisher{}
	register(t, &m.Mock)
	return m
}

func (_m *MockDispatcherPushPublisher) IsConnected() bool {
	return _m.Called().Bool(0)
}

func (_m *MockDispatcherPushPublisher) HasTopic(deviceID string) bool {
	return _m.Called(deviceID).Bool(0)
}

func (_m *MockDispatcherPushPublisher) Publish(ctx context.Context, cmd models.Command) error {
	return _m.Called(ctx, cmd).Error(0)
}

type MockDispatcherSceneCatalog struct {
	mock.Mock
}

func NewMockDispatcherSceneCatalog(t testingT) *MockDispatcherSceneCatalog {
	m := &MockDispatcherSceneCatalog{}
	register(t, &m.Mock)
	return m
}

func (_m *MockDispatcherSceneCatalog) CachedScenes(deviceID string) ([]models.SceneRef, bool) {
	ret := _m.Called(deviceID)
	var r0 []models.SceneRef
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]models.SceneRef)
	}
	return r0, ret.Bool(1)
}

type MockDispatcherErrorReporter struct {
	mock.Mock
}

func NewMockDispatcherErrorReporter(t testingT) *MockDispatcherErrorReporter {
	m := &MockDispatcherErrorReporter{}
	register(t, &m.Mock)
	return m
}

func (_m *MockDispatcherErrorReporter) Report(deviceID string, err error) classifier.Kind {
	ret := _m.Called(deviceID, err)
	if rf, ok := ret.Get(0).(func(string, error) classifier.Kind); ok {
		return rf(deviceID, err)
	}
	return ret.Get(0).(classifier.Kind)
}

func (_m *MockDispatcherErrorReporter) ReportSuccess() {
	_m.Called()
}
