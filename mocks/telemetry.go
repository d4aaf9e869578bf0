package mocks

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/mock"
)

type MockTelemetryPointWriter struct {
	mock.Mock
}

func NewMockTelemetryPointWriter(t testingT) *MockTelemetryPointWriter {
	m := &MockTelemetryPointWriter{}
	register(t, &m.Mock)
	return m
}

func (_m *MockTelemetryPointWriter) WritePoint(point *write.Point) {
	_m.Called(point)
}

func (_m *MockTelemetryPointWriter) Flush() {
	_m.Called()
}
