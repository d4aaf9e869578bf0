package mocks

import (
	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/models"
)

type MockClassifierSignalSink struct {
	mock.Mock
}

func NewMockClassifierSignalSink(t testingT) *MockClassifierSignalSink {
	m := &MockClassifierSignalSink{}
	register(t, &m.Mock)
	return m
}

func (_m *MockClassifierSignalSink) Emit(sig models.Signal) {
	_m.Called(sig)
}
