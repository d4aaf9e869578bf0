package mocks

import (
	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/models"
)

type MockReposSnapshotSaver struct {
	mock.Mock
}

func NewMockReposSnapshotSaver(t testingT) *MockReposSnapshotSaver {
	m := &MockReposSnapshotSaver{}
	register(t, &m.Mock)
	return m
}

func (_m *MockReposSnapshotSaver) SaveSnapshot(state *models.DeviceState) error {
	return _m.Called(state).Error(0)
}
