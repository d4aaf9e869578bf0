package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/engine"
	"github.com/wheelibin/goveed/internal/env"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/repos"
	"github.com/wheelibin/goveed/mocks"
)

type storedState struct {
	devices   []models.Device
	snapshots []*models.DeviceState
}

func (s storedState) SaveDevices([]models.Device) error { return nil }
func (s storedState) LoadDevices() ([]models.Device, error) { return s.devices, nil }
func (s storedState) LoadSnapshots() ([]*models.DeviceState, error) { return s.snapshots, nil }

func quietLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

// newEngine talks to a cloud whose device listing always fails
func newEngine(t *testing.T, store engine.Store) *engine.Engine {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		API:               config.APIConfig{BaseURL: srv.URL, Key: "secret", Timeout: time.Second, RequestsPerMinute: 100, RequestsPerDay: 10000},
		Poll:              config.PollConfig{Interval: time.Minute, MaxConcurrency: 1},
		OptimisticTimeout: 30 * time.Second,
	}
	opts := engine.Options{HTTPClient: srv.Client()}
	if store != nil {
		opts.Store = store
	}
	return engine.New(env.New(quietLogger(), cfg), opts)
}

func Test_StartRecorder(t *testing.T) {

	t.Run("should record snapshots restored while initialising", func(t *testing.T) {
		// arrange
		stored := &models.DeviceState{
			DeviceID:   "AA:BB",
			Attributes: map[models.Attribute]models.AttributeValue{models.AttrPower: {Value: true, Source: models.SourcePoll}},
		}
		store := storedState{
			devices:   []models.Device{{ID: "AA:BB", SKU: "H6008", Name: "Lamp"}},
			snapshots: []*models.DeviceState{stored},
		}
		eng := newEngine(t, store)

		saved := make(chan string, 4)
		mockSaver := mocks.NewMockReposSnapshotSaver(t)
		mockSaver.On("SaveSnapshot", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
			saved <- args.Get(0).(*models.DeviceState).DeviceID
		})
		recorder := repos.NewRecorder(quietLogger(), mockSaver)

		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup

		// act
		startRecorder(ctx, &wg, eng, recorder)
		err := eng.Initialise(ctx)

		// assert
		require.NoError(t, err)
		select {
		case id := <-saved:
			assert.Equal(t, "AA:BB", id)
		case <-time.After(5 * time.Second):
			t.Fatal("expected the restored snapshot to be recorded")
		}
		cancel()
		wg.Wait()
	})
}

func Test_Initialise(t *testing.T) {

	t.Run("should stop retrying with context.Canceled on shutdown", func(t *testing.T) {
		// arrange
		eng := newEngine(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)

		// act
		done := make(chan error, 1)
		go func() { done <- initialise(ctx, quietLogger(), eng) }()

		// assert
		select {
		case err := <-done:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(5 * time.Second):
			t.Fatal("initialise kept retrying after shutdown")
		}
	})
}
