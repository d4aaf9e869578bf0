package stream_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelibin/goveed/internal/events"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/stream"
	"github.com/wheelibin/goveed/mocks"
)

func newServer(t *testing.T, reader *mocks.MockStreamStateReader) (*httptest.Server, *events.Bus) {
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
	bus := events.NewBus(logger)
	s := stream.NewServer(logger, reader, bus)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return srv, bus
}

func Test_Handlers(t *testing.T) {

	t.Run("should list devices", func(t *testing.T) {
		// arrange
		mockReader := mocks.NewMockStreamStateReader(t)
		mockReader.On("GetDevices").Return([]models.Device{{ID: "d1", Name: "Lamp"}})
		srv, _ := newServer(t, mockReader)

		// act
		resp, err := http.Get(srv.URL + "/devices")
		require.NoError(t, err)
		defer resp.Body.Close()

		// assert
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := struct {
			Devices []models.Device `json:"devices"`
			Count   int             `json:"count"`
		}{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, "Lamp", body.Devices[0].Name)
	})

	t.Run("should return 404 for a device without state", func(t *testing.T) {
		mockReader := mocks.NewMockStreamStateReader(t)
		mockReader.On("GetState", "missing").Return(nil, false)
		srv, _ := newServer(t, mockReader)

		resp, err := http.Get(srv.URL + "/devices/missing/state")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should return the merged state of a device", func(t *testing.T) {
		// arrange
		mockReader := mocks.NewMockStreamStateReader(t)
		mockReader.On("GetState", "d1").Return(&models.DeviceState{
			DeviceID:   "d1",
			Attributes: map[models.Attribute]models.AttributeValue{models.AttrBrightness: {Value: 33, Source: models.SourcePush}},
		}, true)
		srv, _ := newServer(t, mockReader)

		// act
		resp, err := http.Get(srv.URL + "/devices/d1/state")
		require.NoError(t, err)
		defer resp.Body.Close()

		// assert
		state := &models.DeviceState{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(state))
		brightness, ok := state.Brightness()
		assert.True(t, ok)
		assert.Equal(t, 33, brightness)
	})

	t.Run("should reject an unknown event stream", func(t *testing.T) {
		mockReader := mocks.NewMockStreamStateReader(t)
		srv, _ := newServer(t, mockReader)

		resp, err := http.Get(srv.URL + "/events?stream=other")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func Test_Events(t *testing.T) {

	t.Run("should stream published snapshots", func(t *testing.T) {
		// arrange
		mockReader := mocks.NewMockStreamStateReader(t)
		srv, bus := newServer(t, mockReader)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?stream=state", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		// act
		// the subscription registers asynchronously, so publish until something arrives
		go func() {
			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					bus.Publish(&models.DeviceState{DeviceID: "d1"})
				}
			}
		}()

		// assert
		scanner := bufio.NewScanner(resp.Body)
		var data string
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data:") {
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				break
			}
		}
		require.NotEmpty(t, data)
		state := &models.DeviceState{}
		require.NoError(t, json.Unmarshal([]byte(data), state))
		assert.Equal(t, "d1", state.DeviceID)
		cancel()
	})
}
