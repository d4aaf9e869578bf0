package govee_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, handler http.HandlerFunc) (*govee.APIService, *govee.RateLimiter) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{API: config.APIConfig{BaseURL: srv.URL, Key: "secret", Timeout: 5 * time.Second, Retries: 2}}
	e := env.ForTest(cfg, now)
	limits := govee.NewRateLimiter(100, 10000, e.Now)
	return govee.NewAPIService(e, srv.Client(), limits), limits
}

func Test_GetDeviceState(t *testing.T) {

	t.Run("should send the api key and request envelope", func(t *testing.T) {
		// arrange
		var request govee.Request
		api, limits := newService(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "secret", r.Header.Get(constants.APIKeyHeader))
			assert.Equal(t, constants.EndpointDeviceState, r.URL.Path)
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &request)

			w.Header().Set(constants.HeaderMinuteRemaining, "42")
			w.Header().Set(constants.HeaderDayRemaining, "9000")
			_, _ = w.Write([]byte(`{"code":200,"msg":"success","payload":{"sku":"H6008","device":"d1","capabilities":[
				{"type":"devices.capabilities.online","instance":"online","state":{"value":true}},
				{"type":"devices.capabilities.on_off","instance":"powerSwitch","state":{"value":1}},
				{"type":"devices.capabilities.range","instance":"brightness","state":{"value":55}},
				{"type":"devices.capabilities.color_setting","instance":"colorRgb","state":{"value":16711680}},
				{"type":"devices.capabilities.color_setting","instance":"colorTemperatureK","state":{"value":0}}
			]}}`))
		})

		// act
		caps, err := api.GetDeviceState(context.Background(), "d1", "H6008")

		// assert
		require.NoError(t, err)
		assert.NotEmpty(t, request.RequestID)
		assert.Equal(t, "d1", request.Payload.Device)
		assert.Equal(t, "H6008", request.Payload.SKU)

		values := govee.StateValues(caps)
		assert.Equal(t, true, values[models.AttrOnline])
		assert.Equal(t, true, values[models.AttrPower])
		assert.Equal(t, 55, values[models.AttrBrightness])
		assert.Equal(t, models.RGB{R: 255}, values[models.AttrColor])
		assert.Nil(t, values[models.AttrColorTemp])

		status := limits.Status()
		assert.Equal(t, 42, status.MinuteRemaining)
		assert.Equal(t, 9000, status.DayRemaining)
	})

	t.Run("should report devices the cloud cannot query as not found", func(t *testing.T) {
		api, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":400,"msg":"devices not exist"}`))
		})

		_, err := api.GetDeviceState(context.Background(), "12345678", "SameModeGroup")

		assert.True(t, gerrors.IsDeviceNotFound(err))
	})
}

func Test_MakeRequest(t *testing.T) {

	t.Run("should map 401 to an auth error without retrying", func(t *testing.T) {
		var calls atomic.Int32
		api, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
		})

		_, err := api.GetDevices(context.Background())

		assert.True(t, gerrors.IsAuth(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("should map 429 to a rate limit error and exhaust the minute budget", func(t *testing.T) {
		api, limits := newService(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(constants.HeaderRetryAfter, "12")
			w.WriteHeader(http.StatusTooManyRequests)
		})

		err := api.Control(context.Background(), "d1", "H6008", map[string]any{"type": "t", "instance": "i", "value": 1})

		var limited *gerrors.RateLimitError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 12*time.Second, limited.RetryAfter)
		assert.Equal(t, 0, limits.Status().MinuteRemaining)
		assert.Equal(t, 1, limits.Status().ConsecutiveFailures)
	})

	t.Run("should retry transient gateway failures", func(t *testing.T) {
		var calls atomic.Int32
		api, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"code":200,"message":"success","data":[{"sku":"H6008","device":"d1","deviceName":"Lamp"}]}`))
		})

		devices, err := api.GetDevices(context.Background())

		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		require.Len(t, devices, 1)
		assert.Equal(t, "Lamp", devices[0].DeviceName)
	})

	t.Run("should map an explicit error code to an api error", func(t *testing.T) {
		api, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":500,"msg":"device offline"}`))
		})

		err := api.Control(context.Background(), "d1", "H6008", map[string]any{})

		var apiErr *gerrors.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 500, apiErr.Code)
		assert.True(t, gerrors.IsRejection(err))
	})
}

func Test_RateLimiter(t *testing.T) {

	t.Run("should count requests when headers are missing", func(t *testing.T) {
		limits := govee.NewRateLimiter(100, 10000, func() time.Time { return now })

		limits.Record(http.Header{})
		limits.Record(http.Header{})

		assert.Equal(t, 98, limits.Status().MinuteRemaining)
		assert.Equal(t, 9998, limits.Status().DayRemaining)
	})

	t.Run("should roll the minute window over", func(t *testing.T) {
		clock := now
		limits := govee.NewRateLimiter(100, 10000, func() time.Time { return clock })
		limits.Exhausted(0)

		clock = clock.Add(61 * time.Second)
		limits.Record(http.Header{})

		assert.Equal(t, 99, limits.Status().MinuteRemaining)
	})
}

func Test_AccountService(t *testing.T) {

	t.Run("should log in and collect push credentials", func(t *testing.T) {
		// arrange
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case constants.EndpointLogin:
				_, _ = w.Write([]byte(`{"status":200,"message":"Login successful","client":{"token":"tok","accountId":12345,"topic":"GA/abc","caCertificate":""}}`))
			case constants.EndpointIotKey:
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				_, _ = w.Write([]byte(`{"message":"ok","data":{"endpoint":"broker.example.com","certificatePem":"CERT","privateKey":"KEY"}}`))
			case constants.EndpointAccountDevices:
				_, _ = w.Write([]byte(`{"message":"ok","devices":[
					{"device":"d1","deviceExt":"{\"deviceSettings\":\"{\\\"topic\\\":\\\"GD/d1\\\"}\"}"},
					{"device":"12345678","deviceExt":"{\"deviceSettings\":\"{}\"}"}
				]}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()
		cfg := &config.Config{Push: config.PushConfig{Email: "me@example.com", Password: "pw"}}
		accounts := govee.NewAccountService(env.ForTest(cfg, now), srv.Client(), srv.URL)

		// act
		creds, err := accounts.Login(context.Background())
		require.NoError(t, err)
		topics, err := accounts.DeviceTopics(context.Background(), creds.Token)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "GA/abc", creds.AccountTopic)
		assert.Equal(t, "broker.example.com", creds.Endpoint)
		assert.Equal(t, "12345", creds.AccountID)
		assert.Contains(t, creds.ClientID, "AP/12345/")
		assert.Equal(t, map[string]string{"d1": "GD/d1"}, topics)
	})

	t.Run("should treat rejected credentials as an auth failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":400,"message":"Incorrect password"}`))
		}))
		defer srv.Close()
		accounts := govee.NewAccountService(env.ForTest(&config.Config{}, now), srv.Client(), srv.URL)

		_, err := accounts.Login(context.Background())

		assert.True(t, gerrors.IsAuth(err))
	})
}

func Test_ExtractP12(t *testing.T) {

	t.Run("should fail without certificate data", func(t *testing.T) {
		_, _, err := govee.ExtractP12("", "")
		assert.ErrorIs(t, err, gerrors.ErrAPI)
	})

	t.Run("should fail on a corrupt container", func(t *testing.T) {
		_, _, err := govee.ExtractP12("bm90IGEgcDEy", "pass")
		assert.Error(t, err)
	})
}
