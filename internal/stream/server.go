// Package stream exposes devices, merged state and signals over HTTP, with
// live updates as server-sent events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/r3labs/sse/v2"
	"github.com/wheelibin/goveed/internal/events"
	"github.com/wheelibin/goveed/internal/models"
)

const (
	StreamState   = "state"
	StreamSignals = "signals"
)

const shutdownTimeout = 5 * time.Second

type stateReader interface {
	GetDevices() []models.Device
	GetState(deviceID string) (*models.DeviceState, bool)
	RateLimitStatus() models.RateLimitStatus
}

type eventSource interface {
	Subscribe(deviceID string, o events.Observer) *events.Subscription
	SubscribeSignals(fn events.SignalFunc) *events.Subscription
}

type Server struct {
	logger *log.Logger
	engine stateReader
	events *sse.Server
	router chi.Router
	subs   []*events.Subscription
}

func NewServer(logger *log.Logger, engine stateReader, bus eventSource) *Server {
	s := &Server{
		logger: logger,
		engine: engine,
		events: sse.New(),
	}
	s.events.AutoReplay = false
	s.events.CreateStream(StreamState)
	s.events.CreateStream(StreamSignals)

	s.subs = append(s.subs,
		bus.Subscribe(events.AllDevices, events.ObserverFunc(s.publishState)),
		bus.SubscribeSignals(s.publishSignal),
	)

	r := chi.NewRouter()
	r.Get("/devices", s.handleListDevices)
	r.Get("/devices/{id}/state", s.handleGetState)
	r.Get("/ratelimit", s.handleRateLimit)
	r.Get("/events", s.handleEvents)
	s.router = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("event stream listening", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close detaches from the bus and ends all event streams
func (s *Server) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.events.Close()
}

func (s *Server) publishState(state *models.DeviceState) {
	s.publish(StreamState, state)
}

func (s *Server) publishSignal(sig models.Signal) {
	s.publish(StreamSignals, sig)
}

func (s *Server) publish(stream string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode event", "stream", stream, "err", err)
		return
	}
	s.events.Publish(stream, &sse.Event{Data: data})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.engine.GetDevices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := s.engine.GetState(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no state for device " + id})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RateLimitStatus())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream != StreamState && stream != StreamSignals {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stream must be state or signals"})
		return
	}
	s.events.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
