// Package reconciler owns merged device state. It is the only writer; every
// change produces a new immutable snapshot.
package reconciler

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/env"
	"github.com/wheelibin/goveed/internal/models"
)

type publisher interface {
	Publish(state *models.DeviceState)
}

type confirmedEntry struct {
	value  any
	source models.Source
	at     time.Time
}

type optimisticEntry struct {
	value     any
	at        time.Time
	deadline  time.Time
	commandID string
	stale     bool
}

type record struct {
	confirmed  map[models.Attribute]confirmedEntry
	optimistic map[models.Attribute]optimisticEntry
	// last timestamp applied per source and attribute
	lastSeen  map[models.Source]map[models.Attribute]time.Time
	lastError string
}

func newRecord() *record {
	return &record{
		confirmed:  map[models.Attribute]confirmedEntry{},
		optimistic: map[models.Attribute]optimisticEntry{},
		lastSeen:   map[models.Source]map[models.Attribute]time.Time{},
	}
}

type Reconciler struct {
	logger *log.Logger
	now    func() time.Time
	cfg    *config.Config
	bus    publisher

	mu      sync.Mutex
	records map[string]*record

	// deviceID -> *models.DeviceState, replaced on every publish
	snapshots sync.Map

	// snapshots waiting to be handed to the bus, in publish order
	queueMu  sync.Mutex
	queue    []*models.DeviceState
	draining bool
}

func NewReconciler(e *env.Env, bus publisher) *Reconciler {
	return &Reconciler{
		logger:  e.Logger,
		now:     e.Now,
		cfg:     e.Config,
		bus:     bus,
		records: map[string]*record{},
	}
}

// GetState returns the current snapshot without taking the writer lock
func (r *Reconciler) GetState(deviceID string) (*models.DeviceState, bool) {
	v, ok := r.snapshots.Load(deviceID)
	if !ok {
		return nil, false
	}
	return v.(*models.DeviceState), true
}

func (r *Reconciler) States() []*models.DeviceState {
	states := []*models.DeviceState{}
	r.snapshots.Range(func(_, v any) bool {
		states = append(states, v.(*models.DeviceState))
		return true
	})
	sort.Slice(states, func(i, j int) bool { return states[i].DeviceID < states[j].DeviceID })
	return states
}

// Apply merges a confirmed update from the poller or the push channel
func (r *Reconciler) Apply(u models.StateUpdate) *models.DeviceState {
	if u.Source == models.SourceOptimistic {
		r.logger.Warn("optimistic values must be applied with ApplyOptimistic", "device", u.DeviceID)
		return nil
	}

	defer r.notify()
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec := r.record(u.DeviceID)
	values := r.confirmedValues(u)

	manualChange := false
	accepted := 0
	for _, attr := range sortedAttributes(values) {
		v := values[attr]

		if last, seen := rec.lastSeen[u.Source][attr]; seen && u.Timestamp.Before(last) {
			r.logger.Debug("dropping out of order update", "device", u.DeviceID, "source", u.Source, "attribute", attr)
			continue
		}
		rec.markSeen(u.Source, attr, u.Timestamp)

		if cur, ok := rec.confirmed[attr]; ok && !r.outranks(u.Source, u.Timestamp, cur) {
			r.logger.Debug("update outranked by higher priority source", "device", u.DeviceID, "attribute", attr,
				"source", u.Source, "current", cur.source)
			continue
		}

		accepted++
		before, hadBefore := rec.resolve(attr, now)
		rec.confirmed[attr] = confirmedEntry{value: v, source: u.Source, at: u.Timestamp}
		r.settle(u.DeviceID, rec, attr, v, u.Timestamp, now)

		if attr.IsManual() && v != nil && (!hadBefore || !equal(before.Value, v)) {
			manualChange = true
		}
	}

	// an update that reports a scene alongside its values is not a manual change
	if manualChange && values[models.AttrScene] == nil {
		r.clearScene(u.DeviceID, rec, u.Source, u.Timestamp, now)
	}
	if accepted > 0 {
		rec.lastError = ""
	}

	return r.publish(u.DeviceID, rec, now)
}

// ApplyOptimistic records the expected effect of a dispatched command
func (r *Reconciler) ApplyOptimistic(u models.OptimisticUpdate) *models.DeviceState {
	defer r.notify()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(u.DeviceID)
	for attr, v := range u.Values {
		rec.optimistic[attr] = optimisticEntry{value: v, at: u.Timestamp, deadline: u.Deadline, commandID: u.CommandID}
	}
	r.logger.Debug("optimistic update applied", "device", u.DeviceID, "command", u.CommandID, "attributes", len(u.Values))

	return r.publish(u.DeviceID, rec, r.now())
}

// Rollback discards the optimistic entries of a rejected command
func (r *Reconciler) Rollback(deviceID string, commandID string) *models.DeviceState {
	defer r.notify()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[deviceID]
	if !ok {
		return nil
	}
	removed := 0
	for attr, o := range rec.optimistic {
		if o.commandID == commandID {
			delete(rec.optimistic, attr)
			removed++
		}
	}
	if removed == 0 {
		snap, _ := r.GetState(deviceID)
		return snap
	}
	r.logger.Debug("optimistic update rolled back", "device", deviceID, "command", commandID, "attributes", removed)
	return r.publish(deviceID, rec, r.now())
}

// MarkError records the last failure for a device
func (r *Reconciler) MarkError(deviceID string, err error) *models.DeviceState {
	defer r.notify()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(deviceID)
	rec.lastError = err.Error()
	return r.publish(deviceID, rec, r.now())
}

// SweepStale demotes optimistic entries whose confirmation deadline has passed
// and republishes the affected devices. It returns the number of entries demoted.
func (r *Reconciler) SweepStale() int {
	defer r.notify()
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	demoted := 0
	for deviceID, rec := range r.records {
		changed := false
		for attr, o := range rec.optimistic {
			if !o.stale && now.After(o.deadline) {
				o.stale = true
				rec.optimistic[attr] = o
				changed = true
				demoted++
				r.logger.Debug("optimistic value unconfirmed past deadline", "device", deviceID, "attribute", attr, "command", o.commandID)
			}
		}
		if changed {
			r.publish(deviceID, rec, now)
		}
	}
	return demoted
}

// Seed restores confirmed values from a persisted snapshot. Live data always supersedes it.
func (r *Reconciler) Seed(state *models.DeviceState) {
	defer r.notify()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[state.DeviceID]; exists {
		return
	}
	rec := r.record(state.DeviceID)
	for attr, av := range state.Attributes {
		if av.Source == models.SourceOptimistic {
			continue
		}
		rec.confirmed[attr] = confirmedEntry{value: av.Value, source: av.Source, at: av.Timestamp}
		rec.markSeen(av.Source, attr, av.Timestamp)
	}
	r.publish(state.DeviceID, rec, r.now())
}

// Forget drops all state for a device that is no longer in the catalog
func (r *Reconciler) Forget(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, deviceID)
	r.snapshots.Delete(deviceID)
}

func (r *Reconciler) record(deviceID string) *record {
	rec, ok := r.records[deviceID]
	if !ok {
		rec = newRecord()
		r.records[deviceID] = rec
	}
	return rec
}

func (r *Reconciler) suppressed(source models.Source, attr models.Attribute) bool {
	return r.cfg != nil && r.cfg.Suppressed(source, attr)
}

// confirmedValues drops suppressed attributes and pairs color with color
// temperature so that setting one clears the other
func (r *Reconciler) confirmedValues(u models.StateUpdate) map[models.Attribute]any {
	values := make(map[models.Attribute]any, len(u.Values)+1)
	for attr, v := range u.Values {
		if r.suppressed(u.Source, attr) {
			continue
		}
		values[attr] = v
	}

	if v, ok := values[models.AttrColor]; ok && v != nil {
		if _, has := values[models.AttrColorTemp]; !has {
			values[models.AttrColorTemp] = nil
		}
	}
	if v, ok := values[models.AttrColorTemp]; ok && v != nil {
		if _, has := values[models.AttrColor]; !has {
			values[models.AttrColor] = nil
		}
	}
	return values
}

// outranks decides whether a confirmed value may replace the current one.
// Push beats poll unless the poll is newer by more than the precedence window.
func (r *Reconciler) outranks(source models.Source, at time.Time, cur confirmedEntry) bool {
	var precedence time.Duration
	if r.cfg != nil {
		precedence = r.cfg.PushPrecedence
	}
	switch {
	case source == cur.source:
		return !at.Before(cur.at)
	case source == models.SourcePush && cur.source == models.SourcePoll:
		return !at.Before(cur.at.Add(-precedence))
	case source == models.SourcePoll && cur.source == models.SourcePush:
		return at.After(cur.at.Add(precedence))
	}
	return !at.Before(cur.at)
}

// settle retires or overrides an optimistic entry once a confirmed value arrives
func (r *Reconciler) settle(deviceID string, rec *record, attr models.Attribute, v any, at time.Time, now time.Time) {
	o, ok := rec.optimistic[attr]
	if !ok {
		return
	}
	switch {
	case equal(o.value, v):
		delete(rec.optimistic, attr)
		r.logger.Debug("optimistic value confirmed", "device", deviceID, "attribute", attr, "command", o.commandID)
	case o.stale || now.After(o.deadline):
		delete(rec.optimistic, attr)
		r.logger.Debug("stale optimistic value replaced", "device", deviceID, "attribute", attr, "command", o.commandID)
	case !at.Before(o.at):
		delete(rec.optimistic, attr)
		r.logger.Info("device did not apply command, optimistic value overridden", "device", deviceID,
			"attribute", attr, "command", o.commandID)
	}
}

func (r *Reconciler) clearScene(deviceID string, rec *record, source models.Source, at time.Time, now time.Time) {
	if cur, ok := rec.confirmed[models.AttrScene]; !ok || !cur.at.After(at) {
		rec.confirmed[models.AttrScene] = confirmedEntry{value: nil, source: source, at: at}
	}
	r.settle(deviceID, rec, models.AttrScene, nil, at, now)
}

// publish stores a new snapshot and queues it for the bus. Callers hold r.mu;
// observers are only notified once it is released.
func (r *Reconciler) publish(deviceID string, rec *record, now time.Time) *models.DeviceState {
	snap := rec.snapshot(deviceID, now)
	r.snapshots.Store(deviceID, snap)
	if r.bus != nil {
		r.queueMu.Lock()
		r.queue = append(r.queue, snap)
		r.queueMu.Unlock()
	}
	return snap
}

// notify hands queued snapshots to the bus in publish order. Only one caller
// drains at a time; snapshots queued meanwhile are delivered by that caller.
func (r *Reconciler) notify() {
	r.queueMu.Lock()
	if r.draining {
		r.queueMu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		snap := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.queueMu.Unlock()
		r.bus.Publish(snap)
		r.queueMu.Lock()
	}
	r.draining = false
	r.queueMu.Unlock()
}

func (rec *record) markSeen(source models.Source, attr models.Attribute, at time.Time) {
	if rec.lastSeen[source] == nil {
		rec.lastSeen[source] = map[models.Attribute]time.Time{}
	}
	rec.lastSeen[source][attr] = at
}

// resolve picks the visible value of one attribute: an optimistic entry only
// wins while it is newer than the best confirmed value
func (rec *record) resolve(attr models.Attribute, now time.Time) (models.AttributeValue, bool) {
	c, hasC := rec.confirmed[attr]
	o, hasO := rec.optimistic[attr]
	if hasO && (!hasC || o.at.After(c.at)) {
		return models.AttributeValue{
			Value:     o.value,
			Source:    models.SourceOptimistic,
			Timestamp: o.at,
			Stale:     o.stale || now.After(o.deadline),
		}, true
	}
	if hasC {
		return models.AttributeValue{Value: c.value, Source: c.source, Timestamp: c.at}, true
	}
	return models.AttributeValue{}, false
}

func (rec *record) snapshot(deviceID string, now time.Time) *models.DeviceState {
	attrs := make(map[models.Attribute]models.AttributeValue, len(rec.confirmed)+len(rec.optimistic))
	for attr := range rec.confirmed {
		if v, ok := rec.resolve(attr, now); ok {
			attrs[attr] = v
		}
	}
	for attr := range rec.optimistic {
		if v, ok := rec.resolve(attr, now); ok {
			attrs[attr] = v
		}
	}

	// color and color temperature are mutually exclusive, the newer one wins
	color, hasColor := attrs[models.AttrColor]
	temp, hasTemp := attrs[models.AttrColorTemp]
	if hasColor && hasTemp && color.Value != nil && temp.Value != nil {
		if temp.Timestamp.After(color.Timestamp) {
			color.Value = nil
			attrs[models.AttrColor] = color
		} else {
			temp.Value = nil
			attrs[models.AttrColorTemp] = temp
		}
	}

	return &models.DeviceState{
		DeviceID:   deviceID,
		Attributes: attrs,
		LastError:  rec.lastError,
		UpdatedAt:  now,
	}
}

func sortedAttributes(values map[models.Attribute]any) []models.Attribute {
	attrs := make([]models.Attribute, 0, len(values))
	for a := range values {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	return attrs
}

func equal(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}
