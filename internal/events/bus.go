// Package events fans merged device snapshots and repair signals out to subscribers.
package events

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/internal/models"
)

// AllDevices subscribes to snapshots of every device
const AllDevices = "*"

// Observer receives merged snapshots. Implementations must not block;
// slow observers should buffer internally.
type Observer interface {
	StateChanged(state *models.DeviceState)
}

type ObserverFunc func(state *models.DeviceState)

func (f ObserverFunc) StateChanged(state *models.DeviceState) { f(state) }

type SignalFunc func(sig models.Signal)

type subscriber struct {
	id       uint64
	observer Observer
}

type signalSubscriber struct {
	id uint64
	fn SignalFunc
}

// Subscription is the handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription struct {
	bus      *Bus
	deviceID string
	id       uint64
	signals  bool
	once     sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.signals {
			s.bus.removeSignal(s.id)
			return
		}
		s.bus.remove(s.deviceID, s.id)
	})
}

type Bus struct {
	logger    *log.Logger
	mu        sync.RWMutex
	observers map[string][]subscriber
	signals   []signalSubscriber
	nextID    uint64
}

func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		logger:    logger,
		observers: map[string][]subscriber{},
	}
}

// Subscribe registers an observer for one device, or AllDevices.
// Observers are notified in subscription order.
func (b *Bus) Subscribe(deviceID string, o Observer) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.observers[deviceID] = append(b.observers[deviceID], subscriber{id: b.nextID, observer: o})
	return &Subscription{bus: b, deviceID: deviceID, id: b.nextID}
}

func (b *Bus) SubscribeSignals(fn SignalFunc) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.signals = append(b.signals, signalSubscriber{id: b.nextID, fn: fn})
	return &Subscription{bus: b, id: b.nextID, signals: true}
}

func (b *Bus) remove(deviceID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.observers[deviceID]
	kept := make([]subscriber, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.observers, deviceID)
		return
	}
	b.observers[deviceID] = kept
}

func (b *Bus) removeSignal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]signalSubscriber, 0, len(b.signals))
	for _, s := range b.signals {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	b.signals = kept
}

func (b *Bus) SubscriberCount(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers[deviceID])
}

// Publish notifies the device's observers, then the AllDevices observers
func (b *Bus) Publish(state *models.DeviceState) {
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.observers[state.DeviceID])+len(b.observers[AllDevices]))
	subs = append(subs, b.observers[state.DeviceID]...)
	subs = append(subs, b.observers[AllDevices]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.notify(state, s.observer)
	}
}

func (b *Bus) PublishSignal(sig models.Signal) {
	b.mu.RLock()
	subs := append([]signalSubscriber(nil), b.signals...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("signal observer panicked", "issue", sig.IssueID, "panic", r)
				}
			}()
			s.fn(sig)
		}()
	}
}

func (b *Bus) notify(state *models.DeviceState, o Observer) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer notification failed", "device", state.DeviceID, "panic", r)
		}
	}()
	o.StateChanged(state)
}
