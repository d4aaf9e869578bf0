// Package classifier maps failures onto the error taxonomy and turns them into
// repair signals for the host.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/models"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindRateLimit
	KindConnection
	KindDeviceNotFound
	KindValidation
	KindChannelDisconnected
	KindAPI
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindConnection:
		return "connection"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindValidation:
		return "validation"
	case KindChannelDisconnected:
		return "channel_disconnected"
	case KindAPI:
		return "api"
	}
	return "unknown"
}

// repair issue ids
const (
	IssueAuth                = "auth_failed"
	IssueRateLimited         = "rate_limited"
	IssueBudgetLow           = "budget_low"
	IssueChannelDisconnected = "channel_disconnected"
	IssueChannelDegraded     = "channel_degraded"
)

func Classify(err error) Kind {
	var netErr net.Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, gerrors.ErrAuth):
		return KindAuth
	case errors.Is(err, gerrors.ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, gerrors.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, gerrors.ErrValidation):
		return KindValidation
	case errors.Is(err, gerrors.ErrChannelDisconnected):
		return KindChannelDisconnected
	case errors.Is(err, gerrors.ErrAPI):
		return KindAPI
	case errors.Is(err, gerrors.ErrConnection), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return KindConnection
	}
	return KindUnknown
}

// SignalSink is the host's repair issue registry
type SignalSink interface {
	Emit(sig models.Signal)
}

type signalPublisher interface {
	PublishSignal(sig models.Signal)
}

type rateLimitReader interface {
	Status() models.RateLimitStatus
}

type Classifier struct {
	logger *log.Logger
	now    func() time.Time
	sink   SignalSink
	bus    signalPublisher
	limits rateLimitReader

	mu     sync.Mutex
	active map[string]bool
}

func NewClassifier(e *env.Env, sink SignalSink, bus signalPublisher, limits rateLimitReader) *Classifier {
	return &Classifier{
		logger: e.Logger,
		now:    e.Now,
		sink:   sink,
		bus:    bus,
		limits: limits,
		active: map[string]bool{},
	}
}

// Report classifies and logs a failure, raising repair signals where a threshold is crossed
func (c *Classifier) Report(deviceID string, err error) Kind {
	kind := Classify(err)
	switch kind {
	case KindAuth:
		c.logger.Error("authentication failed", "device", deviceID, "err", err)
		c.raise(models.Signal{
			IssueID:     IssueAuth,
			Kind:        kind.String(),
			Severity:    models.SeverityError,
			Message:     "The Govee cloud rejected the configured credentials",
			Remediation: "Re-authenticate: update the API key or account password",
		})

	case KindRateLimit:
		c.logger.Warn("rate limit exceeded", "device", deviceID, "err", err)
		severity := models.SeverityWarning
		if c.limits != nil && c.limits.Status().DayBudget(c.now()) < constants.DayRemainingThreshold {
			severity = models.SeverityError
		}
		c.raise(models.Signal{
			IssueID:     IssueRateLimited,
			Kind:        kind.String(),
			Severity:    severity,
			Message:     "Govee API rate limit reached, state updates are delayed",
			Remediation: "Increase the poll interval or reduce the number of commands",
		})

	case KindConnection:
		c.logger.Warn("connection failure", "device", deviceID, "err", err)

	case KindDeviceNotFound:
		c.logger.Debug("device state not available from cloud", "device", deviceID, "err", err)

	case KindValidation:
		c.logger.Warn("command rejected", "device", deviceID, "err", err)

	case KindChannelDisconnected:
		c.logger.Warn("push channel unavailable", "device", deviceID, "err", err)

	case KindAPI:
		c.logger.Error("api rejected request", "device", deviceID, "err", err)

	default:
		c.logger.Error("unexpected failure", "device", deviceID, "err", err)
	}
	return kind
}

// ReportSuccess clears request failure issues after a successful call
func (c *Classifier) ReportSuccess() {
	c.clear(IssueRateLimited)
	c.clear(IssueAuth)
	if c.limits != nil {
		c.CheckBudget(c.limits.Status())
	}
}

// CheckBudget raises a warning while the remaining budgets are below their thresholds
func (c *Classifier) CheckBudget(status models.RateLimitStatus) {
	if !status.IsLimited() {
		c.clear(IssueBudgetLow)
		return
	}
	c.raise(models.Signal{
		IssueID:  IssueBudgetLow,
		Kind:     KindRateLimit.String(),
		Severity: models.SeverityWarning,
		Message: fmt.Sprintf("Govee API budget nearly exhausted (%d/min, %d/day remaining)",
			status.MinuteRemaining, status.DayRemaining),
	})
}

// ChannelDisconnected raises one warning per disconnect event; repeats are
// ignored until ChannelRestored
func (c *Classifier) ChannelDisconnected(err error) {
	if c.raise(models.Signal{
		IssueID:     IssueChannelDisconnected,
		Kind:        KindChannelDisconnected.String(),
		Severity:    models.SeverityWarning,
		Message:     "Real-time updates are unavailable, falling back to polling",
		Remediation: "Check network connectivity and the Govee account credentials",
	}) {
		c.logger.Warn("push channel disconnected", "err", err)
	}
}

func (c *Classifier) ChannelDegraded(attempts int) {
	if c.raise(models.Signal{
		IssueID:  IssueChannelDegraded,
		Kind:     KindChannelDisconnected.String(),
		Severity: models.SeverityError,
		Message:  fmt.Sprintf("Push channel has failed to reconnect %d times", attempts),
	}) {
		c.logger.Error("push channel degraded", "attempts", attempts)
	}
}

func (c *Classifier) ChannelRestored() {
	c.clear(IssueChannelDisconnected)
	c.clear(IssueChannelDegraded)
}

func (c *Classifier) IsActive(issueID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[issueID]
}

// raise emits the signal unless the issue is already active
func (c *Classifier) raise(sig models.Signal) bool {
	c.mu.Lock()
	if c.active[sig.IssueID] {
		c.mu.Unlock()
		return false
	}
	c.active[sig.IssueID] = true
	c.mu.Unlock()

	sig.Active = true
	sig.At = c.now()
	c.emit(sig)
	return true
}

func (c *Classifier) clear(issueID string) {
	c.mu.Lock()
	if !c.active[issueID] {
		c.mu.Unlock()
		return
	}
	delete(c.active, issueID)
	c.mu.Unlock()

	c.logger.Info("issue resolved", "issue", issueID)
	c.emit(models.Signal{IssueID: issueID, Active: false, Severity: models.SeverityInfo, At: c.now()})
}

func (c *Classifier) emit(sig models.Signal) {
	if c.sink != nil {
		c.sink.Emit(sig)
	}
	if c.bus != nil {
		c.bus.PublishSignal(sig)
	}
}
