package classifier_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/wheelibin/goveed/internal/classifier"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/mocks"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func issue(id string, active bool) any {
	return mock.MatchedBy(func(sig models.Signal) bool { return sig.IssueID == id && sig.Active == active })
}

func Test_Classify(t *testing.T) {

	tests := []struct {
		name     string
		err      error
		expected classifier.Kind
	}{
		{name: "auth", err: &gerrors.AuthError{}, expected: classifier.KindAuth},
		{name: "wrapped rate limit", err: fmt.Errorf("polling: %w", &gerrors.RateLimitError{}), expected: classifier.KindRateLimit},
		{name: "connection", err: &gerrors.ConnectionError{Op: "x", Err: errors.New("reset")}, expected: classifier.KindConnection},
		{name: "deadline", err: context.DeadlineExceeded, expected: classifier.KindConnection},
		{name: "device not found", err: &gerrors.DeviceNotFoundError{DeviceID: "d1"}, expected: classifier.KindDeviceNotFound},
		{name: "unsupported capability is a validation failure", err: &gerrors.CapabilityNotSupportedError{}, expected: classifier.KindValidation},
		{name: "channel disconnected", err: gerrors.ErrChannelDisconnected, expected: classifier.KindChannelDisconnected},
		{name: "api", err: &gerrors.APIError{StatusCode: 400}, expected: classifier.KindAPI},
		{name: "unknown", err: errors.New("?"), expected: classifier.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifier.Classify(tt.err))
		})
	}
}

func Test_Report(t *testing.T) {

	t.Run("should raise an auth issue once and clear it after a success", func(t *testing.T) {
		// arrange
		mockSink := mocks.NewMockClassifierSignalSink(t)
		mockSink.On("Emit", issue(classifier.IssueAuth, true)).Return().Once()
		mockSink.On("Emit", issue(classifier.IssueAuth, false)).Return().Once()
		c := classifier.NewClassifier(env.ForTest(&config.Config{}, now), mockSink, nil, nil)

		// act
		first := c.Report("d1", &gerrors.AuthError{})
		c.Report("d2", &gerrors.AuthError{})
		active := c.IsActive(classifier.IssueAuth)
		c.ReportSuccess()

		// assert
		assert.Equal(t, classifier.KindAuth, first)
		assert.True(t, active)
		assert.False(t, c.IsActive(classifier.IssueAuth))
	})

	t.Run("should escalate a rate limit while the day budget is low", func(t *testing.T) {
		// arrange
		mockSink := mocks.NewMockClassifierSignalSink(t)
		mockLimits := mocks.NewMockPollerRateLimitReader(t)
		mockLimits.On("Status").Return(models.RateLimitStatus{DayLimit: 10000, DayRemaining: 10, DayReset: now.Add(time.Hour)})
		mockSink.On("Emit", mock.MatchedBy(func(sig models.Signal) bool {
			return sig.IssueID == classifier.IssueRateLimited && sig.Severity == models.SeverityError
		})).Return().Once()
		c := classifier.NewClassifier(env.ForTest(&config.Config{}, now), mockSink, nil, mockLimits)

		// act
		kind := c.Report("d1", &gerrors.RateLimitError{})

		// assert
		assert.Equal(t, classifier.KindRateLimit, kind)
	})

	t.Run("should not raise issues for device level failures", func(t *testing.T) {
		mockSink := mocks.NewMockClassifierSignalSink(t)
		c := classifier.NewClassifier(env.ForTest(&config.Config{}, now), mockSink, nil, nil)

		c.Report("d1", &gerrors.DeviceNotFoundError{DeviceID: "d1"})
		c.Report("d1", &gerrors.ConnectionError{Op: "x", Err: errors.New("reset")})

		mockSink.AssertNotCalled(t, "Emit", mock.Anything)
	})
}

func Test_Channel(t *testing.T) {

	t.Run("should signal a disconnect once per event", func(t *testing.T) {
		// arrange
		mockSink := mocks.NewMockClassifierSignalSink(t)
		mockSink.On("Emit", issue(classifier.IssueChannelDisconnected, true)).Return().Twice()
		mockSink.On("Emit", issue(classifier.IssueChannelDisconnected, false)).Return().Once()
		c := classifier.NewClassifier(env.ForTest(&config.Config{}, now), mockSink, nil, nil)

		// act
		c.ChannelDisconnected(errors.New("lost"))
		c.ChannelDisconnected(errors.New("still lost"))
		c.ChannelRestored()
		c.ChannelDisconnected(errors.New("lost again"))

		// assert
		assert.True(t, c.IsActive(classifier.IssueChannelDisconnected))
	})
}

func Test_CheckBudget(t *testing.T) {

	t.Run("should warn while the budget is low", func(t *testing.T) {
		// arrange
		mockSink := mocks.NewMockClassifierSignalSink(t)
		mockSink.On("Emit", issue(classifier.IssueBudgetLow, true)).Return().Once()
		mockSink.On("Emit", issue(classifier.IssueBudgetLow, false)).Return().Once()
		c := classifier.NewClassifier(env.ForTest(&config.Config{}, now), mockSink, nil, nil)

		// act
		c.CheckBudget(models.RateLimitStatus{MinuteRemaining: 2, DayRemaining: 5000})
		c.CheckBudget(models.RateLimitStatus{MinuteRemaining: 1, DayRemaining: 5000})
		c.CheckBudget(models.RateLimitStatus{MinuteRemaining: 90, DayRemaining: 5000})

		// assert
		assert.False(t, c.IsActive(classifier.IssueBudgetLow))
	})
}
