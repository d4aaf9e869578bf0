package concurrency_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wheelibin/goveed/internal/concurrency"
)

func Test_ThrottledWorker(t *testing.T) {

	t.Run("should never exceed the concurrency limit", func(t *testing.T) {
		// arrange
		var inFlight, peak atomic.Int32
		w := concurrency.NewThrottledWorker(3, 0, func(ctx context.Context, arg string) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})

		// act
		failures := w.Run(context.Background(), []string{"a", "b", "c", "d", "e", "f", "g", "h"})

		// assert
		assert.Empty(t, failures)
		assert.LessOrEqual(t, peak.Load(), int32(3))
	})

	t.Run("should isolate failing jobs", func(t *testing.T) {
		// arrange
		var ran atomic.Int32
		boom := errors.New("boom")
		w := concurrency.NewThrottledWorker(2, 0, func(ctx context.Context, arg string) error {
			ran.Add(1)
			if arg == "b" {
				return boom
			}
			return nil
		})

		// act
		failures := w.Run(context.Background(), []string{"a", "b", "c"})

		// assert
		assert.Equal(t, int32(3), ran.Load())
		assert.Equal(t, map[string]error{"b": boom}, failures)
	})

	t.Run("should report unstarted jobs after cancellation", func(t *testing.T) {
		// arrange
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := concurrency.NewThrottledWorker(1, 0, func(ctx context.Context, arg string) error { return nil })

		// act
		failures := w.Run(ctx, []string{"a", "b"})

		// assert
		assert.ErrorIs(t, failures["a"], context.Canceled)
		assert.ErrorIs(t, failures["b"], context.Canceled)
	})
}
