package relay

import (
	"context"
	mathrand "math/rand"
	"time"

	"github.com/golang/glog"
)

type BackoffSettings struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Factor   float64
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		MinDelay: 250 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Factor:   0.5,
	}
}

// delay that exits early on ctx cancel
func delayWithContext(ctx context.Context, timeout time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

// exponential delay with randomized jitter, clamped to [MinDelay, MaxDelay]
func (self *BackoffSettings) backoffDelay(failureCount int) time.Duration {
	exponentialDelay := self.MinDelay << failureCount
	if self.MaxDelay < exponentialDelay || exponentialDelay <= 0 {
		exponentialDelay = self.MaxDelay
	}
	jitterRange := time.Duration(float64(exponentialDelay) * self.Factor)
	randomJitter := time.Duration(mathrand.Int63n(int64(2*jitterRange+1))) - jitterRange
	delayWithJitter := exponentialDelay + randomJitter
	return min(max(self.MinDelay, delayWithJitter), self.MaxDelay)
}

// retryForever runs `callback` until it returns nil or ctx is canceled,
// applying the backoff delay between failures. a single failed iteration
// never terminates the loop.
func retryForever(ctx context.Context, tag string, settings *BackoffSettings, callback func() error) {
	failureCount := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := callback()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			// shutdown, not a fault
			return
		}
		timeout := settings.backoffDelay(failureCount)
		glog.Infof("[%s]error = %s, retry in %s\n", tag, err, timeout)
		failureCount += 1
		delayWithContext(ctx, timeout)
	}
}
