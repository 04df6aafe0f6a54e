package syncengine

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// runs `op` up to `attempts` times with a fixed `delay` between tries.
// the last error is returned after the budget is exhausted.
// context cancellation interrupts the delay, not an op already running.
func retryWithAttempts[R any](
	ctx context.Context,
	attempts int,
	delay time.Duration,
	tag string,
	op func(ctx context.Context) (R, error),
) (R, error) {
	if attempts < 1 {
		attempts = 1
	}

	var empty R
	var err error
	for i := 0; i < attempts; i += 1 {
		if 0 < i {
			select {
			case <-ctx.Done():
				return empty, ctx.Err()
			case <-time.After(delay):
			}
		}

		var result R
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		glog.V(1).Infof("[retry]%s attempt %d/%d error = %s\n", tag, i+1, attempts, err)
	}
	return empty, err
}
