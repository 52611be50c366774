package store

import (
	"context"
	"errors"
	"time"
)

// RetryRead 以指数退避重试幂等读操作，只对 ErrStoreUnavailable 重试。
// 变更类调用不得经过这里：重试可能产生重复副作用。
func RetryRead(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}

		// 最后一次失败后不再等待
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ErrStoreUnavailable
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
