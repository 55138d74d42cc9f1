package progress

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Callback receives progress snapshots.
type Callback func(ctx context.Context, s Snapshot) error

// Invoke calls cb, recovering panics and logging errors. A nil cb is a no-op.
func Invoke(ctx context.Context, cb Callback, s Snapshot, logger *zap.Logger) (err error) {
	if cb == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("progress callback panicked: %v", r)
			logger.Error("progress callback panicked", zap.Any("panic", r))
		}
	}()
	if err = cb(ctx, s); err != nil {
		logger.Warn("progress callback failed", zap.Error(err), zap.Int("completed", s.Completed))
	}
	return err
}
