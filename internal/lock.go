package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// StoreLock is an advisory cross-process lock on a store's backing file.
type StoreLock struct {
	lock *flock.Flock
}

// AcquireStoreLock locks path+".lock", waiting at most timeout. Contention
// past the timeout yields ErrStoreBusy.
func AcquireStoreLock(ctx context.Context, path string, timeout time.Duration) (*StoreLock, error) {
	fl := flock.New(path + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked by another process", ErrStoreBusy, path)
	}

	return &StoreLock{lock: fl}, nil
}

func (l *StoreLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return nil
}
