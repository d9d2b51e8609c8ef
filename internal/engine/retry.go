package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
)

// retry runs op up to LoadRetries additional times with exponential backoff
// starting at RetryInterval. Validation, fatal and context errors are not
// retried; neither is anything when enabled is false.
func (e *Engine) retry(ctx context.Context, what string, enabled bool, op func() error) error {
	retries := e.rt.LoadRetries
	if !enabled || retries <= 0 {
		return op()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.rt.RetryInterval
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 500 * time.Millisecond
	}
	eb.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil || permanent(err) {
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logging.From(ctx).Warn(what+" failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
	return backoff.RetryNotify(wrapped, policy, notify)
}

func permanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch ferryerr.KindOf(err) {
	case ferryerr.KindValidation, ferryerr.KindFatal, ferryerr.KindInvalidDestination, ferryerr.KindInvalidSource:
		return true
	}
	return false
}

// tableLocks serializes LOAD per destination table.
type tableLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *tableLocks) lock(key string) (unlock func()) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = map[string]*sync.Mutex{}
	}
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}
