package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"gorm.io/gorm"
)

var ErrExhausted = errors.New("retries exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}

// ExhaustedError is returned when a transient failure outlived every attempt.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Retrier runs an operation with bounded attempts and linear backoff.
type Retrier struct {
	attempts int
	base     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetrier(attempts int, base time.Duration) *Retrier {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return &Retrier{attempts: attempts, base: base, sleep: sleepCtx}
}

func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		if attempt == r.attempts {
			break
		}
		delay := r.base * time.Duration(attempt)
		logger.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("transient failure, retrying")
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return &ExhaustedError{Op: op, Attempts: r.attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
