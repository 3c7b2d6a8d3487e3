package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Strategy string

const (
	None        Strategy = "none"
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

func ParseStrategy(s string) (Strategy, error) {
	switch strategy := Strategy(strings.ToLower(s)); strategy {
	case None, Linear, Exponential:
		return strategy, nil
	case "":
		return None, nil
	default:
		return "", fmt.Errorf("unknown retry strategy '%s'", s)
	}
}

// Policy describes how transient failures of a remote call are retried.
type Policy struct {
	Strategy Strategy `json:"strategy"`
	// Attempts is the total number of calls, including the first one.
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
	// Retryable reports whether an error is transient. Nil means every error
	// not marked Permanent is.
	Retryable func(error) bool `json:"-"`
}

func DefaultPolicy() Policy {
	return Policy{
		Strategy: Exponential,
		Attempts: 4,
		Backoff:  100 * time.Millisecond,
	}
}

// Delay returns the pause after the given failed attempt, starting at 0.
// Exponential backoff doubles: 100ms, 200ms, 400ms, 800ms, ...
func (p Policy) Delay(attempt int) time.Duration {
	switch p.Strategy {
	case Linear:
		return p.Backoff * time.Duration(attempt+1)
	case Exponential:
		return p.Backoff * time.Duration(1<<attempt)
	default:
		return 0
	}
}

func (p Policy) attempts() int {
	if p.Strategy == None || p.Strategy == "" || p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) retryable(err error) bool {
	var permanent *permanentError
	if errors.As(err, &permanent) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// policy's attempts are exhausted. It returns the last error, or ctx.Err() if
// the context is cancelled during a backoff.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	_, err := DoResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoResult is like Policy.Do but for functions that return a value.
func DoResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	var err error
	attempts := p.attempts()
	for i := 0; i < attempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if !p.retryable(err) {
			return result, Unwrap(err)
		}
		if i < attempts-1 {
			timer := time.NewTimer(p.Delay(i))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			}
		}
	}
	return result, Unwrap(err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Unwrap strips the Permanent marker, if any.
func Unwrap(err error) error {
	var permanent *permanentError
	if errors.As(err, &permanent) && err == error(permanent) {
		return permanent.err
	}
	return err
}
