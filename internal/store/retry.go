package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const busyRetries = 3

// IsBusyError reports whether err is a SQLITE_BUSY or "database is locked"
// error. Both are concurrency errors that warrant a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func busyBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 400 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, busyRetries-1), ctx)
}

// withBusyRetry runs fn, retrying with exponential backoff while it fails
// with a busy error. Other errors are returned immediately.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, busyBackOff(ctx), func(err error, delay time.Duration) {
		slog.Debug("[STORE] Database busy, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
}
