package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Class is the delivery outcome category of a failed remote call.
type Class int

const (
	// ClassTransient covers timeouts, network failures and 5xx responses.
	ClassTransient Class = iota
	// ClassRateLimited means the remote asked us to slow down.
	ClassRateLimited
	// ClassTerminal means the remote rejected the request and retrying will
	// not help.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var (
	ErrTransient   = errors.New("remote: transient failure")
	ErrRateLimited = errors.New("remote: rate limited")
	ErrTerminal    = errors.New("remote: request rejected")

	// ErrNotFound is returned by Fetch when the resource does not exist.
	ErrNotFound = errors.New("remote: not found")
)

// Error is a classified remote failure.
type Error struct {
	Class      Class
	StatusCode int
	// RetryAfter is the delay requested by a rate-limited response, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's class.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrRateLimited:
		return e.Class == ClassRateLimited
	case ErrTerminal:
		return e.Class == ClassTerminal
	}
	return false
}

// Classify returns the class of err. Errors that did not come from this
// package, such as a cancelled context, are transient.
func Classify(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

// RetryAfter returns the delay requested by the remote, or zero.
func RetryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// statusError classifies a non-success response.
func statusError(status int, header http.Header, body []byte, now time.Time) *Error {
	e := &Error{
		StatusCode: status,
		Err:        fmt.Errorf("%s: %s", http.StatusText(status), truncate(body, 256)),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status >= 500:
		e.Class = ClassTransient
	default:
		e.Class = ClassTerminal
	}
	return e
}

func networkError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w (%v)", err, ctx.Err())
	}
	return &Error{Class: ClassTransient, Err: err}
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
