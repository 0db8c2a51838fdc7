package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError reports that a blocking coordination operation gave up waiting.
type TimeoutError struct {
	Op     string        // operation that timed out, e.g. "lock.acquire"
	Key    string        // key that was being waited on
	Waited time.Duration // total time spent waiting before giving up
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s waiting on %q", e.Op, e.Waited.Truncate(time.Millisecond), e.Key)
}

// NotFoundError reports that a keyed record is absent, either because it was
// never written or because its TTL elapsed. Callers cannot distinguish the two.
type NotFoundError struct {
	Kind string // record kind: "key", "session", "tool_call", "webhook_event"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// ValidationError reports malformed input or a state change that would break
// an invariant. The operation that returned it wrote nothing.
type ValidationError struct {
	Msg        string
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return e.Msg
	}
	return e.Msg + ": " + strings.Join(e.Violations, "; ")
}

// UnavailableError wraps a backing-store failure (connection refused, driver
// error, transport timeout). The request may succeed if retried later.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

// IsUnavailable reports whether err is or wraps an UnavailableError.
func IsUnavailable(err error) bool {
	var t *UnavailableError
	return errors.As(err, &t)
}
