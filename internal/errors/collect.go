package errors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Collection error kinds. Every adapter failure is classified as exactly one of these.
var (
	ErrUnavailable         = errors.New("unavailable")
	ErrAuthExpired         = errors.New("auth_expired")
	ErrRateLimited         = errors.New("rate_limited")
	ErrTransient           = errors.New("transient")
	ErrMalformedResponse   = errors.New("malformed_response")
	ErrUnsupportedPlatform = errors.New("unsupported_platform")
	ErrDecryption          = errors.New("decryption_failure")
)

var kinds = []error{
	ErrUnavailable,
	ErrAuthExpired,
	ErrRateLimited,
	ErrTransient,
	ErrMalformedResponse,
	ErrUnsupportedPlatform,
	ErrDecryption,
}

// KindUnknown is reported for errors outside the collection taxonomy.
const KindUnknown = "unknown"

// CollectError is a platform failure tagged with its kind.
type CollectError struct {
	Kind     error
	Platform string
	Op       string
	Err      error
}

func (e *CollectError) Error() string {
	var b strings.Builder
	if e.Platform != "" {
		b.WriteString(e.Platform)
		b.WriteString(" ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CollectError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel.
func (e *CollectError) Is(target error) bool {
	return target == e.Kind
}

func newCollectError(kind error, platform, op string, err error) *CollectError {
	return &CollectError{Kind: kind, Platform: platform, Op: op, Err: err}
}

// Unavailable reports a platform that cannot be reached right now.
func Unavailable(platform, op string, err error) error {
	return newCollectError(ErrUnavailable, platform, op, err)
}

// AuthExpired reports a credential the platform no longer accepts.
func AuthExpired(platform, op string, err error) error {
	return newCollectError(ErrAuthExpired, platform, op, err)
}

// ErrNoCredential is wrapped by AuthExpired errors raised before any token
// reached the platform. Its kind stays auth_expired.
var ErrNoCredential = errors.New("no usable credential")

// MissingCredential reports that no usable token could be resolved.
func MissingCredential(platform, op string) error {
	return newCollectError(ErrAuthExpired, platform, op, ErrNoCredential)
}

// Transient reports a failure worth retrying.
func Transient(platform, op string, err error) error {
	return newCollectError(ErrTransient, platform, op, err)
}

// Malformed reports a response that could not be interpreted.
func Malformed(platform, op string, err error) error {
	return newCollectError(ErrMalformedResponse, platform, op, err)
}

// RateLimitError is returned when a platform throttles the caller.
type RateLimitError struct {
	Platform   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "rate limit"
	}
	msg := e.Message
	if msg == "" {
		msg = "rate limit exceeded"
	}
	if e.Platform != "" {
		msg = e.Platform + " " + msg
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	return msg
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// UnsupportedPlatformError is returned by the adapter registry for unknown keys.
type UnsupportedPlatformError struct {
	Key   string
	Known []string
}

func (e *UnsupportedPlatformError) Error() string {
	known := append([]string(nil), e.Known...)
	sort.Strings(known)
	return fmt.Sprintf("unsupported platform %q (known: %s)", e.Key, strings.Join(known, ", "))
}

func (e *UnsupportedPlatformError) Is(target error) bool {
	return target == ErrUnsupportedPlatform
}

// DecryptionError is returned when stored ciphertext cannot be opened.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Retryable reports whether err is worth another attempt.
// Only transient failures, throttling, and call timeouts qualify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the taxonomy name of err, or KindUnknown.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient.Error()
	}
	return KindUnknown
}
