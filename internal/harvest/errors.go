package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// FetchErrorKind classifies adapter failures.
type FetchErrorKind string

// FetchError kinds.
const (
	FetchTimeout     FetchErrorKind = "timeout"
	FetchUnreachable FetchErrorKind = "unreachable"
	FetchAuthFailure FetchErrorKind = "auth_failure"
)

// FetchError is returned by adapters and fetchers.
type FetchError struct {
	Kind     FetchErrorKind
	Location string
	// Transient marks Unreachable failures worth retrying (5xx, 429, resets).
	Transient bool
	Status    int
	Err       error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Location, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// NormalizeErrorKind classifies normalizer failures.
type NormalizeErrorKind string

// NormalizeError kinds.
const (
	UnsupportedContentType NormalizeErrorKind = "unsupported_content_type"
	ContentTooLarge        NormalizeErrorKind = "content_too_large"
)

// NormalizeError is returned by the normalizer. It is never retried.
type NormalizeError struct {
	Kind        NormalizeErrorKind
	Path        string
	ContentType string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize %s (%s): %s", e.Path, e.ContentType, e.Kind)
}

// StoreErrorKind classifies snapshot store failures.
type StoreErrorKind string

// StoreError kinds.
const (
	WriteConflict StoreErrorKind = "write_conflict"
	Unavailable   StoreErrorKind = "unavailable"
)

// StoreError is returned by snapshot stores.
type StoreError struct {
	Kind StoreErrorKind
	Key  string
	Err  error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("store %s: %s", e.Key, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsFetchKind reports whether err wraps a FetchError of the given kind.
func IsFetchKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// IsNormalizeKind reports whether err wraps a NormalizeError of the given kind.
func IsNormalizeKind(err error, kind NormalizeErrorKind) bool {
	var ne *NormalizeError
	return errors.As(err, &ne) && ne.Kind == kind
}

// IsStoreKind reports whether err wraps a StoreError of the given kind.
func IsStoreKind(err error, kind StoreErrorKind) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == kind
}

// IsRetryable reports whether the retry policy may attempt the operation again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case FetchTimeout:
			return true
		case FetchUnreachable:
			return fe.Transient
		default:
			return false
		}
	}
	return IsStoreKind(err, Unavailable)
}

// ClassifyStatus maps a non-2xx HTTP status to a FetchError. It returns nil
// for 2xx and 3xx statuses.
func ClassifyStatus(location string, status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &FetchError{Kind: FetchAuthFailure, Location: location, Status: status}
	case status == http.StatusRequestTimeout:
		return &FetchError{Kind: FetchTimeout, Location: location, Status: status}
	case status == http.StatusTooManyRequests, status >= 500:
		return &FetchError{Kind: FetchUnreachable, Location: location, Status: status, Transient: true}
	default:
		return &FetchError{Kind: FetchUnreachable, Location: location, Status: status}
	}
}

// ClassifyError maps a transport error to a FetchError. Errors that are
// already FetchErrors are returned unchanged.
func ClassifyError(location string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, http.ErrHandlerTimeout) {
		return &FetchError{Kind: FetchTimeout, Location: location, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: FetchTimeout, Location: location, Err: err}
	}
	transient := errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		transient = dnsErr.IsTemporary
	}
	return &FetchError{Kind: FetchUnreachable, Location: location, Transient: transient, Err: err}
}
