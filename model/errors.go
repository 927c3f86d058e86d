package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a read failure. Collectors react to kinds, never to
// concrete error types from protocol drivers.
type ErrorKind int

const (
	KindOK ErrorKind = iota
	KindTimeout
	KindNoRoute
	KindBadTag
	KindTypeMismatch
	KindTooManyConn
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindTimeout:
		return "TIMEOUT"
	case KindNoRoute:
		return "NO_ROUTE"
	case KindBadTag:
		return "BAD_TAG"
	case KindTypeMismatch:
		return "TYPE_MISMATCH"
	case KindTooManyConn:
		return "TOO_MANY_CONN"
	}
	return "UNKNOWN"
}

// KindError tags an underlying error with its classification. Drivers wrap
// protocol-specific failures in a KindError at the boundary so the collector
// never inspects protocol details.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Classified wraps err with the given kind.
func Classified(kind ErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// ClassifyError maps an arbitrary error into the failure taxonomy. Tagged
// errors keep their kind; untagged transport errors are classified by shape.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var tme *TypeMismatchError
	if errors.As(err, &tme) {
		return KindTypeMismatch
	}
	var busy *PoolBusyError
	if errors.As(err, &busy) {
		return KindTooManyConn
	}
	var faulted *PoolFaultedError
	if errors.As(err, &faulted) {
		return KindNoRoute
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return KindNoRoute
	}
	return KindUnknown
}

// TypeMismatchError reports a raw value that does not satisfy the tag's
// declared type. The sample is discarded (fail-fast); the loop continues.
type TypeMismatchError struct {
	DeviceID string
	TagID    string
	Expected ValueType
	Actual   string // description of the raw value's type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on %s/%s: expected %s, got %s",
		e.DeviceID, e.TagID, e.Expected, e.Actual)
}

// PoolBusyError is returned when an endpoint is at its connection clamp.
type PoolBusyError struct {
	EndpointID string
	Limit      int
}

func (e *PoolBusyError) Error() string {
	return fmt.Sprintf("endpoint %s at connection limit %d", e.EndpointID, e.Limit)
}

// PoolFaultedError is returned while an endpoint sits in its backoff window
// after a fault.
type PoolFaultedError struct {
	EndpointID string
	Reason     string
	RetryAt    time.Time
}

func (e *PoolFaultedError) Error() string {
	return fmt.Sprintf("endpoint %s faulted (%s), retry at %s",
		e.EndpointID, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}
