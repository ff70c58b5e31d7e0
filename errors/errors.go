package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class is the handling category of an error.
type Class int

const (
	// ClassProtocol covers malformed wire data and version mismatches.
	// Fatal to the connection that produced it, never to the process.
	ClassProtocol Class = iota
	// ClassTransport covers channel and endpoint faults. Control-plane
	// callers may retry with bounded backoff.
	ClassTransport
	// ClassPolicy covers backpressure policy violations; the offending
	// subscription is dropped.
	ClassPolicy
	// ClassLifecycle covers synchronous configure/start/subscribe failures.
	ClassLifecycle
	// ClassCrash covers lost peers detected by heartbeat or process exit.
	ClassCrash
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassTransport:
		return "transport"
	case ClassPolicy:
		return "policy"
	case ClassLifecycle:
		return "lifecycle"
	case ClassCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Protocol errors
	ErrMalformedHeader    = errors.New("malformed stream header")
	ErrUnsupportedVersion = errors.New("unsupported header version")
	ErrChecksumMismatch   = errors.New("chunk checksum mismatch")
	ErrTruncatedChunk     = errors.New("truncated chunk frame")
	ErrDecompression      = errors.New("chunk decompression failed")

	// Transport errors
	ErrChannelClosed       = errors.New("transport channel closed")
	ErrEndpointUnreachable = errors.New("endpoint unreachable")
	ErrNoConnection        = errors.New("no connection available")
	ErrConnectionTimeout   = errors.New("connection timeout")

	// Policy errors
	ErrSubscriberTimeout = errors.New("subscriber timeout under blocking policy")

	// Lifecycle errors
	ErrStreamAlreadyExists = errors.New("stream id already registered")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrIncompatibleSpec    = errors.New("incompatible stream spec")
	ErrStreamClosed        = errors.New("stream closed")
	ErrAlreadyStarted      = errors.New("already started")
	ErrNotStarted          = errors.New("not started")
	ErrInvalidState        = errors.New("invalid lifecycle state")
	ErrInvalidConfig       = errors.New("invalid configuration")

	// Crash errors
	ErrProducerLost     = errors.New("producer lost")
	ErrConsumerLost     = errors.New("consumer lost")
	ErrNodeNotFound     = errors.New("node not found")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// ClassifiedError wraps an error with its class and origin context.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a contextualized error following the pattern
// "component.method: action failed: %w" without assigning a class.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClassified(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapProtocol wraps an error as a protocol fault.
func WrapProtocol(err error, component, method, action string) error {
	return wrapClassified(ClassProtocol, err, component, method, action)
}

// WrapTransport wraps an error as a transport fault.
func WrapTransport(err error, component, method, action string) error {
	return wrapClassified(ClassTransport, err, component, method, action)
}

// WrapPolicy wraps an error as a policy violation.
func WrapPolicy(err error, component, method, action string) error {
	return wrapClassified(ClassPolicy, err, component, method, action)
}

// WrapLifecycle wraps an error as a lifecycle fault.
func WrapLifecycle(err error, component, method, action string) error {
	return wrapClassified(ClassLifecycle, err, component, method, action)
}

// WrapCrash wraps an error as a crash report.
func WrapCrash(err error, component, method, action string) error {
	return wrapClassified(ClassCrash, err, component, method, action)
}

// ClassOf reports the class of an error. Unclassified errors are mapped
// from the standard variables; anything unknown defaults to transport so
// control-plane callers retry rather than give up.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrMalformedHeader),
		errors.Is(err, ErrUnsupportedVersion),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrTruncatedChunk),
		errors.Is(err, ErrDecompression):
		return ClassProtocol
	case errors.Is(err, ErrSubscriberTimeout):
		return ClassPolicy
	case errors.Is(err, ErrStreamAlreadyExists),
		errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrIncompatibleSpec),
		errors.Is(err, ErrStreamClosed),
		errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrNotStarted),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidConfig):
		return ClassLifecycle
	case errors.Is(err, ErrProducerLost),
		errors.Is(err, ErrConsumerLost),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrHeartbeatTimeout):
		return ClassCrash
	default:
		return ClassTransport
	}
}

// IsTransient reports whether an error may be retried. Only transport
// faults and context timeouts qualify; every other class either fails the
// call or is escalated.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return ClassOf(err) == ClassTransport
}

// IsProtocol reports whether an error is a protocol fault.
func IsProtocol(err error) bool {
	return err != nil && ClassOf(err) == ClassProtocol
}

// IsLifecycle reports whether an error is a lifecycle fault.
func IsLifecycle(err error) bool {
	return err != nil && ClassOf(err) == ClassLifecycle
}

// IsCrash reports whether an error is a crash report.
func IsCrash(err error) bool {
	return err != nil && ClassOf(err) == ClassCrash
}
