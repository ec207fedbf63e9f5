// Package classify maps raw fetch failures into a typed, uniform
// failure contract consumed by the retry executor and everything
// downstream of it.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Kind is the classification attached to every failure.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindServerUnavailable Kind = "server_unavailable"
	KindClientRejected    Kind = "client_rejected"
	KindDomainFailure     Kind = "domain_failure"
	KindInvalidData       Kind = "invalid_data"
	KindUnknown           Kind = "unknown"

	// KindCircuitOpen is synthetic: it is produced by the retry
	// executor when the breaker rejects an attempt, never by Classify.
	KindCircuitOpen Kind = "circuit_open"
)

// Failure is the single failure shape consumers ever see. The raw
// underlying error is preserved as Cause and reachable via errors.As.
type Failure struct {
	ID         string
	Kind       Kind
	Retryable  bool
	StatusCode int // 0 when the failure carries no status code
	OccurredAt time.Time
	Cause      error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return fmt.Sprintf("%s failure", f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Classifier turns raw errors into Failures. The mapping is total:
// every non-nil error classifies to exactly one Kind.
type Classifier struct {
	retryDomain  bool
	retryUnknown bool
	nowFn        func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRetryableDomainFailures makes domain_failure retryable.
func WithRetryableDomainFailures() Option {
	return func(c *Classifier) { c.retryDomain = true }
}

// WithRetryableUnknown makes unknown retryable.
func WithRetryableUnknown() Option {
	return func(c *Classifier) { c.retryUnknown = true }
}

// WithClock overrides the classifier clock, primarily for tests.
func WithClock(f func() time.Time) Option {
	return func(c *Classifier) { c.nowFn = f }
}

// New creates a Classifier. Domain failures and unknown errors are
// non-retryable unless opted in.
func New(opts ...Option) *Classifier {
	c := &Classifier{nowFn: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps err to a Failure. Already-classified failures pass
// through unchanged. A nil err returns nil.
func (c *Classifier) Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var existing *Failure
	if errors.As(err, &existing) {
		return existing
	}

	kind, status := c.kindOf(err)

	return &Failure{
		ID:         uuid.New().String(),
		Kind:       kind,
		Retryable:  c.retryable(kind),
		StatusCode: status,
		OccurredAt: c.nowFn(),
		Cause:      err,
	}
}

func (c *Classifier) kindOf(err error) (Kind, int) {
	// Deadlines first: a timed-out request often also looks like a
	// transport error further down the chain.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, 0
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, 0
	}

	if kind, code, ok := fromGRPC(err); ok {
		return kind, code
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return fromHTTPStatus(sc.HTTPStatusCode())
	}

	if isTransport(err) {
		return KindNetwork, 0
	}

	if isMalformed(err) {
		return KindInvalidData, 0
	}

	var de *domainError
	if errors.As(err, &de) {
		return KindDomainFailure, 0
	}

	return KindUnknown, 0
}

func (c *Classifier) retryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindServerUnavailable:
		return true
	case KindDomainFailure:
		return c.retryDomain
	case KindUnknown:
		return c.retryUnknown
	default:
		return false
	}
}

func isTransport(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var invErr *invalidError
	return errors.As(err, &invErr)
}

// domainError marks an error as a job-level failure reported by the
// remote system itself rather than by the transport.
type domainError struct {
	err error
}

func (e *domainError) Error() string { return e.err.Error() }
func (e *domainError) Unwrap() error { return e.err }

// Domain wraps err so it classifies as domain_failure.
func Domain(err error) error {
	if err == nil {
		return nil
	}
	return &domainError{err: err}
}

// invalidError marks a payload the caller detected as structurally
// broken, beyond what the JSON decoder reports on its own.
type invalidError struct {
	err error
}

func (e *invalidError) Error() string { return e.err.Error() }
func (e *invalidError) Unwrap() error { return e.err }

// Invalid wraps err so it classifies as invalid_data. Used by fetch
// collaborators that detect a structurally broken payload themselves.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &invalidError{err: err}
}
