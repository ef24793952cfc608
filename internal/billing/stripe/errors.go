package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/bmetrics"
)

// ErrorKind classifies gateway failures for callers that branch on outcome
// rather than provider detail.
type ErrorKind string

const (
	// KindNotConfigured means gateway credentials are absent; every
	// operation fails fast rather than silently no-oping.
	KindNotConfigured ErrorKind = "not_configured"
	// KindNoSubscription means the operation requires a remote subscription
	// the tenant does not have.
	KindNoSubscription ErrorKind = "no_subscription"
	// KindTimeout means the bounded call deadline expired.
	KindTimeout ErrorKind = "gateway_timeout"
	// KindRejected means the provider returned a 4xx; Message carries the
	// provider's reason.
	KindRejected ErrorKind = "gateway_rejected"
	// KindUnavailable means a 5xx or connection failure.
	KindUnavailable ErrorKind = "gateway_unavailable"
	// KindConflict means a check-then-act race was lost.
	KindConflict ErrorKind = "conflict"
	// KindNotFound means the remote object does not exist.
	KindNotFound ErrorKind = "not_found"
)

// Error is the typed error every gateway operation returns on failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	sb.WriteString(": ")
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a gateway Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

func newError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// translateError normalizes stripe-go and context errors into the taxonomy.
func translateError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Message: "provider call timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnavailable, Op: op, Message: "provider call canceled", Err: err}
	}

	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripelib.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404:
			return &Error{Kind: KindNotFound, Op: op, Message: stripeErr.Msg, Err: err}
		case stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500:
			return &Error{Kind: KindRejected, Op: op, Message: stripeErr.Msg, Err: err}
		default:
			return &Error{Kind: KindUnavailable, Op: op, Message: stripeErr.Msg, Err: err}
		}
	}

	// Transport-level failure without a structured provider error.
	return &Error{Kind: KindUnavailable, Op: op, Message: err.Error(), Err: err}
}

// observeCall records one provider round trip in the gateway call counter,
// labeled by operation and taxonomy kind.
func observeCall(op string, err error) {
	result := "ok"
	if gwErr := translateError(op, err); gwErr != nil {
		result = string(gwErr.Kind)
	}
	bmetrics.GatewayCalls.WithLabelValues(op, result).Inc()
}

// wrapPersist marks a local persistence failure after a successful remote
// mutation. The remote change stands; the reconciliation sweep repairs the
// local record.
func wrapPersist(op string, err error) error {
	return fmt.Errorf("%s: remote succeeded but local persist failed (reconciliation candidate): %w", op, err)
}
