package carrier

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	// KindRetryable covers transport failures, throttling and 5xx answers.
	KindRetryable Kind = iota + 1
	// KindPermanent covers 4xx answers and structurally broken feeds.
	KindPermanent
	// KindValidation is bad input from the caller; never retried.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: carrier returned status code %d", e.Op, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var ErrEmptyTrackingNumber = errors.New("tracking number is required")

// retryableStatus lists the HTTP codes worth asking again for.
// 0 is what some proxies report for a dropped upstream.
var retryableStatus = map[int]struct{}{
	0: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {}, 507: {}, 508: {}, 509: {},
}

func IsRetryableStatus(code int) bool {
	_, ok := retryableStatus[code]
	return ok
}

// StatusError classifies a non-200 carrier answer.
func StatusError(code int) *Error {
	kind := KindPermanent
	if IsRetryableStatus(code) {
		kind = KindRetryable
	}
	return &Error{Kind: kind, Op: "fetch tracking", StatusCode: code}
}

func Retryable(op string, err error) *Error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }

func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
