// Package omenerr defines OMEN's normalized error kinds and the HTTP/SSE
// envelope they render to, mirroring the classification idiom in
// omen's router.ClassifiedError and providers.StatusError but with
// the fixed vocabulary the gateway's API surface promises callers.
package omenerr

import "fmt"

// Kind is one of the normalized error kinds from the error handling design.
type Kind string

const (
	BadRequest        Kind = "bad_request"
	Unauthenticated   Kind = "unauthenticated"
	Forbidden         Kind = "forbidden"
	NoEligibleProvider Kind = "no_eligible_provider"
	RateLimited       Kind = "rate_limited"
	BudgetExceeded    Kind = "budget_exceeded"
	ProviderUnavailable Kind = "provider_unavailable"
	ProviderTransient Kind = "provider_transient"
	ProviderAuthn     Kind = "provider_authn"
	ProviderPolicy    Kind = "provider_policy"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"
)

// httpStatus maps each kind to the status code it surfaces as, per §7.
var httpStatus = map[Kind]int{
	BadRequest:          400,
	Unauthenticated:     401,
	Forbidden:           403,
	NoEligibleProvider:  400,
	RateLimited:         429,
	BudgetExceeded:       402,
	ProviderUnavailable: 503,
	ProviderTransient:   502,
	ProviderAuthn:       500,
	ProviderPolicy:      400,
	Timeout:             504,
	Internal:            500,
}

// Retriable reports whether a client may retry this error kind, per §7.
var retriable = map[Kind]bool{
	RateLimited:       true,
	ProviderTransient: true,
	ProviderUnavailable: true,
	Timeout:           true,
}

// Error is OMEN's normalized error type. Every subsystem returns one of
// these (or wraps a lower-level error into one) before it crosses a
// component boundary that might surface to an HTTP client.
type Error struct {
	Kind       Kind
	Message    string
	Param      string
	RetryAfterSecs int
	Reasons    []string // per-candidate elimination reasons, for no_eligible_provider
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error renders as.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// Retriable reports whether this error kind is retriable per §7.
func (e *Error) Retriable() bool { return retriable[e.Kind] }

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind carrying an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Envelope is the OpenAI-compatible `{error:{...}}` JSON body.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner object of an error Envelope.
type EnvelopeBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// ToEnvelope renders the error as the client-facing JSON body.
func ToEnvelope(err error) Envelope {
	oe, ok := AsError(err)
	if !ok {
		oe = &Error{Kind: Internal, Message: err.Error()}
	}
	return Envelope{Error: EnvelopeBody{
		Code:    string(oe.Kind),
		Message: oe.Message,
		Type:    string(oe.Kind),
		Param:   oe.Param,
	}}
}

// AsError unwraps err into an *Error, if it is one (directly or wrapped).
func AsError(err error) (*Error, bool) {
	for err != nil {
		if oe, ok := err.(*Error); ok {
			return oe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
