package acme

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/blockadesystems/certsmith/internal/model"
)

// ErrorKind classifies protocol-level failures. Kinds map onto RFC 8555
// error URNs and HTTP status codes at the wire boundary.
type ErrorKind string

const (
	KindMalformed             ErrorKind = "malformed"
	KindUnauthorized          ErrorKind = "unauthorized"
	KindBadNonce              ErrorKind = "badNonce"
	KindBadSignatureAlgorithm ErrorKind = "badSignatureAlgorithm"
	KindNotFound              ErrorKind = "notFound"
	KindConflict              ErrorKind = "conflict"
	KindBadCSR                ErrorKind = "badCSR"
	KindAccountInvalid        ErrorKind = "accountInvalid"
	KindRejectedIdentifier    ErrorKind = "rejectedIdentifier"
)

// Error is a protocol error carried as a value through the core. It never
// partially mutates state: operations return it before persisting anything.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("acme: %s: %s", e.Kind, e.Detail)
}

// Is lets errors.Is match on the kind via sentinel comparison.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func MalformedError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindMalformed, Detail: fmt.Sprintf(format, args...)}
}

func UnauthorizedError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Detail: fmt.Sprintf(format, args...)}
}

func BadNonceError(detail string) *Error {
	return &Error{Kind: KindBadNonce, Detail: detail}
}

func BadSignatureAlgorithmError(alg string) *Error {
	return &Error{Kind: KindBadSignatureAlgorithm, Detail: fmt.Sprintf("signature algorithm %q is not supported, expected one of RS256, ES256, ES384 or ES512", alg)}
}

func NotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

func ConflictError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Detail: fmt.Sprintf(format, args...)}
}

func BadCSRError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadCSR, Detail: fmt.Sprintf(format, args...)}
}

func AccountInvalidError(accountID string) *Error {
	return &Error{Kind: KindAccountInvalid, Detail: fmt.Sprintf("account %s is not valid", accountID)}
}

func RejectedIdentifierError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindRejectedIdentifier, Detail: fmt.Sprintf(format, args...)}
}

// RFC 8555 section 6.7 error URNs.
const (
	urnPrefix                = "urn:ietf:params:acme:error:"
	urnMalformed             = urnPrefix + "malformed"
	urnUnauthorized          = urnPrefix + "unauthorized"
	urnBadNonce              = urnPrefix + "badNonce"
	urnBadSignatureAlgorithm = urnPrefix + "badSignatureAlgorithm"
	urnOrderNotReady         = urnPrefix + "orderNotReady"
	urnBadCSR                = urnPrefix + "badCSR"
	urnRejectedIdentifier    = urnPrefix + "rejectedIdentifier"
	urnServerInternal        = urnPrefix + "serverInternal"
)

// Problem converts a protocol error to its RFC 7807 wire representation.
func (e *Error) Problem() *model.ProblemDetails {
	p := &model.ProblemDetails{Detail: e.Detail}
	switch e.Kind {
	case KindMalformed:
		p.Type, p.Status = urnMalformed, http.StatusBadRequest
	case KindUnauthorized, KindAccountInvalid:
		p.Type, p.Status = urnUnauthorized, http.StatusUnauthorized
	case KindBadNonce:
		p.Type, p.Status = urnBadNonce, http.StatusBadRequest
	case KindBadSignatureAlgorithm:
		p.Type, p.Status = urnBadSignatureAlgorithm, http.StatusBadRequest
	case KindNotFound:
		p.Type, p.Status = urnMalformed, http.StatusNotFound
	case KindConflict:
		p.Type, p.Status = urnOrderNotReady, http.StatusConflict
	case KindBadCSR:
		p.Type, p.Status = urnBadCSR, http.StatusBadRequest
	case KindRejectedIdentifier:
		p.Type, p.Status = urnRejectedIdentifier, http.StatusBadRequest
	default:
		p.Type, p.Status = urnServerInternal, http.StatusInternalServerError
	}
	return p
}

// InternalProblem is the opaque problem document used for unclassified errors.
func InternalProblem() *model.ProblemDetails {
	return &model.ProblemDetails{
		Type:   urnServerInternal,
		Detail: "an internal error occurred",
		Status: http.StatusInternalServerError,
	}
}
