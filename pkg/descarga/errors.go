package descarga

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyToken is returned when authentication succeeds at the HTTP
	// level but the response carries no token.
	ErrEmptyToken = errors.New("descarga: authentication returned an empty token")
	// ErrNoInformation means the query matched nothing. Callers treat it
	// as a successful run with zero documents.
	ErrNoInformation = errors.New("descarga: no information found for the requested period")
	// ErrQuotaExceeded means the per-request document cap was hit and the
	// period should be narrowed.
	ErrQuotaExceeded = errors.New("descarga: download quota exceeded, narrow the date range")
	// ErrDailyLimit means the per-RFC daily request allowance is spent.
	ErrDailyLimit = errors.New("descarga: daily request limit reached for this RFC, retry tomorrow")
	// ErrVerificationTimeout means polling gave up before the request
	// reached a terminal state.
	ErrVerificationTimeout = errors.New("descarga: verification did not finish in time")
	// ErrEmptyPackage means a download returned no payload.
	ErrEmptyPackage = errors.New("descarga: package download returned an empty payload")
	// ErrCorruptPackage means the downloaded payload is not a readable zip.
	ErrCorruptPackage = errors.New("descarga: package payload is not a valid zip archive")
)

// AuthenticationError wraps the final failure after the signing search
// space is exhausted or the token endpoint faults.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("descarga: authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RequestRejectedError reports a SolicitaDescarga rejection with the
// service's own code and message.
type RequestRejectedError struct {
	Code    string
	Message string
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("descarga: request rejected (%s): %s", e.Code, e.Message)
}

// VerificationError reports a verification that reached a terminal failed
// state (rejected, expired, or errored on the service side).
type VerificationError struct {
	State   int
	Code    string
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("descarga: request finished in state %d (%s): %s", e.State, e.Code, e.Message)
}

// SOAPFaultError carries a SOAP Fault returned by a service operation.
type SOAPFaultError struct {
	Code   string
	Reason string
}

func (e *SOAPFaultError) Error() string {
	return fmt.Sprintf("descarga: soap fault %s: %s", e.Code, e.Reason)
}
