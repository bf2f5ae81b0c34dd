// Package blob implements a file-style storage contract (load, stat, save,
// list, remove) over the Azure Blob Storage REST dialect, with optimistic
// concurrency enforced through If-Match and the ETag revision of each blob.
package blob

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Use errors.Is(err, blob.ErrNotFound) to check.
var (
	ErrNotFound         = errors.New("blob: not found")
	ErrRevisionConflict = errors.New("blob: revision conflict")
	ErrAuth             = errors.New("blob: authorization failed")
	ErrProtocol         = errors.New("blob: protocol error")

	ErrBadRequest   = errors.New("blob: bad request")
	ErrUnauthorized = errors.New("blob: unauthorized")
	ErrForbidden    = errors.New("blob: forbidden")
	ErrThrottled    = errors.New("blob: throttled")
	ErrServerError  = errors.New("blob: server error")
)

// Reasons carried by a ProtocolError.
var (
	ErrNoRevision          = errors.New("no revision")
	ErrRevisionNotAdvanced = errors.New("revision not advanced by write")
	ErrMalformedListing    = errors.New("malformed listing document")
)

// StatusError is a transport-level failure: the backend answered with a
// status outside the set the operation recognizes.
type StatusError struct {
	StatusCode int
	RequestID  string
	Code       string // x-ms-error-code
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("blob: HTTP %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}

	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request-id: %s)", e.RequestID)
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// ConflictError reports that the caller's expected revision is stale.
// Revision is the ETag found on the conflicting response and may be empty
// when the backend did not send one. StatusCode (409 or 412) is kept for
// diagnostics only; callers handle both the same way.
type ConflictError struct {
	Path       string
	Revision   string
	StatusCode int
}

func (e *ConflictError) Error() string {
	if e.Revision == "" {
		return fmt.Sprintf("blob: revision conflict on %s (HTTP %d)", e.Path, e.StatusCode)
	}

	return fmt.Sprintf("blob: revision conflict on %s, current revision %s (HTTP %d)",
		e.Path, e.Revision, e.StatusCode)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// AuthError wraps the cause of a failed token acquisition.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("blob: authorization failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// ProtocolError reports a backend contract violation: a success status
// without an element the protocol requires.
type ProtocolError struct {
	Op     string
	Path   string
	Reason error
}

func (e *ProtocolError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("blob: %s: %v", e.Op, e.Reason)
	}

	return fmt.Sprintf("blob: %s %s: %v", e.Op, e.Path, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ConflictRevision returns the current remote revision carried by a
// conflict error, and whether err was a conflict at all.
func ConflictRevision(err error) (string, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Revision, true
	}

	return "", false
}

// classifyStatus maps an unrecognized HTTP status to a sentinel error.
// 409 and 412 are left unclassified here: they only mean a revision
// conflict on a conditional write, which ClassifyWrite handles.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
