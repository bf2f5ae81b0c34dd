package blob

import (
	"net/http"
)

// Outcome is the classified result of a revision-bearing response.
type Outcome int

// Outcomes produced by the revision tracker.
const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeConflict
	OutcomeMissingRevision
	OutcomeNotAdvanced
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeConflict:
		return "conflict"
	case OutcomeMissingRevision:
		return "missing_revision"
	case OutcomeNotAdvanced:
		return "not_advanced"
	default:
		return "unexpected"
	}
}

// Classification is what the tracker concluded about one response.
// Revision is the ETag found on the response, if any.
type Classification struct {
	Outcome    Outcome
	Revision   string
	StatusCode int
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// ClassifyRead classifies the response to a stat or load. A success status
// without a revision is never reported as OK.
func ClassifyRead(status int, rev string) Classification {
	c := Classification{Revision: rev, StatusCode: status}

	switch {
	case isSuccess(status) && rev != "":
		c.Outcome = OutcomeOK
	case isSuccess(status):
		c.Outcome = OutcomeMissingRevision
	case status == http.StatusNotFound:
		c.Outcome = OutcomeNotFound
	default:
		c.Outcome = OutcomeUnexpected
	}

	return c
}

// ClassifyWrite classifies the response to a conditional write issued with
// the expected revision (empty for create). 409 and 412 are one outcome:
// the caller's base revision is stale. The conflicting response's ETag is
// carried along even when empty so callers need no extra read.
func ClassifyWrite(status int, rev, expected string) Classification {
	c := Classification{Revision: rev, StatusCode: status}

	switch {
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		c.Outcome = OutcomeConflict
	case isSuccess(status) && rev == "":
		c.Outcome = OutcomeMissingRevision
	case isSuccess(status) && expected != "" && rev == expected:
		c.Outcome = OutcomeNotAdvanced
	case isSuccess(status):
		c.Outcome = OutcomeOK
	default:
		c.Outcome = OutcomeUnexpected
	}

	return c
}

// Err converts a classification to the error the facade returns for op on
// path. It returns nil for OutcomeOK.
func (c Classification) Err(op, path string) error {
	switch c.Outcome {
	case OutcomeOK:
		return nil
	case OutcomeNotFound:
		return &notFoundError{path: path}
	case OutcomeConflict:
		return &ConflictError{Path: path, Revision: c.Revision, StatusCode: c.StatusCode}
	case OutcomeMissingRevision:
		return &ProtocolError{Op: op, Path: path, Reason: ErrNoRevision}
	case OutcomeNotAdvanced:
		return &ProtocolError{Op: op, Path: path, Reason: ErrRevisionNotAdvanced}
	default:
		return &StatusError{StatusCode: c.StatusCode, Err: classifyStatus(c.StatusCode)}
	}
}

// notFoundError names the missing path while matching ErrNotFound.
type notFoundError struct {
	path string
}

func (e *notFoundError) Error() string {
	return "blob: not found: " + e.path
}

func (e *notFoundError) Is(target error) bool {
	return target == ErrNotFound
}
