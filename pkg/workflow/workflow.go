// Package workflow validates collection status transitions and guards the
// engine-owned tracking fields. Checks return a rich result instead of
// raising across layers; the HTTP adapter translates rejections to status
// codes.
package workflow

import (
	"fmt"
	"net/http"
	"reflect"

	"github.com/Mindburn-Labs/signoff/pkg/storage"
)

// Status is the workflow state carried in a source collection's "status"
// metadata field. The zero value is the absent sentinel: a collection that
// never entered the workflow.
type Status string

const (
	StatusAbsent         Status = ""
	StatusWorkInProgress Status = "work-in-progress"
	StatusToReview       Status = "to-review"
	StatusToSign         Status = "to-sign"
	StatusToRefresh      Status = "to-refresh"
	StatusToRollback     Status = "to-rollback"
	StatusSigned         Status = "signed"
)

// Parse maps a raw status string onto the closed enum. "to-resign" is the
// historical spelling of "to-refresh" and is normalized to it. The second
// return is false for unknown strings.
func Parse(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusAbsent, StatusWorkInProgress, StatusToReview, StatusToSign,
		StatusToRefresh, StatusToRollback, StatusSigned:
		return Status(raw), true
	}
	if raw == "to-resign" {
		return StatusToRefresh, true
	}
	return "", false
}

// StatusOf extracts the status field of a collection's metadata.
func StatusOf(attrs storage.Record) Status {
	if attrs == nil {
		return StatusAbsent
	}
	raw, _ := attrs["status"].(string)
	s, ok := Parse(raw)
	if !ok {
		return Status(raw)
	}
	return s
}

// Tracking fields are stamped by the engine and immutable to end users.
const (
	FieldLastEditBy          = "last_edit_by"
	FieldLastEditDate        = "last_edit_date"
	FieldLastReviewRequestBy = "last_review_request_by"
	FieldLastReviewRequestDate = "last_review_request_date"
	FieldLastReviewBy        = "last_review_by"
	FieldLastReviewDate      = "last_review_date"
	FieldLastSignatureBy     = "last_signature_by"
	FieldLastSignatureDate   = "last_signature_date"
)

// TrackingFields lists every engine-stamped field.
var TrackingFields = []string{
	FieldLastEditBy, FieldLastEditDate,
	FieldLastReviewRequestBy, FieldLastReviewRequestDate,
	FieldLastReviewBy, FieldLastReviewDate,
	FieldLastSignatureBy, FieldLastSignatureDate,
}

// Rejection is a refused transition or tracking mutation: an HTTP status
// (400 or 403) and the message to surface.
type Rejection struct {
	Code    int
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%d: %s", r.Code, r.Message)
}

func invalid(format string, args ...any) *Rejection {
	return &Rejection{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *Rejection {
	return &Rejection{Code: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// CheckInput carries everything a status-change validation needs.
type CheckInput struct {
	Old storage.Record // previous collection metadata, nil on create
	New storage.Record // posted collection metadata

	UserID     string
	Principals []string

	GroupCheckEnabled bool
	ToReviewEnabled   bool

	// Group names (for messages) and their principal URIs (for membership).
	EditorsGroup      string
	ReviewersGroup    string
	EditorsGroupURI   string
	ReviewersGroupURI string
}

func (in CheckInput) hasPrincipal(uri string) bool {
	for _, p := range in.Principals {
		if p == uri {
			return true
		}
	}
	return false
}

// CheckStatusChange validates a posted status transition. nil means the
// change is allowed; otherwise the returned rejection carries the HTTP code
// and message, and no effect may be applied.
func CheckStatusChange(in CheckInput) *Rejection {
	oldStatus := StatusOf(in.Old)
	rawNew, hasNew := in.New["status"].(string)

	if !hasNew {
		if _, hadOld := in.Old["status"]; hadOld {
			return invalid("Cannot remove status")
		}
		return nil
	}

	newStatus, known := Parse(rawNew)
	if !known {
		return invalid("Invalid status '%s'", rawNew)
	}
	if newStatus == StatusSigned {
		// Reached only through engine effect, even as a no-op.
		return invalid("Cannot set status to '%s'", rawNew)
	}
	if oldStatus == newStatus {
		return nil
	}

	switch newStatus {
	case StatusWorkInProgress:
		return nil

	case StatusToReview:
		if in.GroupCheckEnabled && !in.hasPrincipal(in.EditorsGroupURI) {
			return forbidden("Not in %s group", in.EditorsGroup)
		}
		return nil

	case StatusToSign:
		// signed -> to-sign refreshes the signature; any authorized
		// user may request it.
		if oldStatus == StatusSigned {
			return nil
		}
		if in.GroupCheckEnabled && !in.hasPrincipal(in.ReviewersGroupURI) {
			return forbidden("Not in %s group", in.ReviewersGroup)
		}
		if in.ToReviewEnabled {
			if oldStatus != StatusToReview {
				return invalid("Collection not reviewed")
			}
			requester, _ := in.Old[FieldLastReviewRequestBy].(string)
			if requester == in.UserID {
				return forbidden("Editor cannot review")
			}
		}
		return nil

	case StatusToRefresh:
		return nil

	case StatusToRollback:
		if oldStatus == StatusSigned {
			return invalid("Collection has no work-in-progress")
		}
		return nil

	default:
		return invalid("Invalid status '%s'", rawNew)
	}
}

// CheckTracking refuses any user-posted change to the tracking fields. The
// engine's own writes bypass this (the caller short-circuits on the plugin
// principal).
func CheckTracking(old, updated storage.Record) *Rejection {
	for _, field := range TrackingFields {
		if !reflect.DeepEqual(old[field], updated[field]) {
			return invalid("Cannot change %q", field)
		}
	}
	return nil
}
