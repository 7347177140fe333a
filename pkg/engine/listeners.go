package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/signoff/pkg/events"
	"github.com/Mindburn-Labs/signoff/pkg/resources"
	"github.com/Mindburn-Labs/signoff/pkg/storage"
	"github.com/Mindburn-Labs/signoff/pkg/updater"
	"github.com/Mindburn-Labs/signoff/pkg/workflow"
)

// OnRecordChanged handles a record create/update/delete inside a source
// collection: the collection drops back to work-in-progress and its edit
// stamps are refreshed.
func (e *Engine) OnRecordChanged(ctx context.Context, req *RequestState, bucketID, collectionID string) error {
	if req.UserID == updater.PluginUserID {
		return nil
	}
	r, key := e.Resources.Lookup(bucketID, collectionID)
	if r == nil {
		return nil
	}
	u, err := e.updaterFor(r, key)
	if err != nil {
		return err
	}
	attrs, err := e.Storage.Get(ctx, "collection", r.Source.BucketURI(), r.Source.Collection)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	previous := workflow.StatusOf(attrs)
	return u.UpdateSourceStatus(ctx, e.request(req), workflow.StatusWorkInProgress, previous)
}

// OnCollectionChanged validates and applies a source collection change.
// old is nil when the collection was just created. A non-nil error is either
// a *workflow.Rejection the host must surface with its code, or an internal
// failure.
func (e *Engine) OnCollectionChanged(ctx context.Context, req *RequestState, bucketID, collectionID string, old, updated storage.Record) error {
	if req.UserID == updater.PluginUserID {
		return nil
	}
	r, key := e.Resources.Lookup(bucketID, collectionID)
	if r == nil {
		return nil
	}
	rs := e.reviewSettingsFor(r.Source)

	if rej := workflow.CheckTracking(old, updated); rej != nil {
		return rej
	}
	if rej := workflow.CheckStatusChange(workflow.CheckInput{
		Old:               old,
		New:               updated,
		UserID:            req.UserID,
		Principals:        req.Principals,
		GroupCheckEnabled: rs.GroupCheckEnabled,
		ToReviewEnabled:   rs.ToReviewEnabled,
		EditorsGroup:      rs.EditorsGroup,
		ReviewersGroup:    rs.ReviewersGroup,
		EditorsGroupURI:   r.Source.GroupURI(rs.EditorsGroup),
		ReviewersGroupURI: r.Source.GroupURI(rs.ReviewersGroup),
	}); rej != nil {
		return rej
	}

	u, err := e.updaterFor(r, key)
	if err != nil {
		return err
	}

	if old == nil {
		// Bootstrap first, then fall through so a status posted at creation
		// time still gets its transition applied.
		if err := e.onSourceCreated(ctx, req, r, rs, u, updated); err != nil {
			return err
		}
	}

	oldStatus := workflow.StatusOf(old)
	newStatus := workflow.StatusOf(updated)
	if newStatus == oldStatus {
		return nil
	}

	switch newStatus {
	case workflow.StatusToSign:
		return e.approve(ctx, req, r, u, old, updated, oldStatus)

	case workflow.StatusToReview:
		return e.requestReview(ctx, req, r, u, old, updated)

	case workflow.StatusWorkInProgress:
		if oldStatus == workflow.StatusToReview {
			e.pushEvent(ctx, req, events.ReviewRejected, r, old, updated, 0)
		}
		return nil

	case workflow.StatusToRefresh:
		return e.refresh(ctx, req, r, u, oldStatus)

	case workflow.StatusToRollback:
		return e.rollback(ctx, req, r, u, old, updated)
	}
	return nil
}

// onSourceCreated bootstraps a fresh source: review groups when enabled, and
// an initial signature over the (typically empty) destination so clients can
// verify from the very first sync.
func (e *Engine) onSourceCreated(ctx context.Context, req *RequestState, r *resources.Resource, rs reviewSettings, u *updater.Updater, attrs storage.Record) error {
	if rs.GroupCheckEnabled {
		if err := e.bootstrapGroups(ctx, req, r, rs); err != nil {
			return err
		}
	}

	err := e.signed(ctx, req, r, "create", func() error {
		if r.Preview != nil {
			if _, err := u.WithDestination(*r.Preview).SignAndUpdateDestination(ctx, e.request(req), attrs, updater.SignOptions{PushRecords: true}); err != nil {
				return err
			}
		}
		_, err := u.SignAndUpdateDestination(ctx, e.request(req), attrs, updater.SignOptions{PushRecords: true})
		return err
	})
	return err
}

// approve handles the to-sign transition: a plain approval mirrors the
// source into the destination and signs it; when the collection was already
// signed this is a signature refresh on current content instead.
func (e *Engine) approve(ctx context.Context, req *RequestState, r *resources.Resource, u *updater.Updater, old, updated storage.Record, oldStatus workflow.Status) error {
	if oldStatus == workflow.StatusSigned {
		return e.signed(ctx, req, r, "to-sign", func() error {
			if r.Preview != nil {
				if err := u.WithDestination(*r.Preview).RefreshSignature(ctx, e.request(req), workflow.StatusAbsent); err != nil {
					return err
				}
			}
			return u.RefreshSignature(ctx, e.request(req), workflow.StatusSigned)
		})
	}

	var changes int
	err := e.signed(ctx, req, r, "to-sign", func() error {
		n, err := u.SignAndUpdateDestination(ctx, e.request(req), updated, updater.SignOptions{
			NextSourceStatus:     updater.StatusPtr(workflow.StatusSigned),
			PreviousSourceStatus: oldStatus,
			PushRecords:          true,
		})
		changes = n
		return err
	})
	if err != nil {
		return err
	}
	e.Metrics.ObserveMirror(ctx, r.Source.URI(), changes)
	e.pushEvent(ctx, req, events.ReviewApproved, r, old, updated, changes)
	return nil
}

// requestReview handles the to-review transition: the preview (when
// configured) is synced and signed so reviewers can inspect the exact
// content they approve.
func (e *Engine) requestReview(ctx context.Context, req *RequestState, r *resources.Resource, u *updater.Updater, old, updated storage.Record) error {
	if r.Preview != nil {
		var changes int
		err := e.signed(ctx, req, r, "to-review", func() error {
			n, err := u.WithDestination(*r.Preview).SignAndUpdateDestination(ctx, e.request(req), updated, updater.SignOptions{
				NextSourceStatus: updater.StatusPtr(workflow.StatusToReview),
				PushRecords:      true,
			})
			changes = n
			return err
		})
		if err != nil {
			return err
		}
		e.Metrics.ObserveMirror(ctx, r.Source.URI(), changes)
	} else {
		if err := u.UpdateSourceStatus(ctx, e.request(req), workflow.StatusToReview, workflow.StatusOf(old)); err != nil {
			return err
		}
	}
	e.pushEvent(ctx, req, events.ReviewRequested, r, old, updated, 0)
	return nil
}

// refresh re-signs destination and preview on their current content and puts
// the source back in its previous state.
func (e *Engine) refresh(ctx context.Context, req *RequestState, r *resources.Resource, u *updater.Updater, oldStatus workflow.Status) error {
	return e.signed(ctx, req, r, "to-refresh", func() error {
		if r.Preview != nil {
			if err := u.WithDestination(*r.Preview).RefreshSignature(ctx, e.request(req), workflow.StatusAbsent); err != nil {
				return err
			}
		}
		return u.RefreshSignature(ctx, e.request(req), oldStatus)
	})
}

// rollback reverts pending source changes to the destination's copies, does
// the same for the preview, and reports the combined change count.
func (e *Engine) rollback(ctx context.Context, req *RequestState, r *resources.Resource, u *updater.Updater, old, updated storage.Record) error {
	changes, err := u.RollbackChanges(ctx, e.request(req), false)
	if err != nil {
		return err
	}
	if r.Preview != nil {
		preview := *u
		preview.Source = *r.Preview
		n, err := preview.RevertChanges(ctx)
		if err != nil {
			return err
		}
		changes += n

		err = e.signed(ctx, req, r, "to-rollback", func() error {
			return u.WithDestination(*r.Preview).RefreshSignature(ctx, e.request(req), workflow.StatusAbsent)
		})
		if err != nil {
			return err
		}
	}
	if changes > 0 {
		e.pushEvent(ctx, req, events.ReviewCanceled, r, old, updated, changes)
	}
	return nil
}

// OnCollectionDeleted guards mirrors against deletion while their source is
// alive, and cleans up the mirrors when a source goes away.
func (e *Engine) OnCollectionDeleted(ctx context.Context, req *RequestState, bucketID, collectionID string) error {
	if req.UserID == updater.PluginUserID {
		return nil
	}

	if target := e.Resources.InUseAsTarget(bucketID, collectionID); target != nil {
		sourceID := target.Source.Collection
		if sourceID == "" {
			sourceID = collectionID
		}
		_, err := e.Storage.Get(ctx, "collection", target.Source.BucketURI(), sourceID)
		switch {
		case err == nil:
			return &workflow.Rejection{Code: http.StatusForbidden, Message: "Collection is in use."}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	r, key := e.Resources.Lookup(bucketID, collectionID)
	if r == nil {
		return nil
	}
	u, err := e.updaterFor(r, key)
	if err != nil {
		return err
	}

	targets := []resources.Endpoint{r.Destination}
	if r.Preview != nil {
		targets = append(targets, *r.Preview)
	}
	for _, target := range targets {
		if _, err := e.Storage.DeleteAll(ctx, "record", target.RecordsParent(), true); err != nil {
			return err
		}
		// Sign the now-empty content so consumers keep a valid signature.
		if err := u.WithDestination(target).RefreshSignature(ctx, e.request(req), workflow.StatusAbsent); err != nil {
			return err
		}
	}
	return nil
}

// FlushReviewEvents publishes the request's queued review events. Called by
// the host's commit hook; a rolled-back request never calls it.
func (e *Engine) FlushReviewEvents(ctx context.Context, req *RequestState) {
	pending := req.Queue.Drain()
	if e.Emitter == nil {
		return
	}
	for _, ev := range pending {
		if err := e.Emitter.Emit(ctx, ev); err != nil {
			e.logger().Error("review event emission failed", "kind", ev.Kind, "uri", ev.Payload.URI, "error", err)
		}
	}
}

// bootstrapGroups creates the editors and reviewers groups next to a new
// source collection, when the creator may create groups there. The creator
// joins the editors group; both groups get write access on the source.
func (e *Engine) bootstrapGroups(ctx context.Context, req *RequestState, r *resources.Resource, rs reviewSettings) error {
	bucketURI := r.Source.BucketURI()
	allowed, err := e.Permission.CheckPermission(ctx, req.Principals, []storage.ACE{
		{URI: bucketURI, Permission: "group:create"},
		{URI: bucketURI, Permission: "write"},
	})
	if err != nil {
		return err
	}
	if !allowed {
		e.logger().Info("skipping group creation, user cannot create groups",
			"bucket", bucketURI, "user", req.UserID)
		return nil
	}

	for _, group := range []struct {
		id      string
		members []any
	}{
		{rs.EditorsGroup, []any{req.UserID}},
		{rs.ReviewersGroup, []any{}},
	} {
		_, err := e.Storage.Create(ctx, "group", bucketURI, storage.Record{
			"id":      group.id,
			"members": group.members,
		})
		if err != nil && !errors.Is(err, storage.ErrUnicity) {
			return fmt.Errorf("create group %s: %w", group.id, err)
		}
		// Granted even when the group already existed: with bucket-wide
		// resources (or unparameterized group names) the same groups serve
		// every collection in the bucket, and each new source needs the ACEs.
		groupURI := r.Source.GroupURI(group.id)
		if err := e.Permission.AddPrincipalToACE(ctx, groupURI, "write", req.UserID); err != nil {
			return err
		}
		if err := e.Permission.AddPrincipalToACE(ctx, r.Source.URI(), "write", groupURI); err != nil {
			return err
		}
	}
	return nil
}

// signed wraps a signing effect with metrics.
func (e *Engine) signed(ctx context.Context, req *RequestState, r *resources.Resource, action string, fn func() error) error {
	start := time.Now()
	err := fn()
	e.Metrics.ObserveSign(ctx, action, r.Source.URI(), time.Since(start), err)
	return err
}

func (e *Engine) pushEvent(ctx context.Context, req *RequestState, kind events.Kind, r *resources.Resource, old, updated storage.Record, changes int) {
	ts, err := e.Storage.Timestamp(ctx, "record", r.Source.RecordsParent())
	if err != nil {
		e.logger().Warn("source timestamp unavailable for review event", "uri", r.Source.URI(), "error", err)
	}
	ev := events.New(kind, events.Payload{
		BucketID:     r.Source.Bucket,
		CollectionID: r.Source.Collection,
		Action:       "update",
		UserID:       req.UserID,
		URI:          r.Source.URI(),
		Timestamp:    ts,
	}, []events.ObjectDelta{{Old: old, New: updated}}, r)
	ev.ChangesCount = changes
	req.Queue.Push(ev)
}

func (e *Engine) request(req *RequestState) updater.RequestInfo {
	return updater.RequestInfo{UserID: req.UserID, Principals: req.Principals}
}
