// Package updater mirrors records from a source collection into its
// destination (or preview), signs the destination's canonical payload and
// stamps the source's workflow metadata.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Mindburn-Labs/signoff/pkg/canonical"
	"github.com/Mindburn-Labs/signoff/pkg/resources"
	"github.com/Mindburn-Labs/signoff/pkg/signer"
	"github.com/Mindburn-Labs/signoff/pkg/storage"
	"github.com/Mindburn-Labs/signoff/pkg/workflow"
)

// PluginUserID is the synthetic principal the engine mutates collections
// under. Listeners short-circuit on it to avoid feedback loops, and it is
// exempt from tracking-field validation.
const PluginUserID = "plugin:kinto-signer"

// Everyone is the host's anonymous principal; destinations are readable by
// it and nothing else.
const Everyone = "system.Everyone"

// ErrBackendSkew reports a destination timestamp ahead of its source, which
// only a backend clock skew can produce.
var ErrBackendSkew = errors.New("destination timestamp is ahead of source")

// Action is the change verb attached to per-record notifications.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// RequestInfo identifies the end user driving the current request.
type RequestInfo struct {
	UserID     string
	Principals []string
}

// Invalidator is notified after a destination's signature changed, with the
// destination's new timestamp. Implementations must be non-fatal: they log
// failures and return.
type Invalidator interface {
	Invalidate(ctx context.Context, destination resources.Endpoint, timestamp int64)
}

// Updater operates on one (source, destination) pair. The destination may
// be swapped for the resource's preview between calls.
type Updater struct {
	Source      resources.Endpoint
	Destination resources.Endpoint

	Signer     signer.Signer
	Storage    storage.Storage
	Permission storage.Permission

	// Invalidator is optional.
	Invalidator Invalidator

	// OnRecordChange, when set, is invoked for every mirrored record with
	// the action verb the host should notify with.
	OnRecordChange func(action Action, destination resources.Endpoint, old, updated storage.Record)

	Logger *slog.Logger
}

func (u *Updater) logger() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

// WithDestination returns a shallow copy of u pointed at another endpoint,
// typically the resource's preview.
func (u *Updater) WithDestination(dest resources.Endpoint) *Updater {
	c := *u
	c.Destination = dest
	return &c
}

// SignOptions tunes SignAndUpdateDestination.
type SignOptions struct {
	// NextSourceStatus is written on the source after signing. nil leaves
	// the source untouched (collection bootstrap, cleanup).
	NextSourceStatus *workflow.Status
	// PreviousSourceStatus distinguishes a signature refresh from an
	// approval when the next status is signed.
	PreviousSourceStatus workflow.Status
	// PushRecords mirrors source records into the destination first.
	PushRecords bool
}

// StatusPtr is a convenience for SignOptions.NextSourceStatus.
func StatusPtr(s workflow.Status) *workflow.Status { return &s }

// SignAndUpdateDestination mirrors (optionally), signs the destination's
// canonical payload and stamps the source. Returns the number of records
// mirrored.
func (u *Updater) SignAndUpdateDestination(ctx context.Context, req RequestInfo, sourceAttrs storage.Record, opts SignOptions) (int, error) {
	if err := u.EnsureDestination(ctx, req); err != nil {
		return 0, err
	}

	changes := 0
	if opts.PushRecords {
		n, err := u.mirrorRecords(ctx)
		if err != nil {
			return 0, err
		}
		changes = n
	}

	if err := u.signDestination(ctx, sourceAttrs); err != nil {
		return changes, err
	}

	if opts.NextSourceStatus != nil {
		if err := u.UpdateSourceStatus(ctx, req, *opts.NextSourceStatus, opts.PreviousSourceStatus); err != nil {
			return changes, err
		}
	}

	u.invalidate(ctx)
	return changes, nil
}

// RefreshSignature re-signs the destination's current content without
// mirroring, then moves the source to nextSourceStatus stamping only the
// signature tracking fields. StatusAbsent leaves the source untouched.
func (u *Updater) RefreshSignature(ctx context.Context, req RequestInfo, nextSourceStatus workflow.Status) error {
	if err := u.signDestination(ctx, nil); err != nil {
		return err
	}

	if nextSourceStatus != workflow.StatusAbsent {
		now := timestamp()
		_, err := u.writeSourceAttrs(ctx, func(attrs storage.Record) {
			attrs["status"] = string(nextSourceStatus)
			attrs[workflow.FieldLastSignatureBy] = req.UserID
			attrs[workflow.FieldLastSignatureDate] = now
		})
		if err != nil {
			return err
		}
	}

	u.invalidate(ctx)
	return nil
}

// RollbackChanges reverts every source record that changed since the
// destination was last signed, restoring the destination's copy (or deleting
// records the destination never had). The source status returns to signed.
// Returns the number of records effectively changed.
func (u *Updater) RollbackChanges(ctx context.Context, req RequestInfo, refreshLastEdit bool) (int, error) {
	changes, err := u.RevertChanges(ctx)
	if err != nil {
		return changes, err
	}

	now := timestamp()
	if _, err := u.writeSourceAttrs(ctx, func(attrs storage.Record) {
		attrs["status"] = string(workflow.StatusSigned)
		if refreshLastEdit {
			attrs[workflow.FieldLastEditBy] = req.UserID
			attrs[workflow.FieldLastEditDate] = now
		}
	}); err != nil {
		return changes, err
	}
	return changes, nil
}

// RevertChanges replaces every source record newer than the destination's
// timestamp with the destination's copy, deleting records the destination
// never had. Returns the number of records effectively changed. Collection
// metadata is left alone; RollbackChanges layers the status write on top.
func (u *Updater) RevertChanges(ctx context.Context) (int, error) {
	destParent := u.Destination.RecordsParent()
	destTS, err := u.Storage.Timestamp(ctx, "record", destParent)
	if err != nil {
		return 0, err
	}

	pending, _, err := u.Storage.List(ctx, "record", u.Source.RecordsParent(),
		[]storage.Filter{{Field: "last_modified", Op: storage.Gt, Value: destTS}},
		[]storage.Sort{{Field: "last_modified"}},
		true)
	if err != nil {
		return 0, err
	}

	changes := 0
	for _, rec := range pending {
		id, _ := rec["id"].(string)
		isTombstone, _ := rec["deleted"].(bool)

		destRec, err := u.Storage.Get(ctx, "record", destParent, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if isTombstone {
				continue // deleted on both sides already
			}
			if _, err := u.Storage.Delete(ctx, "record", u.Source.RecordsParent(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return changes, err
			}
			changes++
		case err != nil:
			return changes, err
		default:
			restored := cloneRecord(destRec)
			delete(restored, "last_modified")
			if _, err := u.Storage.Update(ctx, "record", u.Source.RecordsParent(), id, restored); err != nil {
				return changes, err
			}
			changes++
		}
	}
	return changes, nil
}

// UpdateSourceStatus moves the source to status and stamps the matching
// tracking fields. The write is skipped when nothing would change.
func (u *Updater) UpdateSourceStatus(ctx context.Context, req RequestInfo, status, previous workflow.Status) error {
	now := timestamp()
	_, err := u.writeSourceAttrs(ctx, func(attrs storage.Record) {
		attrs["status"] = string(status)
		switch status {
		case workflow.StatusWorkInProgress:
			attrs[workflow.FieldLastEditBy] = req.UserID
			attrs[workflow.FieldLastEditDate] = now
		case workflow.StatusToReview:
			attrs[workflow.FieldLastReviewRequestBy] = req.UserID
			attrs[workflow.FieldLastReviewRequestDate] = now
		case workflow.StatusSigned:
			if previous != workflow.StatusSigned {
				attrs[workflow.FieldLastReviewBy] = req.UserID
				attrs[workflow.FieldLastReviewDate] = now
			}
			attrs[workflow.FieldLastSignatureBy] = req.UserID
			attrs[workflow.FieldLastSignatureDate] = now
		}
	})
	return err
}

// EnsureDestination creates the destination bucket and collection when
// missing. The bucket is writable by the calling principal; the collection
// is readable by everyone, exactly.
func (u *Updater) EnsureDestination(ctx context.Context, req RequestInfo) error {
	bucketURI := u.Destination.BucketURI()
	_, err := u.Storage.Create(ctx, "bucket", "", storage.Record{"id": u.Destination.Bucket})
	switch {
	case errors.Is(err, storage.ErrUnicity):
		// already there
	case err != nil:
		return fmt.Errorf("create destination bucket: %w", err)
	default:
		owner := req.UserID
		if owner == "" {
			owner = PluginUserID
		}
		if err := u.Permission.AddPrincipalToACE(ctx, bucketURI, "write", owner); err != nil {
			return err
		}
	}

	_, err = u.Storage.Create(ctx, "collection", bucketURI, storage.Record{"id": u.Destination.Collection})
	switch {
	case errors.Is(err, storage.ErrUnicity):
		return nil
	case err != nil:
		return fmt.Errorf("create destination collection: %w", err)
	}

	return u.Permission.ReplaceObjectPermissions(ctx, u.Destination.URI(), map[string][]string{
		"read": {Everyone},
	})
}

// mirrorRecords applies to the destination every source change newer than
// the destination's timestamp: deletes for tombstones, upserts otherwise.
func (u *Updater) mirrorRecords(ctx context.Context) (int, error) {
	srcParent := u.Source.RecordsParent()
	destParent := u.Destination.RecordsParent()

	destTS, err := u.Storage.Timestamp(ctx, "record", destParent)
	if err != nil {
		return 0, err
	}
	srcTS, err := u.Storage.Timestamp(ctx, "record", srcParent)
	if err != nil {
		return 0, err
	}
	if srcTS < destTS {
		return 0, fmt.Errorf("%w: source %d < destination %d", ErrBackendSkew, srcTS, destTS)
	}

	changed, _, err := u.Storage.List(ctx, "record", srcParent,
		[]storage.Filter{{Field: "last_modified", Op: storage.Gt, Value: destTS}},
		[]storage.Sort{{Field: "last_modified"}},
		true)
	if err != nil {
		return 0, err
	}

	for _, rec := range changed {
		id, _ := rec["id"].(string)
		if deleted, _ := rec["deleted"].(bool); deleted {
			tombstone, err := u.Storage.Delete(ctx, "record", destParent, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue // never mirrored; nothing to delete
			}
			if err != nil {
				return 0, err
			}
			u.notify(ActionDelete, nil, tombstone)
			continue
		}

		old, err := u.Storage.Get(ctx, "record", destParent, id)
		action := ActionUpdate
		if errors.Is(err, storage.ErrNotFound) {
			action, old = ActionCreate, nil
		} else if err != nil {
			return 0, err
		}

		mirrored := cloneRecord(rec)
		delete(mirrored, "last_modified")
		stored, err := u.Storage.Update(ctx, "record", destParent, id, mirrored)
		if err != nil {
			return 0, err
		}
		u.notify(action, old, stored)
	}
	return len(changed), nil
}

// signDestination serializes the destination's live records with its
// timestamp, obtains a signature bundle and writes it (plus UI hints copied
// from the source) onto the destination collection metadata.
func (u *Updater) signDestination(ctx context.Context, sourceAttrs storage.Record) error {
	destParent := u.Destination.RecordsParent()

	records, _, err := u.Storage.List(ctx, "record", destParent, nil, nil, false)
	if err != nil {
		return err
	}
	destTS, err := u.Storage.Timestamp(ctx, "record", destParent)
	if err != nil {
		return err
	}

	payload, err := canonical.Serialize(records, destTS)
	if err != nil {
		return fmt.Errorf("serialize destination: %w", err)
	}
	bundle, err := u.Signer.Sign(ctx, payload)
	if err != nil {
		return fmt.Errorf("sign destination %s: %w", u.Destination.URI(), err)
	}

	attrs, err := u.Storage.Get(ctx, "collection", u.Destination.BucketURI(), u.Destination.Collection)
	if errors.Is(err, storage.ErrNotFound) {
		attrs = storage.Record{"id": u.Destination.Collection}
	} else if err != nil {
		return err
	}

	attrs["signature"] = map[string]any(bundle)
	for _, hint := range []string{"sort", "displayFields", "attachment"} {
		if _, already := attrs[hint]; already {
			continue
		}
		if v, ok := sourceAttrs[hint]; ok {
			attrs[hint] = v
		}
	}

	_, err = u.Storage.Update(ctx, "collection", u.Destination.BucketURI(), u.Destination.Collection, attrs)
	return err
}

// writeSourceAttrs mutates the source collection metadata, skipping the
// write when the mutation is a no-op. Returns whether a write happened.
func (u *Updater) writeSourceAttrs(ctx context.Context, mutate func(attrs storage.Record)) (bool, error) {
	attrs, err := u.Storage.Get(ctx, "collection", u.Source.BucketURI(), u.Source.Collection)
	if errors.Is(err, storage.ErrNotFound) {
		attrs = storage.Record{"id": u.Source.Collection}
	} else if err != nil {
		return false, err
	}

	updated := cloneRecord(attrs)
	mutate(updated)

	before := cloneRecord(attrs)
	after := cloneRecord(updated)
	delete(before, "last_modified")
	delete(after, "last_modified")
	if reflect.DeepEqual(before, after) {
		return false, nil
	}

	delete(updated, "last_modified")
	if _, err := u.Storage.Update(ctx, "collection", u.Source.BucketURI(), u.Source.Collection, updated); err != nil {
		return false, err
	}
	return true, nil
}

func (u *Updater) invalidate(ctx context.Context) {
	if u.Invalidator == nil {
		return
	}
	ts, err := u.Storage.Timestamp(ctx, "record", u.Destination.RecordsParent())
	if err != nil {
		u.logger().Warn("cache invalidation skipped", "destination", u.Destination.URI(), "error", err)
		return
	}
	u.Invalidator.Invalidate(ctx, u.Destination, ts)
}

func (u *Updater) notify(action Action, old, updated storage.Record) {
	if u.OnRecordChange == nil {
		return
	}
	u.OnRecordChange(action, u.Destination, old, updated)
}

func cloneRecord(r storage.Record) storage.Record {
	out := make(storage.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// timestamp renders the stamp written into *_date tracking fields.
func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
