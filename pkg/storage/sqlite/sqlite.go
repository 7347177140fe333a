// Package sqlite implements the storage and permission contracts on SQLite.
// It backs the standalone binary and the integration tests; production
// deployments plug the host's own backends in instead.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/signoff/pkg/storage"
)

// Store implements storage.Storage and storage.Permission on one database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS objects (
		resource_name TEXT NOT NULL,
		parent_id     TEXT NOT NULL,
		id            TEXT NOT NULL,
		data          JSON NOT NULL,
		last_modified INTEGER NOT NULL,
		deleted       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (resource_name, parent_id, id)
	);
	CREATE TABLE IF NOT EXISTS timestamps (
		resource_name TEXT NOT NULL,
		parent_id     TEXT NOT NULL,
		last_modified INTEGER NOT NULL,
		PRIMARY KEY (resource_name, parent_id)
	);
	CREATE TABLE IF NOT EXISTS access (
		object_uri TEXT NOT NULL,
		permission TEXT NOT NULL,
		principal  TEXT NOT NULL,
		PRIMARY KEY (object_uri, permission, principal)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// bumpTimestamp advances the parent's collection timestamp and returns the
// new value. Wall-clock milliseconds, forced strictly increasing across the
// whole store: mirroring compares record stamps against another parent's
// timestamp, so two parents must never share a millisecond.
func (s *Store) bumpTimestamp(ctx context.Context, tx *sql.Tx, resourceName, parentID string) (int64, error) {
	var previous int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_modified), 0) FROM timestamps`).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	now := time.Now().UnixMilli()
	if now <= previous {
		now = previous + 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO timestamps (resource_name, parent_id, last_modified)
		VALUES (?, ?, ?)
		ON CONFLICT (resource_name, parent_id) DO UPDATE SET last_modified = excluded.last_modified`,
		resourceName, parentID, now)
	if err != nil {
		return 0, err
	}
	return now, nil
}

func (s *Store) Get(ctx context.Context, resourceName, parentID, objectID string) (storage.Record, error) {
	var data []byte
	var lastModified int64
	var deleted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT data, last_modified, deleted FROM objects
		WHERE resource_name = ? AND parent_id = ? AND id = ?`,
		resourceName, parentID, objectID).Scan(&data, &lastModified, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, storage.ErrNotFound
	}
	return decodeObject(objectID, data, lastModified, false)
}

func (s *Store) Create(ctx context.Context, resourceName, parentID string, obj storage.Record) (storage.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	id, _ := obj["id"].(string)
	if id == "" {
		return nil, errors.New("sqlite: create requires an id")
	}

	var deleted bool
	err = tx.QueryRowContext(ctx,
		`SELECT deleted FROM objects WHERE resource_name = ? AND parent_id = ? AND id = ?`,
		resourceName, parentID, id).Scan(&deleted)
	switch {
	case err == nil && !deleted:
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrUnicity, parentID, id)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	stored, err := s.put(ctx, tx, resourceName, parentID, id, obj)
	if err != nil {
		return nil, err
	}
	return stored, tx.Commit()
}

func (s *Store) Update(ctx context.Context, resourceName, parentID, objectID string, obj storage.Record) (storage.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := s.put(ctx, tx, resourceName, parentID, objectID, obj)
	if err != nil {
		return nil, err
	}
	return stored, tx.Commit()
}

func (s *Store) put(ctx context.Context, tx *sql.Tx, resourceName, parentID, objectID string, obj storage.Record) (storage.Record, error) {
	ts, err := s.bumpTimestamp(ctx, tx, resourceName, parentID)
	if err != nil {
		return nil, err
	}

	stored := make(storage.Record, len(obj)+2)
	for k, v := range obj {
		stored[k] = v
	}
	stored["id"] = objectID
	stored["last_modified"] = ts
	delete(stored, "deleted")

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode object: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (resource_name, parent_id, id, data, last_modified, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (resource_name, parent_id, id)
		DO UPDATE SET data = excluded.data, last_modified = excluded.last_modified, deleted = 0`,
		resourceName, parentID, objectID, data, ts)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) Delete(ctx context.Context, resourceName, parentID, objectID string) (storage.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var deleted bool
	err = tx.QueryRowContext(ctx,
		`SELECT deleted FROM objects WHERE resource_name = ? AND parent_id = ? AND id = ?`,
		resourceName, parentID, objectID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ts, err := s.bumpTimestamp(ctx, tx, resourceName, parentID)
	if err != nil {
		return nil, err
	}
	tombstone := storage.Record{"id": objectID, "last_modified": ts, "deleted": true}
	data, err := json.Marshal(tombstone)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE objects SET data = ?, last_modified = ?, deleted = 1
		WHERE resource_name = ? AND parent_id = ? AND id = ?`,
		data, ts, resourceName, parentID, objectID)
	if err != nil {
		return nil, err
	}
	return tombstone, tx.Commit()
}

func (s *Store) List(ctx context.Context, resourceName, parentID string, filters []storage.Filter, sorting []storage.Sort, includeDeleted bool) ([]storage.Record, int, error) {
	query := `SELECT id, data, last_modified, deleted FROM objects WHERE resource_name = ? AND parent_id = ?`
	args := []any{resourceName, parentID}

	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	for _, f := range filters {
		clause, err := filterClause(f)
		if err != nil {
			return nil, 0, err
		}
		query += ` AND ` + clause
		args = append(args, f.Value)
	}
	for i, so := range sorting {
		field, err := sortField(so)
		if err != nil {
			return nil, 0, err
		}
		if i == 0 {
			query += ` ORDER BY ` + field
		} else {
			query += `, ` + field
		}
		if so.Descending {
			query += ` DESC`
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var records []storage.Record
	for rows.Next() {
		var id string
		var data []byte
		var lastModified int64
		var deleted bool
		if err := rows.Scan(&id, &data, &lastModified, &deleted); err != nil {
			return nil, 0, err
		}
		rec, err := decodeObject(id, data, lastModified, deleted)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return records, len(records), nil
}

// filterClause maps the contract's filters onto indexed columns. Only id and
// last_modified are filterable, which is all the engine needs.
func filterClause(f storage.Filter) (string, error) {
	var column string
	switch f.Field {
	case "id":
		column = "id"
	case "last_modified":
		column = "last_modified"
	default:
		return "", fmt.Errorf("sqlite: unsupported filter field %q", f.Field)
	}
	switch f.Op {
	case storage.Eq:
		return column + " = ?", nil
	case storage.Gt:
		return column + " > ?", nil
	case storage.Lt:
		return column + " < ?", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported comparison %q", f.Op)
	}
}

func sortField(so storage.Sort) (string, error) {
	switch so.Field {
	case "id":
		return "id", nil
	case "last_modified":
		return "last_modified", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported sort field %q", so.Field)
	}
}

func (s *Store) Timestamp(ctx context.Context, resourceName, parentID string) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_modified FROM timestamps WHERE resource_name = ? AND parent_id = ?`,
		resourceName, parentID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts, nil
}

func (s *Store) DeleteAll(ctx context.Context, resourceName, parentID string, withDeleted bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `DELETE FROM objects WHERE resource_name = ? AND parent_id = ?`
	if !withDeleted {
		query += ` AND deleted = 0`
	}
	res, err := tx.ExecContext(ctx, query, resourceName, parentID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if _, err := s.bumpTimestamp(ctx, tx, resourceName, parentID); err != nil {
			return 0, err
		}
	}
	return int(count), tx.Commit()
}

func decodeObject(id string, data []byte, lastModified int64, deleted bool) (storage.Record, error) {
	var rec storage.Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("sqlite: corrupt object %s: %w", id, err)
	}
	rec["id"] = id
	rec["last_modified"] = lastModified
	if deleted {
		rec["deleted"] = true
	}
	return rec, nil
}

// --- permission backend ---

func (s *Store) ReplaceObjectPermissions(ctx context.Context, objectURI string, perms map[string][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM access WHERE object_uri = ?`, objectURI); err != nil {
		return err
	}
	for permission, principals := range perms {
		for _, principal := range principals {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO access (object_uri, permission, principal) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING`,
				objectURI, permission, principal)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) AddPrincipalToACE(ctx context.Context, objectURI, permission, principal string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access (object_uri, permission, principal) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		objectURI, permission, principal)
	return err
}

func (s *Store) CheckPermission(ctx context.Context, principals []string, required []storage.ACE) (bool, error) {
	for _, ace := range required {
		rows, err := s.db.QueryContext(ctx,
			`SELECT principal FROM access WHERE object_uri = ? AND permission = ?`,
			ace.URI, ace.Permission)
		if err != nil {
			return false, err
		}
		granted := map[string]bool{}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				_ = rows.Close()
				return false, err
			}
			granted[p] = true
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
		for _, p := range principals {
			if granted[p] {
				return true, nil
			}
		}
	}
	return false, nil
}
