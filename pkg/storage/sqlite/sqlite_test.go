package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/signoff/pkg/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const parent = "/buckets/stage/collections/cid"

func TestCreateGetUnicity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "record", parent, storage.Record{"id": "r1", "field": "value"})
	require.NoError(t, err)
	assert.NotZero(t, created["last_modified"])

	got, err := s.Get(ctx, "record", parent, "r1")
	require.NoError(t, err)
	assert.Equal(t, "value", got["field"])

	_, err = s.Create(ctx, "record", parent, storage.Record{"id": "r1"})
	assert.ErrorIs(t, err, storage.ErrUnicity)

	_, err = s.Get(ctx, "record", parent, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDelete_LeavesTombstone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "record", parent, storage.Record{"id": "r1"})
	require.NoError(t, err)

	tombstone, err := s.Delete(ctx, "record", parent, "r1")
	require.NoError(t, err)
	assert.Equal(t, true, tombstone["deleted"])

	_, err = s.Get(ctx, "record", parent, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Delete(ctx, "record", parent, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Tombstones show up only when asked for.
	live, _, err := s.List(ctx, "record", parent, nil, nil, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, count, err := s.List(ctx, "record", parent, nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, true, all[0]["deleted"])
}

func TestCreate_RevivesTombstone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "record", parent, storage.Record{"id": "r1"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "record", parent, "r1")
	require.NoError(t, err)

	_, err = s.Create(ctx, "record", parent, storage.Record{"id": "r1", "v": "2"})
	require.NoError(t, err)
	got, err := s.Get(ctx, "record", parent, "r1")
	require.NoError(t, err)
	assert.Equal(t, "2", got["v"])
}

func TestTimestamps_MonotonicPerParent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ts0, err := s.Timestamp(ctx, "record", parent)
	require.NoError(t, err)
	assert.Zero(t, ts0)

	r1, err := s.Create(ctx, "record", parent, storage.Record{"id": "r1"})
	require.NoError(t, err)
	r2, err := s.Create(ctx, "record", parent, storage.Record{"id": "r2"})
	require.NoError(t, err)

	lm1 := r1["last_modified"].(int64)
	lm2 := r2["last_modified"].(int64)
	assert.Greater(t, lm2, lm1)

	ts, err := s.Timestamp(ctx, "record", parent)
	require.NoError(t, err)
	assert.Equal(t, lm2, ts)

	// Another parent is independent.
	other, err := s.Timestamp(ctx, "record", "/buckets/other")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestList_FilterAndSort(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r1, err := s.Create(ctx, "record", parent, storage.Record{"id": "b"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "record", parent, storage.Record{"id": "a"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, "record", parent, "b")
	require.NoError(t, err)

	lm1 := r1["last_modified"].(int64)
	changed, count, err := s.List(ctx, "record", parent,
		[]storage.Filter{{Field: "last_modified", Op: storage.Gt, Value: lm1}},
		[]storage.Sort{{Field: "last_modified"}},
		true)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	assert.Equal(t, "a", changed[0]["id"])
	assert.Equal(t, "b", changed[1]["id"])
	assert.Equal(t, true, changed[1]["deleted"])

	_, _, err = s.List(ctx, "record", parent, []storage.Filter{{Field: "nope", Op: storage.Gt, Value: 1}}, nil, false)
	assert.Error(t, err)
}

func TestDeleteAll(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := s.Create(ctx, "record", parent, storage.Record{"id": id})
		require.NoError(t, err)
	}
	_, err := s.Delete(ctx, "record", parent, "r3")
	require.NoError(t, err)

	count, err := s.DeleteAll(ctx, "record", parent, true)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	all, _, err := s.List(ctx, "record", parent, nil, nil, true)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPermissions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	uri := "/buckets/stage/collections/cid"

	require.NoError(t, s.ReplaceObjectPermissions(ctx, uri, map[string][]string{
		"read": {"system.Everyone"},
	}))
	require.NoError(t, s.AddPrincipalToACE(ctx, uri, "write", "/buckets/stage/groups/editors"))

	ok, err := s.CheckPermission(ctx, []string{"/buckets/stage/groups/editors"},
		[]storage.ACE{{URI: uri, Permission: "write"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckPermission(ctx, []string{"userid:alice"},
		[]storage.ACE{{URI: uri, Permission: "write"}})
	require.NoError(t, err)
	assert.False(t, ok)

	// Replace drops previous entries.
	require.NoError(t, s.ReplaceObjectPermissions(ctx, uri, map[string][]string{
		"read": {"system.Everyone"},
	}))
	ok, err = s.CheckPermission(ctx, []string{"/buckets/stage/groups/editors"},
		[]storage.ACE{{URI: uri, Permission: "write"}})
	require.NoError(t, err)
	assert.False(t, ok)
}
