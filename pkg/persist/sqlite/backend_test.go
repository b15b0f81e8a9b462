package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/embed-platform/pkg/persist"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBackend_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	b := db.Backend(persist.Durable)
	ctx := context.Background()

	_, found, err := b.Get(ctx, "app-config")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Set(ctx, "app-config", []byte(`{"v":1}`)))
	require.NoError(t, b.Set(ctx, "app-config", []byte(`{"v":2}`)))

	v, found, err := b.Get(ctx, "app-config")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"v":2}`, string(v))

	require.NoError(t, b.Delete(ctx, "app-config"))
	_, found, err = b.Get(ctx, "app-config")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBackend_ScopesShareFileButNotKeys(t *testing.T) {
	db := openTestDB(t)
	durable := db.Backend(persist.Durable)
	session := db.Backend(persist.Session)
	ctx := context.Background()

	require.NoError(t, durable.Set(ctx, "k", []byte(`"d"`)))
	require.NoError(t, session.Set(ctx, "k", []byte(`"s"`)))
	require.NoError(t, session.Set(ctx, "other", []byte(`1`)))

	v, _, err := durable.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"d"`, string(v))

	keys, err := session.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "other"}, keys)
}

func TestBackend_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Backend(persist.Durable).Set(ctx, "k", []byte(`true`)))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	v, found, err := db.Backend(persist.Durable).Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "true", string(v))
}

func TestBackend_WithStore(t *testing.T) {
	db := openTestDB(t)
	s := persist.New(persist.WithBackend(persist.Durable, db.Backend(persist.Durable)))

	s.Set(persist.Durable, "cfg", map[string]int{"max": 3})
	var got map[string]int
	require.True(t, s.Get(persist.Durable, "cfg", &got))
	assert.Equal(t, 3, got["max"])
}

func TestDB_Cleanup(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"), WithMaxAge(time.Hour))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	b := db.Backend(persist.Session)
	require.NoError(t, b.Set(ctx, "old", []byte(`1`)))
	require.NoError(t, b.Set(ctx, "new", []byte(`2`)))
	_, err = db.db.ExecContext(ctx,
		`UPDATE embed_state SET updated_at = $1 WHERE key = 'old'`,
		time.Now().UTC().Add(-2*time.Hour).Format(sqliteTime))
	require.NoError(t, err)

	n, err := db.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)
}

func TestDB_CleanupWithoutMaxAge(t *testing.T) {
	db := openTestDB(t)
	n, err := db.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
