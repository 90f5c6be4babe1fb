package resumption

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestFresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, Fresh(Record{Token: "h1", IssuedAt: now.Add(-10 * time.Second)}, now, DefaultMaxAge))
	require.False(t, Fresh(Record{Token: "h1", IssuedAt: now.Add(-61 * time.Second)}, now, DefaultMaxAge))
	require.True(t, Fresh(Record{Token: "h1", IssuedAt: now.Add(-DefaultMaxAge + time.Millisecond)}, now, DefaultMaxAge))
	require.False(t, Fresh(Record{Token: "h1", IssuedAt: now.Add(-DefaultMaxAge)}, now, DefaultMaxAge), "exactly max age is stale")
	require.False(t, Fresh(Record{Token: "", IssuedAt: now}, now, DefaultMaxAge))
	require.False(t, Fresh(Record{Token: "h1"}, now, DefaultMaxAge))
	require.True(t, Fresh(Record{Token: "h1", IssuedAt: now.Add(-30 * time.Second)}, now, 0))
}

func TestLoadFresh_StaleTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	_, ok, err := LoadFresh(ctx, store, now, DefaultMaxAge)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, Record{Token: "old", IssuedAt: now.Add(-2 * time.Minute)}))
	_, ok, err = LoadFresh(ctx, store, now, DefaultMaxAge)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, Record{Token: "recent", IssuedAt: now.Add(-10 * time.Second)}))
	rec, ok, err := LoadFresh(ctx, store, now, DefaultMaxAge)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "recent", rec.Token)

	_, ok, err = LoadFresh(ctx, nil, now, DefaultMaxAge)
	require.NoError(t, err)
	require.False(t, ok)
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	issued := time.Now().Add(-5 * time.Second).Truncate(time.Millisecond)
	require.NoError(t, store.Save(ctx, Record{Token: "handle-1", IssuedAt: issued}))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "handle-1", got.Token)
	require.True(t, got.IssuedAt.Equal(issued))

	require.NoError(t, store.Save(ctx, Record{Token: "handle-2", IssuedAt: issued}))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "handle-2", got.Token)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStore(filepath.Join(t.TempDir(), "nested", "session_handle.json")))
}

func TestFileStore_ReadsExistingFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_handle.json")
	naive := time.Now().Add(-10 * time.Second).Format("2006-01-02T15:04:05.000000")
	data := `{"previous_session_handle": "abc", "session_time": "` + naive + `"}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	rec, ok, err := LoadFresh(context.Background(), NewFileStore(path), time.Now(), DefaultMaxAge)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", rec.Token)
}

func TestFileStore_EmptyObjectIsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_handle.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_handle.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore_InMemory(t *testing.T) {
	store, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestBadgerStore_RequiresDir(t *testing.T) {
	_, err := NewBadgerStore(BadgerOptions{})
	require.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CARE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CARE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	store, err := NewRedisStore(RedisConfig{Client: client, Key: "care:test:resumption:" + t.Name(), TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, store.Clear(context.Background()))
	exerciseStore(t, store)
}

func TestNewRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{})
	require.Error(t, err)
}
