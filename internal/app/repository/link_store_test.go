package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStream = "links:changes"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func streamEntries(t *testing.T, rdb *redis.Client) []map[string]any {
	t.Helper()
	msgs, err := rdb.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)

	out := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg.Values["entry"].(string)), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLinkStoreCreateAndGet(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewLinkStore(rdb, testStream, 0)
	store.now = func() time.Time { return time.UnixMilli(1700000000123) }
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, model.LinkRecord{
		ShortCode:   "abc1234",
		OriginalURL: "https://example.com",
		CreatedAt:   created,
	}))

	rec, err := store.Get(ctx, "abc1234")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", rec.OriginalURL)
	assert.True(t, created.Equal(rec.CreatedAt))
	assert.Zero(t, rec.Clicks)

	entries := streamEntries(t, rdb)
	require.Len(t, entries, 1)
	assert.Equal(t, "CREATED", entries[0]["eventKind"])
	assert.EqualValues(t, 1700000000123, entries[0]["mutationTimestamp"])
	state := entries[0]["newState"].(map[string]any)
	assert.Equal(t, "abc1234", state["shortCode"])
	assert.EqualValues(t, 0, state["clicks"])
}

func TestLinkStoreCreateRejectsDuplicate(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewLinkStore(rdb, testStream, 0)
	ctx := context.Background()

	rec := model.LinkRecord{ShortCode: "dup", OriginalURL: "https://a.example"}
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), ErrLinkExists)
	assert.Len(t, streamEntries(t, rdb), 1)
}

func TestLinkStoreGetMissing(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewLinkStore(rdb, testStream, 0)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestLinkStoreIncrementMissing(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewLinkStore(rdb, testStream, 0)

	_, err := store.IncrementClicks(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrLinkNotFound)
	assert.Empty(t, streamEntries(t, rdb))
}

func TestLinkStoreConcurrentIncrementsAreNotLost(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewLinkStore(rdb, testStream, 0)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, model.LinkRecord{ShortCode: "abc1234", OriginalURL: "https://example.com"}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementClicks(ctx, "abc1234")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "abc1234")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.Clicks)

	// One CREATED plus one UPDATED per increment, in increment order.
	entries := streamEntries(t, rdb)
	require.Len(t, entries, 6)
	for i, entry := range entries[1:] {
		assert.Equal(t, "UPDATED", entry["eventKind"])
		state := entry["newState"].(map[string]any)
		assert.Equal(t, "abc1234", state["shortCode"])
		assert.EqualValues(t, i+1, state["clicks"])
	}
}

func TestLinkStoreIncrementEscapesCode(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewLinkStore(rdb, testStream, 0)
	ctx := context.Background()
	code := `we"ird\code`
	require.NoError(t, store.Create(ctx, model.LinkRecord{ShortCode: code, OriginalURL: "https://example.com"}))

	clicks, err := store.IncrementClicks(ctx, code)
	require.NoError(t, err)
	assert.EqualValues(t, 1, clicks)

	entries := streamEntries(t, rdb)
	require.Len(t, entries, 2)
	assert.Equal(t, code, entries[1]["newState"].(map[string]any)["shortCode"])
}
