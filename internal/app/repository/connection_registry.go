package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultScanPageSize = 500

// sweepConnectionsScript removes the given ids whose last-seen is still
// older than the cutoff at the time of removal.
//
// ARGV[1] cutoff (ms), ARGV[2..] connection ids
var sweepConnectionsScript = redis.NewScript(`
local removed = 0
local cutoff = tonumber(ARGV[1])
for i = 2, #ARGV do
  local seen = tonumber(redis.call('HGET', KEYS[1], ARGV[i]))
  if seen ~= nil and seen < cutoff then
    redis.call('HDEL', KEYS[1], ARGV[i])
    removed = removed + 1
  end
end
return removed
`)

// ConnectionRegistry stores live connection ids in a Redis hash keyed by id
// with the last-seen time in milliseconds as value.
type ConnectionRegistry struct {
	rdb      redis.UniversalClient
	key      string
	pageSize int64
	now      func() time.Time
}

// NewConnectionRegistry returns a registry stored under key.
func NewConnectionRegistry(rdb redis.UniversalClient, key string, pageSize int64) *ConnectionRegistry {
	if pageSize <= 0 {
		pageSize = defaultScanPageSize
	}
	return &ConnectionRegistry{
		rdb:      rdb,
		key:      key,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Register records id as live. Registering twice is harmless.
func (r *ConnectionRegistry) Register(ctx context.Context, id string) error {
	if err := r.rdb.HSet(ctx, r.key, id, r.nowMillis()).Err(); err != nil {
		return fmt.Errorf("registry: register %q: %w", id, err)
	}
	return nil
}

// Deregister removes id. Unknown ids are ignored.
func (r *ConnectionRegistry) Deregister(ctx context.Context, id string) error {
	if err := r.rdb.HDel(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("registry: deregister %q: %w", id, err)
	}
	return nil
}

// Touch records id as seen now. An id that was pruned or swept while its
// connection stayed open is registered again. Callers must only touch
// connections they still hold.
func (r *ConnectionRegistry) Touch(ctx context.Context, id string) error {
	if err := r.rdb.HSet(ctx, r.key, id, r.nowMillis()).Err(); err != nil {
		return fmt.Errorf("registry: touch %q: %w", id, err)
	}
	return nil
}

// ListAll returns every registered id in no particular order. The hash is
// walked page by page so large registries never travel in one reply.
func (r *ConnectionRegistry) ListAll(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	err := r.scan(ctx, func(id string, _ int64) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SweepStale removes ids not seen since before and reports how many were
// dropped.
func (r *ConnectionRegistry) SweepStale(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var stale []interface{}
	err := r.scan(ctx, func(id string, seen int64) {
		if seen < cutoff {
			stale = append(stale, id)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	args := append([]interface{}{cutoff}, stale...)
	removed, err := sweepConnectionsScript.Run(ctx, r.rdb, []string{r.key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("registry: sweep: %w", err)
	}
	return removed, nil
}

func (r *ConnectionRegistry) scan(ctx context.Context, visit func(id string, seen int64)) error {
	var cursor uint64
	for {
		page, next, err := r.rdb.HScan(ctx, r.key, cursor, "", r.pageSize).Result()
		if err != nil {
			return fmt.Errorf("registry: scan: %w", err)
		}
		for i := 0; i+1 < len(page); i += 2 {
			seen, _ := strconv.ParseInt(page[i+1], 10, 64)
			visit(page[i], seen)
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *ConnectionRegistry) nowMillis() int64 {
	return r.now().UnixMilli()
}
