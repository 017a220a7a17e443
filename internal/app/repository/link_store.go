package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/quicklink/internal/app/model"
)

const (
	linkKeyPrefix    = "link:"
	defaultStreamLen = 100000
)

// createLinkScript writes a new link hash and appends its CREATED entry to
// the change stream in one atomic step. Existing links are left untouched.
//
// KEYS[1] link hash, KEYS[2] change stream
// ARGV[1] original url, ARGV[2] created at, ARGV[3] stream entry, ARGV[4] stream max length
var createLinkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'originalUrl', ARGV[1], 'createdAt', ARGV[2], 'clicks', '0')
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[4], '*', 'entry', ARGV[3])
return 1
`)

// incrementClicksScript adds one to the click counter and appends the
// resulting UPDATED entry, so stream order per key follows increment order.
//
// KEYS[1] link hash, KEYS[2] change stream
// ARGV[1] mutation timestamp (ms), ARGV[2] JSON-encoded short code, ARGV[3] stream max length
var incrementClicksScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local clicks = redis.call('HINCRBY', KEYS[1], 'clicks', 1)
local entry = '{"eventKind":"UPDATED","mutationTimestamp":' .. ARGV[1] ..
  ',"newState":{"shortCode":' .. ARGV[2] .. ',"clicks":' .. clicks .. '}}'
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'entry', entry)
return clicks
`)

// LinkStore keeps link records in Redis hashes and publishes every mutation
// to a Redis stream.
type LinkStore struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
	now    func() time.Time
}

// NewLinkStore returns a store writing change entries to stream.
func NewLinkStore(rdb redis.UniversalClient, stream string, maxLen int64) *LinkStore {
	if maxLen <= 0 {
		maxLen = defaultStreamLen
	}
	return &LinkStore{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		now:    time.Now,
	}
}

type streamEntry struct {
	EventKind         model.EventKind `json:"eventKind"`
	MutationTimestamp int64           `json:"mutationTimestamp"`
	NewState          streamNewState  `json:"newState"`
}

type streamNewState struct {
	ShortCode   string `json:"shortCode"`
	OriginalURL string `json:"originalUrl"`
	CreatedAt   string `json:"createdAt"`
	Clicks      int64  `json:"clicks"`
}

// Create stores rec with a zero click count. It returns ErrLinkExists when
// the short code is already present.
func (s *LinkStore) Create(ctx context.Context, rec model.LinkRecord) error {
	createdAt := rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	entry, err := json.Marshal(streamEntry{
		EventKind:         model.EventCreated,
		MutationTimestamp: s.now().UnixMilli(),
		NewState: streamNewState{
			ShortCode:   rec.ShortCode,
			OriginalURL: rec.OriginalURL,
			CreatedAt:   createdAt,
		},
	})
	if err != nil {
		return fmt.Errorf("link store: encode entry: %w", err)
	}

	created, err := createLinkScript.Run(ctx, s.rdb,
		[]string{linkKey(rec.ShortCode), s.stream},
		rec.OriginalURL, createdAt, string(entry), s.maxLen,
	).Int64()
	if err != nil {
		return fmt.Errorf("link store: create %q: %w", rec.ShortCode, err)
	}
	if created == 0 {
		return ErrLinkExists
	}
	return nil
}

// Get loads the record for code.
func (s *LinkStore) Get(ctx context.Context, code string) (*model.LinkRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, linkKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("link store: get %q: %w", code, err)
	}
	if len(fields) == 0 {
		return nil, ErrLinkNotFound
	}

	rec := &model.LinkRecord{
		ShortCode:   code,
		OriginalURL: fields["originalUrl"],
	}
	if raw := fields["createdAt"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.CreatedAt = ts
		}
	}
	if raw := fields["clicks"]; raw != "" {
		clicks, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("link store: parse clicks for %q: %w", code, err)
		}
		rec.Clicks = clicks
	}
	return rec, nil
}

// IncrementClicks adds one to the click counter of code on the server side
// and returns the new value. Missing links yield ErrLinkNotFound.
func (s *LinkStore) IncrementClicks(ctx context.Context, code string) (int64, error) {
	quoted, err := json.Marshal(code)
	if err != nil {
		return 0, fmt.Errorf("link store: encode code: %w", err)
	}

	clicks, err := incrementClicksScript.Run(ctx, s.rdb,
		[]string{linkKey(code), s.stream},
		s.now().UnixMilli(), string(quoted), s.maxLen,
	).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrLinkNotFound
		}
		return 0, fmt.Errorf("link store: increment %q: %w", code, err)
	}
	return clicks, nil
}

func linkKey(code string) string {
	return linkKeyPrefix + code
}
