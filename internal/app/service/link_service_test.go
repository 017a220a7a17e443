package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/sifan077/quicklink/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockLinkRepository struct {
	createFn func(ctx context.Context, link *model.Link) error
	getFn    func(ctx context.Context, code string) (*model.Link, error)
	listFn   func(ctx context.Context, limit, offset int) ([]model.Link, error)
}

func (m *mockLinkRepository) Create(ctx context.Context, link *model.Link) error {
	if m.createFn != nil {
		return m.createFn(ctx, link)
	}
	return nil
}

func (m *mockLinkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	if m.getFn != nil {
		return m.getFn(ctx, code)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkRepository) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit, offset)
	}
	return nil, nil
}

type memoryLinkStore struct {
	mu      sync.Mutex
	records map[string]model.LinkRecord
	getErr  error
}

func newMemoryLinkStore() *memoryLinkStore {
	return &memoryLinkStore{records: make(map[string]model.LinkRecord)}
}

func (s *memoryLinkStore) Create(_ context.Context, rec model.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ShortCode]; ok {
		return repository.ErrLinkExists
	}
	s.records[rec.ShortCode] = rec
	return nil
}

func (s *memoryLinkStore) Get(_ context.Context, code string) (*model.LinkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[code]
	if !ok {
		return nil, repository.ErrLinkNotFound
	}
	return &rec, nil
}

func TestLinkService_CreateLink(t *testing.T) {
	var saved *model.Link
	repo := &mockLinkRepository{
		createFn: func(ctx context.Context, link *model.Link) error {
			saved = link
			return nil
		},
	}
	store := newMemoryLinkStore()

	svc := NewLinkService(repo, store, nil, zap.NewNop())
	rec, err := svc.CreateLink(context.Background(), CreateLinkInput{URL: "https://example.com"})
	require.NoError(t, err)

	require.NotNil(t, saved)
	assert.Len(t, rec.ShortCode, shortCodeLength)
	assert.Equal(t, saved.Code, rec.ShortCode)
	assert.Equal(t, "https://example.com", rec.OriginalURL)
	assert.Contains(t, store.records, rec.ShortCode)
}

func TestLinkService_CreateLink_RetriesTakenCode(t *testing.T) {
	attempts := 0
	repo := &mockLinkRepository{
		createFn: func(ctx context.Context, link *model.Link) error {
			attempts++
			if attempts == 1 {
				return repository.ErrLinkExists
			}
			return nil
		},
	}

	svc := NewLinkService(repo, newMemoryLinkStore(), nil, zap.NewNop())
	_, err := svc.CreateLink(context.Background(), CreateLinkInput{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestLinkService_CreateLink_CustomCodeTaken(t *testing.T) {
	attempts := 0
	repo := &mockLinkRepository{
		createFn: func(ctx context.Context, link *model.Link) error {
			attempts++
			assert.Equal(t, "mine", link.Code)
			return repository.ErrLinkExists
		},
	}

	svc := NewLinkService(repo, newMemoryLinkStore(), nil, zap.NewNop())
	_, err := svc.CreateLink(context.Background(), CreateLinkInput{Code: "mine", URL: "https://example.com"})
	assert.ErrorIs(t, err, repository.ErrLinkExists)
	assert.Equal(t, 1, attempts)
}

func TestLinkService_CreateLink_InvalidURL(t *testing.T) {
	svc := NewLinkService(&mockLinkRepository{}, newMemoryLinkStore(), nil, zap.NewNop())

	for _, raw := range []string{"", "example.com", "ftp://example.com/file", "https://"} {
		_, err := svc.CreateLink(context.Background(), CreateLinkInput{URL: raw})
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestLinkService_GetLink_NotFound(t *testing.T) {
	repo := &mockLinkRepository{
		getFn: func(ctx context.Context, code string) (*model.Link, error) {
			return nil, repository.ErrLinkNotFound
		},
	}

	svc := NewLinkService(repo, newMemoryLinkStore(), nil, zap.NewNop())
	_, err := svc.GetLink(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrLinkNotFound)
}

func TestLinkService_GetLink_RestoresFromCatalog(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &mockLinkRepository{
		getFn: func(ctx context.Context, code string) (*model.Link, error) {
			return &model.Link{Code: code, URL: "https://example.com", CreatedAt: created}, nil
		},
	}
	store := newMemoryLinkStore()

	svc := NewLinkService(repo, store, nil, zap.NewNop())
	rec, err := svc.GetLink(context.Background(), "abc1234")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", rec.OriginalURL)
	assert.Contains(t, store.records, "abc1234")
}

func TestLinkService_GetLink_StoreOutage(t *testing.T) {
	store := newMemoryLinkStore()
	store.getErr = errors.New("redis down")

	svc := NewLinkService(&mockLinkRepository{}, store, nil, zap.NewNop())
	_, err := svc.GetLink(context.Background(), "abc1234")
	assert.ErrorContains(t, err, "redis down")
}

func TestLinkService_ListLinks_MergesClicks(t *testing.T) {
	repo := &mockLinkRepository{
		listFn: func(ctx context.Context, limit, offset int) ([]model.Link, error) {
			assert.Equal(t, 10, limit)
			assert.Equal(t, 5, offset)
			return []model.Link{{Code: "a", URL: "https://a.example"}, {Code: "b", URL: "https://b.example"}}, nil
		},
	}
	store := newMemoryLinkStore()
	store.records["a"] = model.LinkRecord{ShortCode: "a", OriginalURL: "https://a.example", Clicks: 12}

	svc := NewLinkService(repo, store, nil, zap.NewNop())
	links, err := svc.ListLinks(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.EqualValues(t, 12, links[0].Clicks)
	assert.Zero(t, links[1].Clicks)
}

func TestWarmCodes(t *testing.T) {
	pages := [][]model.Link{make([]model.Link, warmPageSize), {{Code: "last"}}}
	for i := range pages[0] {
		pages[0][i].Code = string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	repo := &mockLinkRepository{
		listFn: func(ctx context.Context, limit, offset int) ([]model.Link, error) {
			return pages[offset/warmPageSize], nil
		},
	}
	codes := NewCodeGenerator()

	n, err := WarmCodes(context.Background(), repo, codes)
	require.NoError(t, err)
	assert.Equal(t, warmPageSize+1, n)
	assert.True(t, codes.filter.TestString("last"))
}
