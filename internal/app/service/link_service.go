package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sifan077/quicklink/internal/app/model"
	"github.com/sifan077/quicklink/internal/app/repository"
	"go.uber.org/zap"
)

const (
	maxCodeAttempts = 5
	warmPageSize    = 500
)

// ErrInvalidURL signals a target that is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("invalid url")

// LinkService defines behaviour-level operations on links.
type LinkService interface {
	CreateLink(ctx context.Context, input CreateLinkInput) (*model.LinkRecord, error)
	GetLink(ctx context.Context, code string) (*model.LinkRecord, error)
	ListLinks(ctx context.Context, limit, offset int) ([]model.LinkRecord, error)
}

// LinkRecordStore is the click-counting store of link records.
type LinkRecordStore interface {
	Create(ctx context.Context, rec model.LinkRecord) error
	Get(ctx context.Context, code string) (*model.LinkRecord, error)
}

type linkService struct {
	repo   repository.LinkRepository
	store  LinkRecordStore
	codes  *CodeGenerator
	logger *zap.Logger
	now    func() time.Time
}

// NewLinkService returns a service writing the catalog to repo and the
// counted records to store.
func NewLinkService(repo repository.LinkRepository, store LinkRecordStore, codes *CodeGenerator, logger *zap.Logger) LinkService {
	if codes == nil {
		codes = NewCodeGenerator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &linkService{repo: repo, store: store, codes: codes, logger: logger, now: time.Now}
}

// CreateLinkInput captures data required to create a link. An empty Code
// asks for a generated one.
type CreateLinkInput struct {
	Code string
	URL  string
}

func (s *linkService) CreateLink(ctx context.Context, input CreateLinkInput) (*model.LinkRecord, error) {
	if err := validateTarget(input.URL); err != nil {
		return nil, err
	}

	link, err := s.insertCatalog(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}

	rec := model.LinkRecord{
		ShortCode:   link.Code,
		OriginalURL: link.URL,
		CreatedAt:   link.CreatedAt,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store link: %w", err)
	}
	return &rec, nil
}

func (s *linkService) insertCatalog(ctx context.Context, input CreateLinkInput) (*model.Link, error) {
	attempts := maxCodeAttempts
	if input.Code != "" {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		code := input.Code
		if code == "" {
			code = s.codes.Next()
		}
		link := &model.Link{Code: code, URL: input.URL, CreatedAt: s.now().UTC()}

		err := s.repo.Create(ctx, link)
		s.codes.Seen(code)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, repository.ErrLinkExists) {
			return nil, err
		}
		s.logger.Debug("short code taken", zap.String("short_code", code))
	}
	return nil, repository.ErrLinkExists
}

// GetLink reads the counted record, restoring it from the catalog when the
// store has lost it.
func (s *linkService) GetLink(ctx context.Context, code string) (*model.LinkRecord, error) {
	rec, err := s.store.Get(ctx, code)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrLinkNotFound) {
		return nil, fmt.Errorf("get link: %w", err)
	}

	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	restored := model.LinkRecord{ShortCode: link.Code, OriginalURL: link.URL, CreatedAt: link.CreatedAt}
	if err := s.store.Create(ctx, restored); err != nil && !errors.Is(err, repository.ErrLinkExists) {
		s.logger.Warn("failed to restore link record", zap.String("short_code", code), zap.Error(err))
	}
	return &restored, nil
}

func (s *linkService) ListLinks(ctx context.Context, limit, offset int) ([]model.LinkRecord, error) {
	links, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	out := make([]model.LinkRecord, 0, len(links))
	for _, link := range links {
		rec := model.LinkRecord{ShortCode: link.Code, OriginalURL: link.URL, CreatedAt: link.CreatedAt}
		if stored, err := s.store.Get(ctx, link.Code); err == nil {
			rec.Clicks = stored.Clicks
		} else if !errors.Is(err, repository.ErrLinkNotFound) {
			return nil, fmt.Errorf("list links: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// WarmCodes loads every catalog code into the generator's filter.
func WarmCodes(ctx context.Context, repo repository.LinkRepository, codes *CodeGenerator) (int, error) {
	total := 0
	for offset := 0; ; offset += warmPageSize {
		links, err := repo.List(ctx, warmPageSize, offset)
		if err != nil {
			return total, fmt.Errorf("warm codes: %w", err)
		}
		for _, link := range links {
			codes.Seen(link.Code)
		}
		total += len(links)
		if len(links) < warmPageSize {
			return total, nil
		}
	}
}

func validateTarget(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
