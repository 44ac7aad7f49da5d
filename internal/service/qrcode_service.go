package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
)

type codeStore interface {
	FindByID(ctx context.Context, id string) (*models.QRCode, error)
	List(ctx context.Context, filter models.CodeFilter) ([]models.QRCode, int, error)
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

type posterCache interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type posterRenderer interface {
	RenderPNG(code string) ([]byte, error)
}

// CodeServiceConfig tunes poster caching.
type CodeServiceConfig struct {
	PosterCacheTTL time.Duration
	LayoutRev      string
}

// CodeService exposes inventory reads and the administrative lifecycle
// actions, plus single-poster rendering.
type CodeService struct {
	repo    codeStore
	cache   posterCache
	posters posterRenderer
	logger  *zap.Logger
	cfg     CodeServiceConfig
}

// NewCodeService constructs CodeService.
func NewCodeService(repo codeStore, cache posterCache, posters posterRenderer, logger *zap.Logger, cfg CodeServiceConfig) *CodeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PosterCacheTTL <= 0 {
		cfg.PosterCacheTTL = 12 * time.Hour
	}
	if cfg.LayoutRev == "" {
		cfg.LayoutRev = "v1"
	}
	return &CodeService{repo: repo, cache: cache, posters: posters, logger: logger, cfg: cfg}
}

// List returns codes with pagination metadata.
func (s *CodeService) List(ctx context.Context, filter models.CodeFilter) ([]models.QRCode, *models.Pagination, error) {
	codes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list codes")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return codes, pagination, nil
}

// Get returns a single code record.
func (s *CodeService) Get(ctx context.Context, id string) (*models.QRCode, error) {
	qr, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "code not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load code")
	}
	return qr, nil
}

// Revoke disables an active code and unbinds its user. Only active codes
// can be revoked; anything else is a conflict.
func (s *CodeService) Revoke(ctx context.Context, id string) error {
	if err := s.repo.Revoke(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrConflict, "code is not active")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke code")
	}
	s.logger.Sugar().Infow("code revoked", "code_id", id)
	return nil
}

// Delete removes a record entirely and evicts its cached poster.
func (s *CodeService) Delete(ctx context.Context, id string) error {
	qr, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "code not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load code")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "code not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete code")
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, repository.PosterKey(s.cfg.LayoutRev, qr.Code)); err != nil {
			s.logger.Sugar().Warnw("poster cache eviction failed", "code", qr.Code, "error", err)
		}
	}
	s.logger.Sugar().Infow("code deleted", "code_id", id, "code", qr.Code)
	return nil
}

// Poster returns the rendered poster PNG for a code, from cache when the
// layout revision still matches.
func (s *CodeService) Poster(ctx context.Context, id string) ([]byte, error) {
	qr, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	key := repository.PosterKey(s.cfg.LayoutRev, qr.Code)
	if s.cache != nil {
		if cached, err := s.cache.GetBytes(ctx, key); err == nil {
			return cached, nil
		}
	}

	png, err := s.posters.RenderPNG(qr.Code)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrRenderFailure.Code, appErrors.ErrRenderFailure.Status, "failed to render poster")
	}

	if s.cache != nil {
		if err := s.cache.SetBytes(ctx, key, png, s.cfg.PosterCacheTTL); err != nil {
			s.logger.Sugar().Warnw("poster cache write failed", "code", qr.Code, "error", err)
		}
	}
	return png, nil
}
