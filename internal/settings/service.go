package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// RepositoryPort is the storage contract used by Service.
type RepositoryPort interface {
	Get(ctx context.Context, orgID int64) (Settings, error)
	BranchCode(ctx context.Context, orgID, outletID int64) (string, error)
}

// Service resolves invoice settings through the cache.
type Service struct {
	repo   RepositoryPort
	cache  *Cache
	logger *slog.Logger
}

// NewService constructs a Service. cache may be nil.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// Get returns the organization's settings. Organizations without a settings
// row get a disabled configuration rather than an error.
func (s *Service) Get(ctx context.Context, orgID int64) (Settings, error) {
	if orgID <= 0 {
		return Settings{}, fmt.Errorf("settings: invalid organization id %d", orgID)
	}
	return s.cache.Fetch(ctx, orgID, func(ctx context.Context) (Settings, error) {
		cfg, err := s.repo.Get(ctx, orgID)
		if errors.Is(err, ErrNotFound) {
			return Disabled(orgID), nil
		}
		if err != nil {
			return Settings{}, fmt.Errorf("load settings: %w", err)
		}
		return cfg.Normalise(), nil
	})
}

// BranchCode returns the upper-cased code of an outlet, or "" when the outlet
// is unknown or has no code.
func (s *Service) BranchCode(ctx context.Context, orgID, outletID int64) (string, error) {
	if outletID <= 0 {
		return "", nil
	}
	code, err := s.repo.BranchCode(ctx, orgID, outletID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load branch code: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(code)), nil
}

// Invalidate drops any cached settings for orgID.
func (s *Service) Invalidate(ctx context.Context, orgID int64) error {
	if err := s.cache.Delete(ctx, orgID); err != nil {
		s.logger.Warn("invalidate settings cache", slog.Int64("organization_id", orgID), slog.Any("error", err))
		return err
	}
	return nil
}

// Watch logs settings invalidations published by any process until ctx is
// done. onInvalidate, when set, runs for each organization id.
func (s *Service) Watch(ctx context.Context, onInvalidate func(orgID int64)) error {
	return s.cache.ListenForInvalidation(ctx, func(orgID int64) {
		s.logger.Info("invoice settings invalidated", slog.Int64("organization_id", orgID))
		if onInvalidate != nil {
			onInvalidate(orgID)
		}
	})
}
