package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// AssetSeeder handles seeding of the asset catalog
type AssetSeeder struct {
	repo   domain.AssetRepository
	assets []domain.Asset
}

// NewAssetSeeder creates a new AssetSeeder instance for the configured assets
func NewAssetSeeder(repo domain.AssetRepository, assets []domain.Asset) *AssetSeeder {
	return &AssetSeeder{
		repo:   repo,
		assets: assets,
	}
}

// Seed ensures every configured asset exists in storage.
// Existing assets are left untouched.
func (s *AssetSeeder) Seed(ctx context.Context) (int, error) {
	created := 0
	for i := range s.assets {
		asset := s.assets[i]

		_, err := s.repo.GetBySymbol(ctx, asset.Symbol)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, fmt.Errorf("failed to look up asset %s: %w", asset.Symbol, err)
		}

		if err := asset.Validate(); err != nil {
			return created, fmt.Errorf("invalid asset %s: %w", asset.Symbol, err)
		}
		if err := s.repo.Create(ctx, &asset); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// LoadCatalog builds the classifier used by the conversion pipeline from storage
func (s *AssetSeeder) LoadCatalog(ctx context.Context) (*domain.AssetCatalog, error) {
	stored, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	assets := make([]domain.Asset, 0, len(stored))
	for _, a := range stored {
		assets = append(assets, *a)
	}
	return domain.NewAssetCatalog(assets), nil
}
