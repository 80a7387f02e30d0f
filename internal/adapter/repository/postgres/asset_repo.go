package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// assetRepository implements domain.AssetRepository
type assetRepository struct {
	db *DB
}

// NewAssetRepository creates a new PostgreSQL asset catalog repository
func NewAssetRepository(db *DB) domain.AssetRepository {
	return &assetRepository{db: db}
}

// GetBySymbol retrieves an asset by its symbol
func (r *assetRepository) GetBySymbol(ctx context.Context, symbol string) (*domain.Asset, error) {
	query := `SELECT symbol, kind, coin_id, name FROM assets WHERE symbol = $1`

	var a domain.Asset
	var kind string
	err := r.db.QueryRowContext(ctx, query, symbol).Scan(&a.Symbol, &kind, &a.CoinID, &a.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s not found: %w", symbol, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	a.Kind = domain.AssetKind(kind)
	return &a, nil
}

// Create creates a new catalog entry
func (r *assetRepository) Create(ctx context.Context, asset *domain.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO assets (symbol, kind, coin_id, name) VALUES ($1, $2, $3, $4)`

	if _, err := r.db.ExecContext(ctx, query, asset.Symbol, string(asset.Kind), asset.CoinID, asset.Name); err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

// List retrieves the whole catalog ordered by symbol
func (r *assetRepository) List(ctx context.Context) ([]*domain.Asset, error) {
	query := `SELECT symbol, kind, coin_id, name FROM assets ORDER BY symbol ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []*domain.Asset
	for rows.Next() {
		var a domain.Asset
		var kind string
		if err := rows.Scan(&a.Symbol, &kind, &a.CoinID, &a.Name); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		a.Kind = domain.AssetKind(kind)
		assets = append(assets, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}
