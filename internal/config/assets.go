package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

//go:embed assets.yaml
var defaultAssets []byte

// AssetsFile is the asset catalog and static fiat rate table
type AssetsFile struct {
	Assets    []AssetEntry      `yaml:"assets"`
	FiatRates map[string]string `yaml:"fiat_rates"` // units per USD
}

// AssetEntry is one catalog entry
type AssetEntry struct {
	Symbol string `yaml:"symbol"`
	Kind   string `yaml:"kind"`
	CoinID string `yaml:"coin_id,omitempty"`
	Name   string `yaml:"name,omitempty"`
}

// LoadAssets reads the catalog from path, or the embedded default when path is empty
func LoadAssets(path string) (*AssetsFile, error) {
	data := defaultAssets
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read assets file: %w", err)
		}
		data = raw
	}

	var f AssetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse assets YAML: %w", err)
	}
	if len(f.Assets) == 0 {
		return nil, fmt.Errorf("assets file defines no assets")
	}
	return &f, nil
}

// DomainAssets converts the entries to validated domain assets
func (f *AssetsFile) DomainAssets() ([]domain.Asset, error) {
	out := make([]domain.Asset, 0, len(f.Assets))
	for _, e := range f.Assets {
		a := domain.Asset{
			Symbol: strings.ToUpper(strings.TrimSpace(e.Symbol)),
			Kind:   domain.AssetKind(strings.ToUpper(strings.TrimSpace(e.Kind))),
			CoinID: strings.TrimSpace(e.CoinID),
			Name:   e.Name,
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("asset %q: %w", e.Symbol, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Rates parses the fiat rate table
func (f *AssetsFile) Rates() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(f.FiatRates))
	for currency, raw := range f.FiatRates {
		r, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("fiat rate %s: %w", currency, err)
		}
		if !r.IsPositive() {
			return nil, fmt.Errorf("fiat rate %s must be positive", currency)
		}
		out[strings.ToUpper(currency)] = r
	}
	return out, nil
}
