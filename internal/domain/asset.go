package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// AssetKind distinguishes crypto holdings from fiat balances
type AssetKind string

const (
	AssetKindCrypto AssetKind = "CRYPTO"
	AssetKindFiat   AssetKind = "FIAT"
)

// Asset is an entry of the asset catalog
type Asset struct {
	Symbol string
	Kind   AssetKind
	CoinID string // price-feed identifier, empty for fiat
	Name   string
}

// Validate ensures the asset adheres to catalog rules
func (a *Asset) Validate() error {
	if strings.TrimSpace(a.Symbol) == "" {
		return errors.New("asset symbol cannot be empty")
	}
	if a.Kind != AssetKindCrypto && a.Kind != AssetKindFiat {
		return errors.New("asset kind must be CRYPTO or FIAT")
	}
	if a.Kind == AssetKindCrypto && a.CoinID == "" {
		return errors.New("crypto asset must have a coin ID")
	}
	return nil
}

// AssetRef identifies one balance of an owner
type AssetRef struct {
	Symbol string
	Kind   AssetKind
}

// IsCrypto reports whether the reference points at a crypto holding
func (r AssetRef) IsCrypto() bool {
	return r.Kind == AssetKindCrypto
}

// AssetMetadata carries optional display data written next to a holding,
// plus annotations copied onto the fiat ledger line
type AssetMetadata struct {
	CoinID string
	Name   string

	Memo         string
	ConversionID *uuid.UUID
}

// AssetClassifier decides whether a symbol is a crypto asset.
// The conversion executor uses it to resolve the direction of crypto-fiat conversions.
type AssetClassifier interface {
	IsCrypto(symbol string) bool
}

// AssetCatalog is an in-memory index of known assets keyed by upper-case symbol
type AssetCatalog struct {
	assets map[string]Asset
}

// NewAssetCatalog builds a catalog from the given assets.
// Later entries win when a symbol appears twice.
func NewAssetCatalog(assets []Asset) *AssetCatalog {
	c := &AssetCatalog{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		c.assets[normalizeSymbol(a.Symbol)] = a
	}
	return c
}

// IsCrypto implements AssetClassifier
func (c *AssetCatalog) IsCrypto(symbol string) bool {
	a, ok := c.assets[normalizeSymbol(symbol)]
	return ok && a.Kind == AssetKindCrypto
}

// Lookup returns the catalog entry for a symbol
func (c *AssetCatalog) Lookup(symbol string) (Asset, bool) {
	a, ok := c.assets[normalizeSymbol(symbol)]
	return a, ok
}

// Ref resolves a symbol into an AssetRef using the classifier.
// Unknown symbols are treated as fiat.
func Ref(classifier AssetClassifier, symbol string) AssetRef {
	kind := AssetKindFiat
	if classifier.IsCrypto(symbol) {
		kind = AssetKindCrypto
	}
	return AssetRef{Symbol: normalizeSymbol(symbol), Kind: kind}
}

// Len returns the number of assets in the catalog
func (c *AssetCatalog) Len() int {
	return len(c.assets)
}

// All returns every asset in the catalog
func (c *AssetCatalog) All() []Asset {
	out := make([]Asset, 0, len(c.assets))
	for _, a := range c.assets {
		out = append(out, a)
	}
	return out
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
