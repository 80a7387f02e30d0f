package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/simaogato/convertflow-backend/internal/domain"
	"github.com/simaogato/convertflow-backend/internal/usecase/conversion"
	"github.com/simaogato/convertflow-backend/internal/usecase/history"
	"github.com/simaogato/convertflow-backend/internal/usecase/portfolio"
)

// Server implements the ConversionService gRPC server
type Server struct {
	ConversionService *conversion.ConversionService
	HistoryService    *history.HistoryService
	PortfolioService  *portfolio.PortfolioService
	Balances          domain.BalanceStore
	Classifier        domain.AssetClassifier
}

// NewServer creates a new gRPC server instance
func NewServer(
	conversionService *conversion.ConversionService,
	historyService *history.HistoryService,
	portfolioService *portfolio.PortfolioService,
	balances domain.BalanceStore,
	classifier domain.AssetClassifier,
) *Server {
	return &Server{
		ConversionService: conversionService,
		HistoryService:    historyService,
		PortfolioService:  portfolioService,
		Balances:          balances,
		Classifier:        classifier,
	}
}

// ExecuteConversion handles the ExecuteConversion RPC
func (s *Server) ExecuteConversion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// Parse amounts from decimal strings
	sourceAmount, err := decimalField(req, "source_amount")
	if err != nil {
		return nil, err
	}
	destinationAmount, err := decimalField(req, "destination_amount")
	if err != nil {
		return nil, err
	}
	exchangeRate, err := decimalField(req, "exchange_rate")
	if err != nil {
		return nil, err
	}

	// Build input for usecase; mode validation happens there
	input := domain.ConversionRequest{
		OwnerID:           OwnerFromContext(ctx),
		SourceAsset:       stringField(req, "source_asset"),
		DestinationAsset:  stringField(req, "destination_asset"),
		SourceAmount:      sourceAmount,
		DestinationAmount: destinationAmount,
		ExchangeRate:      exchangeRate,
		Mode:              domain.ConversionMode(stringField(req, "conversion_mode")),
		SourceMeta: domain.AssetMetadata{
			CoinID: stringField(req, "source_asset_id"),
			Name:   stringField(req, "source_display_name"),
		},
		DestinationMeta: domain.AssetMetadata{
			CoinID: stringField(req, "destination_asset_id"),
			Name:   stringField(req, "destination_display_name"),
		},
	}

	// Call usecase service
	res, err := s.ConversionService.Execute(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	// Build response
	return newStruct(map[string]any{
		"success":       res.Success,
		"message":       res.Message,
		"conversion_id": res.ConversionID,
		"fee":           res.Fee.String(),
		"total_debited": res.TotalDebited.String(),
	})
}

// ListConversions handles the ListConversions RPC
func (s *Server) ListConversions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	records, err := s.HistoryService.ListConversions(ctx, OwnerFromContext(ctx), intField(req, "limit"))
	if err != nil {
		return nil, mapError(err)
	}

	items := make([]any, 0, len(records))
	for _, r := range records {
		items = append(items, conversionToMap(r))
	}
	return newStruct(map[string]any{"conversions": items})
}

// GetConversion handles the GetConversion RPC
func (s *Server) GetConversion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuid.Parse(stringField(req, "id"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid id format: %v", err)
	}

	record, err := s.HistoryService.GetConversion(ctx, OwnerFromContext(ctx), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "conversion not found: %v", err)
		}
		return nil, mapError(err)
	}
	return newStruct(conversionToMap(record))
}

// ListAuditEvents handles the ListAuditEvents RPC
func (s *Server) ListAuditEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	events, err := s.HistoryService.ListAuditEvents(ctx, OwnerFromContext(ctx), intField(req, "limit"))
	if err != nil {
		return nil, mapError(err)
	}

	items := make([]any, 0, len(events))
	for _, e := range events {
		item := map[string]any{
			"id":                 e.ID,
			"operation":          string(e.Operation),
			"conversion_id":      e.ConversionID,
			"source_asset":       e.SourceAsset,
			"destination_asset":  e.DestinationAsset,
			"source_amount":      e.SourceAmount.String(),
			"destination_amount": e.DestinationAmount.String(),
			"mode":               string(e.Mode),
			"critical":           e.Critical,
			"error_message":      e.ErrorMessage,
			"timestamp":          e.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if e.BalancesBefore != nil {
			item["balances"] = snapshotPairToMap(e.Snapshots())
		}
		items = append(items, item)
	}
	return newStruct(map[string]any{"events": items})
}

// ListFiatTransactions handles the ListFiatTransactions RPC
func (s *Server) ListFiatTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	txs, err := s.HistoryService.ListFiatTransactions(ctx, OwnerFromContext(ctx), intField(req, "limit"))
	if err != nil {
		return nil, mapError(err)
	}

	items := make([]any, 0, len(txs))
	for _, tx := range txs {
		item := map[string]any{
			"id":             tx.ID.String(),
			"currency":       tx.Currency,
			"type":           string(tx.Type),
			"amount":         tx.Amount.String(),
			"balance_before": tx.BalanceBefore.String(),
			"balance_after":  tx.BalanceAfter.String(),
			"description":    tx.Description,
			"created_at":     tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if tx.ConversionID != nil {
			item["conversion_id"] = tx.ConversionID.String()
		}
		items = append(items, item)
	}
	return newStruct(map[string]any{"transactions": items})
}

// GetBalance handles the GetBalance RPC
func (s *Server) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID := OwnerFromContext(ctx)
	if ownerID == "" {
		return nil, mapError(domain.ErrNotAuthenticated)
	}
	symbol := stringField(req, "asset")
	if symbol == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}

	ref := domain.Ref(s.Classifier, symbol)
	amount, err := s.Balances.GetBalance(ctx, ownerID, ref)
	if err != nil {
		return nil, mapError(err)
	}

	return newStruct(map[string]any{
		"asset":  ref.Symbol,
		"kind":   string(ref.Kind),
		"amount": amount.String(),
	})
}

// GetPortfolio handles the GetPortfolio RPC
func (s *Server) GetPortfolio(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.PortfolioService.GetValuation(ctx, OwnerFromContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}

	holdings := make([]any, 0, len(v.Holdings))
	for _, h := range v.Holdings {
		holdings = append(holdings, map[string]any{
			"symbol":    h.Symbol,
			"coin_id":   h.CoinID,
			"name":      h.Name,
			"amount":    h.Amount.String(),
			"price_usd": h.PriceUSD.String(),
			"value_usd": h.ValueUSD.String(),
			"priced":    h.Priced,
		})
	}
	fiat := make([]any, 0, len(v.Fiat))
	for _, f := range v.Fiat {
		fiat = append(fiat, map[string]any{
			"currency":    f.Currency,
			"balance":     f.Balance.String(),
			"rate_to_usd": f.RateToUSD.String(),
			"value_usd":   f.ValueUSD.String(),
		})
	}

	return newStruct(map[string]any{
		"holdings":   holdings,
		"fiat":       fiat,
		"crypto_usd": v.CryptoUSD.String(),
		"fiat_usd":   v.FiatUSD.String(),
		"total_usd":  v.TotalUSD.String(),
	})
}

// SyncValuations handles the SyncValuations RPC.
// It refreshes the stored USD value of every holding; amounts are untouched.
func (s *Server) SyncValuations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	updated, err := s.PortfolioService.SyncValues(ctx, OwnerFromContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return newStruct(map[string]any{"updated": updated})
}

func conversionToMap(r *domain.ConversionRecord) map[string]any {
	m := map[string]any{
		"id":                 r.ID.String(),
		"source_asset":       r.SourceAsset,
		"destination_asset":  r.DestinationAsset,
		"source_amount":      r.SourceAmount.String(),
		"destination_amount": r.DestinationAmount.String(),
		"exchange_rate":      r.ExchangeRate.String(),
		"conversion_mode":    string(r.Mode),
		"fee":                r.Fee.String(),
		"fee_percentage":     r.FeePercentage.String(),
		"status":             string(r.Status),
		"created_at":         r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func snapshotPairToMap(p domain.SnapshotPair) map[string]any {
	return map[string]any{
		"source":      legToMap(p.Source),
		"destination": legToMap(p.Destination),
	}
}

func legToMap(l domain.LegSnapshot) map[string]any {
	m := map[string]any{"before": l.Before.String()}
	if l.After != nil {
		m["after"] = l.After.String()
	}
	return m
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func intField(req *structpb.Struct, name string) int {
	v := req.GetFields()[name]
	if v == nil {
		return 0
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		d, err := decimal.NewFromString(v.GetStringValue())
		if err != nil {
			return 0
		}
		return int(d.IntPart())
	}
	return int(v.GetNumberValue())
}

// decimalField accepts a decimal string or a JSON number. A missing field is zero.
func decimalField(req *structpb.Struct, name string) (decimal.Decimal, error) {
	v := req.GetFields()[name]
	if v == nil {
		return decimal.Zero, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if strings.TrimSpace(kind.StringValue) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(kind.StringValue))
		if err != nil {
			return decimal.Zero, status.Errorf(codes.InvalidArgument, "invalid %s format: %v", name, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(kind.NumberValue), nil
	case *structpb.Value_NullValue:
		return decimal.Zero, nil
	default:
		return decimal.Zero, status.Errorf(codes.InvalidArgument, "invalid %s format", name)
	}
}

// mapError converts domain errors to gRPC status errors.
// The message is the user-facing message of the conversion error.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	msg := domain.UserMessage(err)
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return status.Error(codes.Unauthenticated, msg)
	case errors.Is(err, domain.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, domain.ErrRollbackFailed):
		return status.Error(codes.Internal, msg)
	case errors.Is(err, domain.ErrLockBusy), errors.Is(err, domain.ErrCreditFailed):
		return status.Error(codes.Aborted, msg)
	case errors.Is(err, domain.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, msg)
	case errors.Is(err, domain.ErrBalanceUnavailable):
		return status.Error(codes.Unavailable, msg)
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	}
	return status.Error(codes.Internal, msg)
}
