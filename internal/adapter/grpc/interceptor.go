package grpc

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/simaogato/convertflow-backend/internal/usecase/audit"
)

// OwnerHeader carries the authenticated owner id
const OwnerHeader = "x-owner-id"

type ownerKey struct{}

// WithOwner attaches the authenticated owner id to the context
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner id attached by AuthInterceptor, empty if none
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// AuthInterceptor returns a gRPC unary server interceptor that validates
// the authorization token from request metadata.
// If the token is missing or invalid, it returns status.Unauthenticated.
// If valid, the owner id and the caller's address and user agent are attached to the context.
func AuthInterceptor(validToken string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeaders[0], "Bearer "))
		if token != validToken {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		owners := md.Get(OwnerHeader)
		if len(owners) == 0 || strings.TrimSpace(owners[0]) == "" {
			return nil, status.Error(codes.Unauthenticated, "missing owner id")
		}

		client := audit.Client{}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			client.IP = p.Addr.String()
		}
		if agents := md.Get("user-agent"); len(agents) > 0 {
			client.UserAgent = agents[0]
		}

		ctx = WithOwner(ctx, strings.TrimSpace(owners[0]))
		ctx = audit.WithClient(ctx, client)
		return handler(ctx, req)
	}
}

// LoggingInterceptor writes one access log line per RPC
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("latency", time.Since(start)),
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if owners := md.Get(OwnerHeader); len(owners) > 0 {
				fields = append(fields, zap.String("owner_id", owners[0]))
			}
		}

		switch code {
		case codes.OK:
			logger.Info("rpc handled", fields...)
		case codes.Internal, codes.Unknown, codes.Unavailable:
			logger.Error("rpc failed", append(fields, zap.Error(err))...)
		default:
			logger.Warn("rpc rejected", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}
