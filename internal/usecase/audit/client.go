package audit

import "context"

type clientKey struct{}

// Client describes the caller of a conversion, stored on the audit trail
type Client struct {
	IP        string
	UserAgent string
}

// WithClient attaches caller details to the context
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the caller details attached by WithClient
func ClientFromContext(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey{}).(Client)
	return c, ok
}
