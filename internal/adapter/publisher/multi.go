package publisher

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// Multi fans an event out to several publishers. Every publisher is tried;
// failures are combined.
type Multi []domain.EventPublisher

// Publish implements domain.EventPublisher
func (m Multi) Publish(ctx context.Context, event *domain.ConversionEvent) error {
	var result *multierror.Error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
