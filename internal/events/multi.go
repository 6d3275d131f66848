package events

import (
	"context"

	"nft-marketplace-api/internal/model"

	"golang.org/x/sync/errgroup"
)

// Multi publishes every batch to all publishers concurrently and fails if
// any of them fails.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, events []model.Event) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m {
		p := p
		g.Go(func() error {
			return p.Publish(gctx, events)
		})
	}
	return g.Wait()
}
