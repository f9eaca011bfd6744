package registry

import (
	"context"
	"fmt"

	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/repo"
)

// Registry is the creation entry point and party index. It checks only that
// the parallel milestone arrays agree in shape; everything about amounts,
// shares and deadlines is the engine's job.
type Registry struct {
	Engine engine.Engine
	Repo   repo.Repo
}

func New(eng engine.Engine) Registry {
	return Registry{Engine: eng, Repo: eng.Repo}
}

// Create validates array shapes and delegates to the engine constructor.
func (r Registry) Create(ctx context.Context, opts engine.CreateOptions) (domain.Engagement, error) {
	n := len(opts.Shares)
	if len(opts.DeadlineOffsets) != n {
		return domain.Engagement{}, fmt.Errorf("%w: got %d shares but %d deadline offsets", engine.ErrValidation, n, len(opts.DeadlineOffsets))
	}
	if len(opts.Titles) != 0 && len(opts.Titles) != n {
		return domain.Engagement{}, fmt.Errorf("%w: got %d shares but %d milestone titles", engine.ErrValidation, n, len(opts.Titles))
	}
	if len(opts.Descriptions) != 0 && len(opts.Descriptions) != n {
		return domain.Engagement{}, fmt.Errorf("%w: got %d shares but %d milestone descriptions", engine.ErrValidation, n, len(opts.Descriptions))
	}
	return r.Engine.Create(ctx, opts)
}

// ListBySeller returns engagements where the party is the seller.
func (r Registry) ListBySeller(ctx context.Context, partyID string) ([]domain.Engagement, error) {
	return r.Repo.ListEngagements(ctx, partyID, "seller")
}

// ListByBuyer returns engagements where the party is the bound buyer.
func (r Registry) ListByBuyer(ctx context.Context, partyID string) ([]domain.Engagement, error) {
	return r.Repo.ListEngagements(ctx, partyID, "buyer")
}

// ListByParty returns engagements where the party is on either side.
func (r Registry) ListByParty(ctx context.Context, partyID string) ([]domain.Engagement, error) {
	return r.Repo.ListEngagements(ctx, partyID, "")
}
