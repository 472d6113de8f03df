package venue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/store"
)

const nativeListLimit = 200

// MarketReader is the slice of the store the native adapter needs.
type MarketReader interface {
	ListMarkets(ctx context.Context, limit int) ([]model.NativeMarket, error)
	GetMarket(ctx context.Context, id string) (*model.NativeMarket, error)
}

// Native exposes the system's own persisted markets. Unlike the external
// adapters it trusts the stored type and status verbatim.
type Native struct {
	markets MarketReader
	log     *slog.Logger
	now     func() time.Time
}

// NewNative creates the native adapter over a market reader.
func NewNative(markets MarketReader, log *slog.Logger) *Native {
	return &Native{
		markets: markets,
		log:     loggerFor(log, SlugNative),
		now:     time.Now,
	}
}

// ListMarkets implements Adapter.
func (n *Native) ListMarkets(ctx context.Context) []model.Market {
	stored, err := n.markets.ListMarkets(ctx, nativeListLimit)
	if err != nil {
		recordFailure(n.log, SlugNative, &fetchError{reasonStore, err})
		return []model.Market{}
	}

	now := n.now().UTC()
	markets := make([]model.Market, 0, len(stored))
	for i := range stored {
		markets = append(markets, n.normalize(&stored[i], now))
	}
	return markets
}

// GetMarket implements MarketGetter. The external id is the store id.
func (n *Native) GetMarket(ctx context.Context, externalID string) (*model.Market, error) {
	m, err := n.markets.GetMarket(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	normalized := n.normalize(m, n.now().UTC())
	return &normalized, nil
}

func (n *Native) normalize(m *model.NativeMarket, now time.Time) model.Market {
	typ := model.MarketTypeMultiOutcome
	outcomes := []model.Outcome{}
	if m.Type == model.MarketTypeYesNo {
		typ = model.MarketTypeYesNo
		outcomes = model.BinaryOutcomes()
	}

	return model.Market{
		ID:             model.MarketID(SlugNative, m.ID),
		Venue:          SlugNative,
		ExternalID:     m.ID,
		Title:          m.Title,
		Description:    m.Description,
		Type:           typ,
		Status:         m.Status,
		Outcomes:       outcomes,
		ResolutionRule: m.ResolutionRule,
		LastUpdated:    orNow(m.UpdatedAt, now),
	}
}
