package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oddgrid/sim-engine/internal/model"
)

// DefaultPolymarketURL is the public Gamma API host.
const DefaultPolymarketURL = "https://gamma-api.polymarket.com"

// gammaMarket is the subset of a Gamma /markets entry the adapter reads.
type gammaMarket struct {
	ID               flexString  `json:"id"`
	ConditionID      flexString  `json:"conditionId"`
	Slug             flexString  `json:"slug"`
	Question         flexString  `json:"question"`
	Description      flexString  `json:"description"`
	Closed           flexBool    `json:"closed"`
	ResolutionSource flexString  `json:"resolutionSource"`
	Liquidity        flexDecimal `json:"liquidity"`
	UpdatedAt        flexTime    `json:"updatedAt"`
}

// Polymarket lists markets from Polymarket's Gamma API. All markets are
// treated as binary; prices are left unknown.
type Polymarket struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time
}

// NewPolymarket creates a Polymarket adapter. Empty baseURL selects the
// public API and a nil client gets a 10s-timeout default.
func NewPolymarket(baseURL string, client *http.Client, log *slog.Logger) *Polymarket {
	if baseURL == "" {
		baseURL = DefaultPolymarketURL
	}
	if client == nil {
		client = defaultClient()
	}
	return &Polymarket{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     loggerFor(log, SlugPolymarket),
		now:     time.Now,
	}
}

// ListMarkets implements Adapter.
func (p *Polymarket) ListMarkets(ctx context.Context) []model.Market {
	url := fmt.Sprintf("%s/markets?limit=%d", p.baseURL, defaultLimit)

	body, err := getJSON(ctx, p.client, url)
	if err != nil {
		recordFailure(p.log, SlugPolymarket, err)
		return []model.Market{}
	}

	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		recordFailure(p.log, SlugPolymarket, &fetchError{reasonShape, fmt.Errorf("expected a JSON array of markets: %w", err)})
		return []model.Market{}
	}

	now := p.now().UTC()
	markets := make([]model.Market, 0, len(raw))
	for _, m := range raw {
		markets = append(markets, p.normalize(m, now))
	}
	return markets
}

func (p *Polymarket) normalize(m gammaMarket, now time.Time) model.Market {
	externalID := firstNonEmpty(string(m.ID), string(m.ConditionID), string(m.Slug))
	title := firstNonEmpty(string(m.Question), string(m.Slug), "Untitled Polymarket market")

	status := model.MarketStatusOpen
	if m.Closed {
		status = model.MarketStatusResolved
	}

	return model.Market{
		ID:             model.MarketID(SlugPolymarket, externalID),
		Venue:          SlugPolymarket,
		ExternalID:     externalID,
		Title:          title,
		Description:    optional(string(m.Description)),
		Type:           model.MarketTypeYesNo,
		Status:         status,
		Outcomes:       model.BinaryOutcomes(),
		ResolutionRule: optional(string(m.ResolutionSource)),
		Volume24h:      m.Liquidity.Value(),
		LastUpdated:    orNow(m.UpdatedAt.Time(), now),
	}
}
