package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oddgrid/sim-engine/internal/model"
)

// DefaultKalshiURL is the public trade API base, the part before /markets.
const DefaultKalshiURL = "https://api.elections.kalshi.com/trade-api/v2"

type kalshiMarket struct {
	ID           flexString `json:"id"`
	Ticker       flexString `json:"ticker"`
	Slug         flexString `json:"slug"`
	Title        flexString `json:"title"`
	Name         flexString `json:"name"`
	Description  flexString `json:"description"`
	Status       flexString `json:"status"`
	IsClosed     flexBool   `json:"is_closed"`
	Rules        flexString `json:"rules"`
	RulesPrimary flexString `json:"rules_primary"`
	UpdatedAt    flexTime   `json:"updated_at"`
}

type kalshiPage struct {
	Markets *[]kalshiMarket `json:"markets"`
}

// Kalshi lists markets from Kalshi's public get-markets endpoint. No
// authentication is sent; if the venue starts requiring it the adapter
// simply yields nothing.
type Kalshi struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time
}

// NewKalshi creates a Kalshi adapter. Empty baseURL selects the public API
// and a nil client gets a 10s-timeout default.
func NewKalshi(baseURL string, client *http.Client, log *slog.Logger) *Kalshi {
	if baseURL == "" {
		baseURL = DefaultKalshiURL
	}
	if client == nil {
		client = defaultClient()
	}
	return &Kalshi{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     loggerFor(log, SlugKalshi),
		now:     time.Now,
	}
}

// ListMarkets implements Adapter.
func (k *Kalshi) ListMarkets(ctx context.Context) []model.Market {
	url := fmt.Sprintf("%s/markets?limit=%d", k.baseURL, defaultLimit)

	body, err := getJSON(ctx, k.client, url)
	if err != nil {
		recordFailure(k.log, SlugKalshi, err)
		return []model.Market{}
	}

	raw, err := decodeKalshi(body)
	if err != nil {
		recordFailure(k.log, SlugKalshi, err)
		return []model.Market{}
	}

	now := k.now().UTC()
	markets := make([]model.Market, 0, len(raw))
	for _, m := range raw {
		markets = append(markets, k.normalize(m, now))
	}
	return markets
}

// decodeKalshi accepts either {"markets": [...]} or a bare array.
func decodeKalshi(body []byte) ([]kalshiMarket, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []kalshiMarket
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, &fetchError{reasonShape, err}
		}
		return raw, nil
	}

	var page kalshiPage
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, &fetchError{reasonDecode, err}
	}
	if page.Markets == nil {
		return nil, &fetchError{reasonShape, errors.New("response has no markets array")}
	}
	return *page.Markets, nil
}

func (k *Kalshi) normalize(m kalshiMarket, now time.Time) model.Market {
	externalID := firstNonEmpty(string(m.ID), string(m.Ticker), string(m.Slug))
	title := firstNonEmpty(string(m.Title), string(m.Name), string(m.Ticker), "Untitled Kalshi market")

	status := model.MarketStatusOpen
	switch strings.ToLower(string(m.Status)) {
	case "resolved", "closed":
		status = model.MarketStatusResolved
	}
	if m.IsClosed {
		status = model.MarketStatusResolved
	}

	return model.Market{
		ID:             model.MarketID(SlugKalshi, externalID),
		Venue:          SlugKalshi,
		ExternalID:     externalID,
		Title:          title,
		Description:    optional(string(m.Description)),
		Type:           model.MarketTypeYesNo,
		Status:         status,
		Outcomes:       model.BinaryOutcomes(),
		ResolutionRule: optional(firstNonEmpty(string(m.Rules), string(m.RulesPrimary))),
		LastUpdated:    orNow(m.UpdatedAt.Time(), now),
	}
}
