// Package seed loads reference venues and demo native markets.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/store"
	"github.com/oddgrid/sim-engine/internal/venue"
)

type demoMarket struct {
	id, title, description, rule string
}

var demoMarkets = []demoMarket{
	{
		id:          "fed-rate-2025",
		title:       "Will the Fed raise interest rates in 2025?",
		description: "Yes/No market mirrored from Polymarket (simulation only).",
		rule:        "Resolves using Fed policy decision by Dec 31 2025.",
	},
	{
		id:          "us-unemployment-gt-5",
		title:       "Will US unemployment be above 5% in 2025?",
		description: "Simulated mirror of a macroeconomic Kalshi market (no real trading).",
		rule:        "Resolves using BLS unemployment data for 2025.",
	},
	{
		id:          "nba-finals",
		title:       "Will Team A win the NBA Finals?",
		description: "Example in-house OddGrid market.",
		rule:        "Resolves using official NBA results.",
	},
}

// Run upserts the known venues and creates the demo markets. Markets that
// already exist are left untouched, so Run is safe to repeat.
func Run(ctx context.Context, st store.Store, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	for _, v := range venue.Known() {
		if err := st.UpsertVenue(ctx, v); err != nil {
			return fmt.Errorf("seed venue %s: %w", v.Slug, err)
		}
	}

	now := time.Now().UTC()
	created := 0
	for i, dm := range demoMarkets {
		// Distinct timestamps give a stable newest-first order.
		ts := now.Add(time.Duration(i) * time.Millisecond)
		m := &model.NativeMarket{
			ID:             dm.id,
			Venue:          venue.SlugNative,
			ExternalID:     dm.id,
			Title:          dm.title,
			Description:    &dm.description,
			ResolutionRule: &dm.rule,
			Type:           model.MarketTypeYesNo,
			Status:         model.MarketStatusOpen,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		err := st.CreateMarket(ctx, m)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed market %s: %w", dm.id, err)
		}
		created++
	}

	log.Info("seeded venues and markets", "venues", len(venue.Known()), "markets_created", created)
	return nil
}
