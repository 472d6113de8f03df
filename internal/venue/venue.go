// Package venue adapts external and internal prediction-market listings to
// the normalized model.Market schema.
//
// Every adapter swallows its own failures: a venue that is down, slow, or
// returns an unexpected shape contributes no markets and logs why, so one
// bad source never breaks an aggregated read.
package venue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oddgrid/sim-engine/internal/metrics"
	"github.com/oddgrid/sim-engine/internal/model"
)

// Venue slugs.
const (
	SlugNative     = "oddgrid"
	SlugPolymarket = "polymarket"
	SlugKalshi     = "kalshi"
	SlugManifold   = "manifold" // reserved, no adapter yet
)

// Known returns the reference list of venues.
func Known() []model.Venue {
	return []model.Venue{
		{Slug: SlugPolymarket, Name: "Polymarket"},
		{Slug: SlugKalshi, Name: "Kalshi"},
		{Slug: SlugNative, Name: "OddGrid Native"},
	}
}

// ErrNotFound is returned by MarketGetter when the venue has no such market.
var ErrNotFound = errors.New("venue: market not found")

// Adapter produces zero or more normalized markets right now. It never
// fails; errors are logged and yield an empty result.
type Adapter interface {
	ListMarkets(ctx context.Context) []model.Market
}

// AdapterFunc lets an ordinary function act as an Adapter.
type AdapterFunc func(ctx context.Context) []model.Market

// ListMarkets calls f(ctx).
func (f AdapterFunc) ListMarkets(ctx context.Context) []model.Market { return f(ctx) }

// MarketGetter is implemented by adapters that can fetch a single market by
// external id without listing the whole venue.
type MarketGetter interface {
	GetMarket(ctx context.Context, externalID string) (*model.Market, error)
}

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultLimit       = 50
	maxBodyBytes       = 8 << 20
)

func defaultClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// Failure reasons recorded in metrics and logs.
const (
	reasonTransport = "transport"
	reasonStatus    = "status"
	reasonDecode    = "decode"
	reasonShape     = "shape"
	reasonStore     = "store"
)

type fetchError struct {
	reason string
	err    error
}

func (e *fetchError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// getJSON performs a GET and returns the raw body of a 200 response.
func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &fetchError{reasonTransport, err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &fetchError{reasonTransport, err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fetchError{reasonStatus, fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &fetchError{reasonTransport, err}
	}
	return body, nil
}

// recordFailure logs and counts a swallowed adapter failure.
func recordFailure(log *slog.Logger, venue string, err error) {
	reason := reasonTransport
	var fe *fetchError
	if errors.As(err, &fe) {
		reason = fe.reason
	}
	metrics.VenueFetchFailures.WithLabelValues(venue, reason).Inc()
	log.Error("venue fetch failed", "reason", reason, "err", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func loggerFor(log *slog.Logger, venue string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", "venue", "venue", venue)
}
