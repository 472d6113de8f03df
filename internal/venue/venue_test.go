package venue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/store"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve returns a test server answering /markets with the given status and body.
func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("limit") != "50" {
			t.Errorf("expected limit=50, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPolymarket(url string) *Polymarket {
	p := NewPolymarket(url, nil, quietLogger())
	p.now = func() time.Time { return fixedNow }
	return p
}

func newKalshi(url string) *Kalshi {
	k := NewKalshi(url, nil, quietLogger())
	k.now = func() time.Time { return fixedNow }
	return k
}

// --- Polymarket ---

func TestPolymarket_Mapping(t *testing.T) {
	srv := serve(t, http.StatusOK, `[
		{"id": 512, "question": "Will it rain?", "description": "Rain in NYC", "closed": false,
		 "resolutionSource": "NOAA", "liquidity": "1234.5", "updatedAt": "2025-05-30T10:00:00Z"},
		{"conditionId": "0xabc", "slug": "fed-cut", "closed": true, "liquidity": 99},
		{"slug": "", "question": ""}
	]`)

	markets := newPolymarket(srv.URL).ListMarkets(context.Background())
	if len(markets) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(markets))
	}

	m := markets[0]
	if m.ID != "polymarket:512" || m.ExternalID != "512" {
		t.Errorf("expected numeric id coerced to text, got id=%s ext=%s", m.ID, m.ExternalID)
	}
	if m.Venue != SlugPolymarket {
		t.Errorf("expected venue polymarket, got %s", m.Venue)
	}
	if m.Title != "Will it rain?" {
		t.Errorf("unexpected title %q", m.Title)
	}
	if m.Description == nil || *m.Description != "Rain in NYC" {
		t.Errorf("unexpected description %v", m.Description)
	}
	if m.Status != model.MarketStatusOpen || m.Type != model.MarketTypeYesNo {
		t.Errorf("expected OPEN YES_NO, got %s %s", m.Status, m.Type)
	}
	if m.ResolutionRule == nil || *m.ResolutionRule != "NOAA" {
		t.Errorf("unexpected resolution rule %v", m.ResolutionRule)
	}
	if m.Volume24h == nil || m.Volume24h.String() != "1234.5" {
		t.Errorf("unexpected volume24h %v", m.Volume24h)
	}
	if !m.LastUpdated.Equal(time.Date(2025, 5, 30, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected lastUpdated %v", m.LastUpdated)
	}
	if len(m.Outcomes) != 2 || m.Outcomes[0].ID != "YES" || m.Outcomes[1].ID != "NO" {
		t.Errorf("expected YES/NO outcomes, got %+v", m.Outcomes)
	}
	if m.Outcomes[0].Probability != nil {
		t.Errorf("expected unknown probability, got %s", m.Outcomes[0].Probability)
	}

	m = markets[1]
	if m.ExternalID != "0xabc" {
		t.Errorf("expected conditionId fallback, got %s", m.ExternalID)
	}
	if m.Title != "fed-cut" {
		t.Errorf("expected slug title fallback, got %q", m.Title)
	}
	if m.Status != model.MarketStatusResolved {
		t.Errorf("expected closed market RESOLVED, got %s", m.Status)
	}
	if !m.LastUpdated.Equal(fixedNow) {
		t.Errorf("expected fetch time fallback, got %v", m.LastUpdated)
	}
	if m.Description != nil || m.ResolutionRule != nil {
		t.Errorf("expected absent optional fields to be nil")
	}

	if markets[2].Title != "Untitled Polymarket market" {
		t.Errorf("expected placeholder title, got %q", markets[2].Title)
	}
}

func TestPolymarket_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `[]`},
		{"not json", http.StatusOK, `<html>oops</html>`},
		{"object instead of array", http.StatusOK, `{"markets": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			markets := newPolymarket(srv.URL).ListMarkets(context.Background())
			if markets == nil || len(markets) != 0 {
				t.Errorf("expected empty non-nil slice, got %v", markets)
			}
		})
	}
}

func TestPolymarket_TransportError(t *testing.T) {
	srv := serve(t, http.StatusOK, `[]`)
	url := srv.URL
	srv.Close()

	if markets := newPolymarket(url).ListMarkets(context.Background()); len(markets) != 0 {
		t.Errorf("expected no markets from an unreachable venue, got %d", len(markets))
	}
}

func TestPolymarket_CancelledContext(t *testing.T) {
	srv := serve(t, http.StatusOK, `[{"id": "1"}]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if markets := newPolymarket(srv.URL).ListMarkets(ctx); len(markets) != 0 {
		t.Errorf("expected no markets after cancellation, got %d", len(markets))
	}
}

func TestPolymarket_OffTypeClosedKeepsBatch(t *testing.T) {
	srv := serve(t, http.StatusOK, `[
		{"id": "1", "closed": "true"},
		{"id": "2", "closed": 1},
		{"id": "3", "closed": true}
	]`)

	markets := newPolymarket(srv.URL).ListMarkets(context.Background())
	if len(markets) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(markets))
	}
	for i, want := range []model.MarketStatus{model.MarketStatusOpen, model.MarketStatusOpen, model.MarketStatusResolved} {
		if markets[i].Status != want {
			t.Errorf("market %s: expected %s, got %s", markets[i].ExternalID, want, markets[i].Status)
		}
	}
}

// --- Kalshi ---

func TestKalshi_WrappedPayload(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"markets": [
		{"ticker": "KXFED-25DEC", "title": "Fed cuts in December?", "status": "active",
		 "rules_primary": "Resolves per FOMC statement", "updated_at": "2025-05-01T00:00:00Z"},
		{"id": 77, "name": "Named market", "status": "Closed"},
		{"ticker": "KXSNOW", "is_closed": true, "rules": "NWS report", "rules_primary": "ignored"},
		{"slug": "no-title"}
	]}`)

	markets := newKalshi(srv.URL).ListMarkets(context.Background())
	if len(markets) != 4 {
		t.Fatalf("expected 4 markets, got %d", len(markets))
	}

	if markets[0].ID != "kalshi:KXFED-25DEC" {
		t.Errorf("unexpected id %s", markets[0].ID)
	}
	if markets[0].Status != model.MarketStatusOpen {
		t.Errorf("expected OPEN, got %s", markets[0].Status)
	}
	if markets[0].ResolutionRule == nil || *markets[0].ResolutionRule != "Resolves per FOMC statement" {
		t.Errorf("expected rules_primary fallback, got %v", markets[0].ResolutionRule)
	}

	if markets[1].ExternalID != "77" || markets[1].Title != "Named market" {
		t.Errorf("unexpected id/title %s %q", markets[1].ExternalID, markets[1].Title)
	}
	if markets[1].Status != model.MarketStatusResolved {
		t.Errorf("expected status closed to map to RESOLVED, got %s", markets[1].Status)
	}
	if !markets[1].LastUpdated.Equal(fixedNow) {
		t.Errorf("expected fetch time fallback, got %v", markets[1].LastUpdated)
	}

	if markets[2].Status != model.MarketStatusResolved {
		t.Errorf("expected is_closed to map to RESOLVED, got %s", markets[2].Status)
	}
	if markets[2].Title != "KXSNOW" {
		t.Errorf("expected ticker title fallback, got %q", markets[2].Title)
	}
	if markets[2].ResolutionRule == nil || *markets[2].ResolutionRule != "NWS report" {
		t.Errorf("expected rules to win over rules_primary, got %v", markets[2].ResolutionRule)
	}

	if markets[3].Title != "Untitled Kalshi market" || markets[3].ExternalID != "no-title" {
		t.Errorf("unexpected fallback market %+v", markets[3])
	}
}

func TestKalshi_BareArray(t *testing.T) {
	srv := serve(t, http.StatusOK, `[{"ticker": "A"}, {"ticker": "B"}]`)

	markets := newKalshi(srv.URL).ListMarkets(context.Background())
	if len(markets) != 2 || markets[0].ID != "kalshi:A" || markets[1].ID != "kalshi:B" {
		t.Errorf("unexpected markets %+v", markets)
	}
}

func TestKalshi_OffTypeIsClosedKeepsBatch(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"markets": [
		{"ticker": "A", "is_closed": "false"},
		{"ticker": "B", "is_closed": null},
		{"ticker": "C", "is_closed": true}
	]}`)

	markets := newKalshi(srv.URL).ListMarkets(context.Background())
	if len(markets) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(markets))
	}
	if markets[0].Status != model.MarketStatusOpen || markets[1].Status != model.MarketStatusOpen {
		t.Errorf("expected off-type is_closed to read as open, got %s %s", markets[0].Status, markets[1].Status)
	}
	if markets[2].Status != model.MarketStatusResolved {
		t.Errorf("expected RESOLVED, got %s", markets[2].Status)
	}
}

func TestKalshi_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error": "auth required"}`},
		{"missing markets key", http.StatusOK, `{"cursor": "abc"}`},
		{"markets not an array", http.StatusOK, `{"markets": "nope"}`},
		{"garbage", http.StatusOK, `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			if markets := newKalshi(srv.URL).ListMarkets(context.Background()); len(markets) != 0 {
				t.Errorf("expected no markets, got %d", len(markets))
			}
		})
	}
}

func TestDecodeKalshi_Reasons(t *testing.T) {
	tests := []struct {
		body   string
		reason string
	}{
		{`{"cursor": ""}`, reasonShape},
		{`not json`, reasonDecode},
		{`[1, 2]`, reasonShape},
	}

	for _, tt := range tests {
		_, err := decodeKalshi([]byte(tt.body))
		var fe *fetchError
		if !errors.As(err, &fe) {
			t.Errorf("decodeKalshi(%q): expected fetchError, got %v", tt.body, err)
			continue
		}
		if fe.reason != tt.reason {
			t.Errorf("decodeKalshi(%q): expected reason %s, got %s", tt.body, tt.reason, fe.reason)
		}
	}
}

// --- Native ---

func seedNative(t *testing.T, st *store.MemoryStore, id string, typ model.MarketType, status model.MarketStatus, created time.Time) {
	t.Helper()
	rule := "Official source"
	err := st.CreateMarket(context.Background(), &model.NativeMarket{
		ID:             id,
		Venue:          SlugNative,
		ExternalID:     id,
		Title:          "Market " + id,
		ResolutionRule: &rule,
		Type:           typ,
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      created,
	})
	if err != nil {
		t.Fatalf("seed market %s: %v", id, err)
	}
}

func TestNative_ListMarkets(t *testing.T) {
	st := store.NewMemoryStore()
	seedNative(t, st, "m1", model.MarketTypeYesNo, model.MarketStatusOpen, fixedNow.Add(-2*time.Hour))
	seedNative(t, st, "m2", model.MarketTypeMultiOutcome, model.MarketStatusSuspended, fixedNow.Add(-time.Hour))

	n := NewNative(st, quietLogger())
	markets := n.ListMarkets(context.Background())
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}

	// Newest first.
	multi, binary := markets[0], markets[1]
	if multi.ID != "oddgrid:m2" || multi.Type != model.MarketTypeMultiOutcome {
		t.Errorf("unexpected first market %+v", multi)
	}
	if multi.Status != model.MarketStatusSuspended {
		t.Errorf("expected stored status to be trusted, got %s", multi.Status)
	}
	if len(multi.Outcomes) != 0 {
		t.Errorf("expected no outcomes for multi-outcome market, got %d", len(multi.Outcomes))
	}

	if binary.ID != "oddgrid:m1" || len(binary.Outcomes) != 2 {
		t.Errorf("unexpected binary market %+v", binary)
	}
	if binary.ResolutionRule == nil || *binary.ResolutionRule != "Official source" {
		t.Errorf("unexpected resolution rule %v", binary.ResolutionRule)
	}
	if !binary.LastUpdated.Equal(fixedNow.Add(-2 * time.Hour)) {
		t.Errorf("expected stored updatedAt, got %v", binary.LastUpdated)
	}
}

type failingReader struct{}

func (failingReader) ListMarkets(context.Context, int) ([]model.NativeMarket, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) GetMarket(context.Context, string) (*model.NativeMarket, error) {
	return nil, errors.New("connection refused")
}

func TestNative_StoreFailure(t *testing.T) {
	n := NewNative(failingReader{}, quietLogger())
	if markets := n.ListMarkets(context.Background()); markets == nil || len(markets) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", markets)
	}
}

func TestNative_GetMarket(t *testing.T) {
	st := store.NewMemoryStore()
	seedNative(t, st, "m1", model.MarketTypeYesNo, model.MarketStatusResolved, fixedNow)

	n := NewNative(st, quietLogger())
	m, err := n.GetMarket(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "oddgrid:m1" || m.Status != model.MarketStatusResolved {
		t.Errorf("unexpected market %+v", m)
	}

	if _, err := n.GetMarket(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdapterFunc(t *testing.T) {
	var a Adapter = AdapterFunc(func(context.Context) []model.Market {
		return []model.Market{{ID: "x:1"}}
	})
	if got := a.ListMarkets(context.Background()); len(got) != 1 || got[0].ID != "x:1" {
		t.Errorf("unexpected result %v", got)
	}
}
