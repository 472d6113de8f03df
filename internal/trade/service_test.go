package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/oddgrid/sim-engine/internal/aggregate"
	"github.com/oddgrid/sim-engine/internal/ledger"
	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/seed"
	"github.com/oddgrid/sim-engine/internal/store"
	"github.com/oddgrid/sim-engine/internal/trade"
	"github.com/oddgrid/sim-engine/internal/venue"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// externalVenue stands in for a remote venue with one open and one resolved market.
func externalVenue(context.Context) []model.Market {
	now := time.Now().UTC()
	return []model.Market{
		{ID: "polymarket:open1", Venue: venue.SlugPolymarket, ExternalID: "open1", Title: "Open",
			Type: model.MarketTypeYesNo, Status: model.MarketStatusOpen, Outcomes: model.BinaryOutcomes(), LastUpdated: now},
		{ID: "polymarket:done1", Venue: venue.SlugPolymarket, ExternalID: "done1", Title: "Done",
			Type: model.MarketTypeYesNo, Status: model.MarketStatusResolved, Outcomes: model.BinaryOutcomes(), LastUpdated: now},
	}
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	hub    *trade.WSHub
}

// newTestEnv creates a Service over a seeded in-memory store, a fake external
// venue and the native adapter, mounted on a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	if err := seed.Run(context.Background(), ms, quietLogger()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	agg := aggregate.New(aggregate.WithLogger(quietLogger()))
	agg.Register(venue.SlugPolymarket, venue.AdapterFunc(externalVenue))
	agg.Register(venue.SlugNative, venue.NewNative(ms, quietLogger()))

	hub := trade.NewWSHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	l := ledger.New(ms, agg, ledger.WithLogger(quietLogger()), ledger.WithNotifier(hub))
	svc := trade.NewService(l, agg, ms, hub, quietLogger())

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, store: ms, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(trade.AccountHeader, account)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openAccount(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts", "", map[string]string{"displayName": "tester"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.OpenAccountResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Balance.Amount.Equal(d("10000")) {
		t.Fatalf("expected 10000 USDV, got %s", resp.Balance.Amount)
	}
	return resp.Account.ID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) trade.ErrorResponse {
	t.Helper()
	var resp trade.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp
}

// --- Markets ---

func TestListMarkets(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/markets", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	// Two external then three seeded native markets, in registration order.
	if len(markets) != 5 {
		t.Fatalf("expected 5 markets, got %d", len(markets))
	}
	if markets[0].Venue != venue.SlugPolymarket || markets[4].Venue != venue.SlugNative {
		t.Errorf("unexpected order: %s ... %s", markets[0].ID, markets[4].ID)
	}

	w = env.do(t, "GET", "/api/v1/markets?venue=oddgrid", "", nil)
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 3 {
		t.Errorf("expected 3 native markets, got %d", len(markets))
	}

	w = env.do(t, "GET", "/api/v1/markets?status=resolved", "", nil)
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 || markets[0].ID != "polymarket:done1" {
		t.Errorf("expected only the resolved market, got %+v", markets)
	}

	w = env.do(t, "GET", "/api/v1/markets?status=bogus", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status filter, got %d", w.Code)
	}
}

func TestGetMarket(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/markets/oddgrid:nba-finals", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.ID != "oddgrid:nba-finals" || len(m.Outcomes) != 2 {
		t.Errorf("unexpected market %+v", m)
	}

	w = env.do(t, "GET", "/api/v1/markets/polymarket:open1", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for listed external market, got %d", w.Code)
	}

	if w := env.do(t, "GET", "/api/v1/markets/oddgrid:nope", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/markets/garbage", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/markets/polymarket:", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty external id, got %d", w.Code)
	}
}

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/markets", "", map[string]string{
		"title":          "Will it snow in Miami?",
		"resolutionRule": "NWS",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Venue != venue.SlugNative || !strings.HasPrefix(m.ID, "oddgrid:") {
		t.Errorf("unexpected id %s", m.ID)
	}
	if m.Type != model.MarketTypeYesNo || m.Status != model.MarketStatusOpen {
		t.Errorf("expected default YES_NO OPEN, got %s %s", m.Type, m.Status)
	}
	if m.Description != nil {
		t.Errorf("expected nil description, got %q", *m.Description)
	}

	tests := []map[string]string{
		{"title": "  "},
		{"title": "x", "type": "SCALAR"},
		{"title": "x", "status": "PENDING"},
	}
	for _, body := range tests {
		if w := env.do(t, "POST", "/api/v1/markets", "", body); w.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", body, w.Code)
		}
	}
}

func TestUpdateMarketStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/markets/oddgrid:fed-rate-2025/status", "", map[string]string{"status": "resolved"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Status != model.MarketStatusResolved {
		t.Errorf("expected RESOLVED, got %s", m.Status)
	}

	if w := env.do(t, "POST", "/api/v1/markets/polymarket:open1/status", "", map[string]string{"status": "RESOLVED"}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for external market, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/markets/oddgrid:nope/status", "", map[string]string{"status": "RESOLVED"}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListVenues(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/venues", "", nil)
	var venues []model.Venue
	json.Unmarshal(w.Body.Bytes(), &venues)
	if len(venues) != 3 {
		t.Errorf("expected 3 venues, got %+v", venues)
	}
}

// --- Auth ---

func TestRequireAccount(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/me/balance", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without header, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/me/balance", "ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Kind != ledger.KindNotFound {
		t.Errorf("expected kind not_found, got %s", resp.Kind)
	}
}

// --- Orders ---

func TestPlaceOrder_Scenario(t *testing.T) {
	env := newTestEnv(t)
	acct := env.openAccount(t)

	w := env.do(t, "POST", "/api/v1/orders", acct, map[string]any{
		"marketId": "oddgrid:nba-finals", "probability": 0.6, "stakeAmount": 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Fill.Price.Equal(d("0.6")) || !resp.Fill.Cost.Equal(d("100")) {
		t.Errorf("unexpected fill %+v", resp.Fill)
	}
	if !resp.Fill.Shares.Truncate(6).Equal(d("166.666666")) {
		t.Errorf("expected 166.666... shares, got %s", resp.Fill.Shares)
	}
	if resp.Order.ID == "" || resp.Order.Status != model.OrderStatusFilled {
		t.Errorf("unexpected order %+v", resp.Order)
	}

	// String-encoded decimals are accepted too.
	w = env.do(t, "POST", "/api/v1/orders", acct, map[string]any{
		"marketId": "oddgrid:nba-finals", "probability": "0.4", "stakeAmount": "40",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/me/balance", acct, nil)
	var bal model.Balance
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Amount.Equal(d("9860")) {
		t.Errorf("expected 9860, got %s", bal.Amount)
	}

	w = env.do(t, "GET", "/api/v1/me/positions", acct, nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if positions[0].AvgPrice.Sub(d("0.525")).Abs().GreaterThan(d("0.000000000001")) {
		t.Errorf("expected avg price ~0.525, got %s", positions[0].AvgPrice)
	}

	w = env.do(t, "GET", "/api/v1/me/orders", acct, nil)
	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 2 {
		t.Errorf("expected 2 orders, got %d", len(orders))
	}
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	acct := env.openAccount(t)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		kind   string
	}{
		{"probability above one", map[string]any{"marketId": "oddgrid:nba-finals", "probability": 1.2, "stakeAmount": 10}, http.StatusBadRequest, ledger.KindValidation},
		{"missing stake", map[string]any{"marketId": "oddgrid:nba-finals", "probability": 0.5}, http.StatusBadRequest, ledger.KindValidation},
		{"unknown market", map[string]any{"marketId": "oddgrid:nope", "probability": 0.5, "stakeAmount": 10}, http.StatusNotFound, ledger.KindNotFound},
		{"resolved market", map[string]any{"marketId": "polymarket:done1", "probability": 0.5, "stakeAmount": 10}, http.StatusConflict, ledger.KindState},
		{"insufficient", map[string]any{"marketId": "polymarket:open1", "probability": 0.5, "stakeAmount": 20000}, http.StatusUnprocessableEntity, ledger.KindInsufficient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/orders", acct, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			resp := decodeError(t, w)
			if resp.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, resp.Kind)
			}
			if tt.kind == ledger.KindInsufficient {
				if resp.Available == nil || !resp.Available.Equal(d("10000")) {
					t.Errorf("expected available 10000, got %v", resp.Available)
				}
				if resp.Required == nil || !resp.Required.Equal(d("20000")) {
					t.Errorf("expected required 20000, got %v", resp.Required)
				}
			}
		})
	}

	w := env.do(t, "GET", "/api/v1/me/balance", acct, nil)
	var bal model.Balance
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Amount.Equal(d("10000")) {
		t.Errorf("expected balance untouched after rejections, got %s", bal.Amount)
	}

	w = env.do(t, "GET", "/api/v1/me/positions", acct, nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty position list, got %s", w.Body.String())
	}
}

func TestPlaceOrder_ConcurrentRequests(t *testing.T) {
	env := newTestEnv(t)
	acct := env.openAccount(t)

	var wg sync.WaitGroup
	codes := make(chan int, 30)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := env.do(t, "POST", "/api/v1/orders", acct, map[string]any{
				"marketId": "polymarket:open1", "probability": 0.25, "stakeAmount": 1000,
			})
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	created := 0
	for code := range codes {
		if code == http.StatusCreated {
			created++
		} else if code != http.StatusUnprocessableEntity {
			t.Errorf("unexpected status %d", code)
		}
	}
	if created != 10 {
		t.Errorf("expected exactly 10 fills, got %d", created)
	}

	w := env.do(t, "GET", "/api/v1/me/balance", acct, nil)
	var bal model.Balance
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Amount.IsZero() {
		t.Errorf("expected balance 0, got %s", bal.Amount)
	}
}

// --- WebSocket ---

func (e *testEnv) dialWS(t *testing.T, srv *httptest.Server, account string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(trade.AccountHeader, account)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_OrderFilled(t *testing.T) {
	env := newTestEnv(t)
	acct := env.openAccount(t)
	other := env.openAccount(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := env.dialWS(t, srv, acct)
	otherConn := env.dialWS(t, srv, other)

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := env.do(t, "POST", "/api/v1/orders", acct, map[string]any{
		"marketId": "oddgrid:nba-finals", "probability": 0.5, "stakeAmount": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("order: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "order_filled" || msg.AccountID != acct || msg.MarketID != "oddgrid:nba-finals" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Shares != "20" || msg.Cost != "10" {
		t.Errorf("unexpected fill in message %+v", msg)
	}

	otherConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := otherConn.ReadJSON(&msg); err == nil {
		t.Errorf("another account received a fill: %+v", msg)
	}
}

func TestWebSocket_RequiresAccount(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err == nil {
		t.Fatal("expected anonymous dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
