// Package trade provides the HTTP handlers for browsing aggregated markets,
// managing native markets, opening simulated accounts, and placing orders.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddgrid/sim-engine/internal/aggregate"
	"github.com/oddgrid/sim-engine/internal/ledger"
	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/store"
	"github.com/oddgrid/sim-engine/internal/venue"
)

// AccountHeader carries the caller's account id. Development-grade auth:
// the header is trusted as-is.
const AccountHeader = "X-Account-ID"

// MarketSource is the aggregated market read the handlers serve.
type MarketSource interface {
	ListAllMarkets(ctx context.Context) []model.Market
	LookupMarket(ctx context.Context, id string) (*model.Market, error)
}

// Service wires the HTTP surface to the ledger, the aggregation layer and
// the store.
type Service struct {
	ledger  *ledger.Ledger
	markets MarketSource
	store   store.Store
	hub     *WSHub // optional
	log     *slog.Logger
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, markets MarketSource, st store.Store, hub *WSHub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ledger:  l,
		markets: markets,
		store:   st,
		hub:     hub,
		log:     log.With("component", "trade"),
	}
}

// Routes registers the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/venues", s.ListVenues)

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Post("/markets/{marketID}/status", s.UpdateMarketStatus)

	r.Post("/accounts", s.OpenAccount)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAccount)
		r.Post("/orders", s.PlaceOrder)
		r.Get("/me/balance", s.GetBalance)
		r.Get("/me/positions", s.GetPositions)
		r.Get("/me/orders", s.GetOrders)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for native market creation.
type CreateMarketRequest struct {
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	ResolutionRule string             `json:"resolutionRule"`
	Type           model.MarketType   `json:"type"`   // default YES_NO
	Status         model.MarketStatus `json:"status"` // default OPEN
}

// UpdateStatusRequest is the JSON body for a native market status change.
type UpdateStatusRequest struct {
	Status model.MarketStatus `json:"status"`
}

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	DisplayName string `json:"displayName"`
}

// OpenAccountResponse is returned from POST /accounts.
type OpenAccountResponse struct {
	Account model.Account `json:"account"`
	Balance model.Balance `json:"balance"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	MarketID    string          `json:"marketId"`
	Probability decimal.Decimal `json:"probability"`
	StakeAmount decimal.Decimal `json:"stakeAmount"`
}

// OrderResponse is returned from POST /orders.
type OrderResponse struct {
	Order model.Order `json:"order"`
	Fill  ledger.Fill `json:"fill"`
}

// --- Dev auth ---

type accountKey struct{}

// RequireAccount resolves the X-Account-ID header to an existing account.
func (s *Service) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(AccountHeader))
		if id == "" {
			writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
			return
		}

		acct, err := s.ledger.Account(r.Context(), id)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), accountKey{}, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountFrom returns the authenticated account stored by RequireAccount.
func AccountFrom(ctx context.Context) (*model.Account, bool) {
	acct, ok := ctx.Value(accountKey{}).(*model.Account)
	return acct, ok
}

// --- HTTP Handlers ---

// ListVenues handles GET /api/v1/venues
func (s *Service) ListVenues(w http.ResponseWriter, r *http.Request) {
	venues, err := s.store.ListVenues(r.Context())
	if err != nil {
		s.log.Error("list venues failed", "err", err)
		writeError(w, "failed to list venues", http.StatusInternalServerError)
		return
	}
	if len(venues) == 0 {
		venues = venue.Known()
	}
	writeJSON(w, http.StatusOK, venues)
}

// ListMarkets handles GET /api/v1/markets
// Returns the aggregated normalized markets, optionally filtered by
// ?venue=<slug> and ?status=<OPEN|RESOLVED|SUSPENDED>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	venueFilter := r.URL.Query().Get("venue")
	statusFilter := model.MarketStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if statusFilter != "" && !statusFilter.Valid() {
		writeError(w, "status must be OPEN, RESOLVED or SUSPENDED", http.StatusBadRequest)
		return
	}

	markets := s.markets.ListAllMarkets(r.Context())
	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if venueFilter != "" && m.Venue != venueFilter {
			continue
		}
		if statusFilter != "" && m.Status != statusFilter {
			continue
		}
		filtered = append(filtered, m)
	}

	writeJSON(w, http.StatusOK, filtered)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.markets.LookupMarket(r.Context(), marketID)
	switch {
	case errors.Is(err, model.ErrInvalidMarketID):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, aggregate.ErrMarketNotFound):
		writeError(w, "market not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("market lookup failed", "market", marketID, "err", err)
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// CreateMarket handles POST /api/v1/markets
// Creates a native market; the response is its normalized form.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = model.MarketTypeYesNo
	}
	if !req.Type.Valid() {
		writeError(w, "type must be YES_NO or MULTI_OUTCOME", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = model.MarketStatusOpen
	}
	if !req.Status.Valid() {
		writeError(w, "status must be OPEN, RESOLVED or SUSPENDED", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	native := &model.NativeMarket{
		ID:             id,
		Venue:          venue.SlugNative,
		ExternalID:     id,
		Title:          req.Title,
		Description:    optional(req.Description),
		ResolutionRule: optional(req.ResolutionRule),
		Type:           req.Type,
		Status:         req.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx := r.Context()
	if err := s.store.CreateMarket(ctx, native); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		s.log.Error("create market failed", "err", err)
		writeError(w, "failed to create market", http.StatusInternalServerError)
		return
	}

	s.log.Info("market created", "id", id, "type", native.Type, "status", native.Status)

	market, err := s.markets.LookupMarket(ctx, model.MarketID(venue.SlugNative, id))
	if err != nil {
		s.log.Error("created market not readable", "id", id, "err", err)
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

// UpdateMarketStatus handles POST /api/v1/markets/{marketID}/status
// Only native markets can change status here.
func (s *Service) UpdateMarketStatus(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	venueSlug, externalID, err := model.ParseMarketID(marketID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if venueSlug != venue.SlugNative {
		writeError(w, "only "+venue.SlugNative+" markets can change status", http.StatusConflict)
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Status = model.MarketStatus(strings.ToUpper(string(req.Status)))
	if !req.Status.Valid() {
		writeError(w, "status must be OPEN, RESOLVED or SUSPENDED", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.UpdateMarketStatus(ctx, externalID, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		s.log.Error("update market status failed", "market", marketID, "err", err)
		writeError(w, "failed to update market", http.StatusInternalServerError)
		return
	}

	s.log.Info("market status changed", "market", marketID, "status", req.Status)

	market, err := s.markets.LookupMarket(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// OpenAccount handles POST /api/v1/accounts
// The body is optional.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, bal, err := s.ledger.OpenAccount(r.Context(), req.DisplayName)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenAccountResponse{Account: *acct, Balance: *bal})
}

// PlaceOrder handles POST /api/v1/orders
// Fills a simulated YES buy at the requested probability.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFrom(r.Context())

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	exec, err := s.ledger.PlaceOrder(r.Context(), ledger.OrderRequest{
		AccountID:   acct.ID,
		MarketID:    req.MarketID,
		Probability: req.Probability,
		StakeAmount: req.StakeAmount,
	})
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, OrderResponse{Order: exec.Order, Fill: exec.Fill})
}

// GetBalance handles GET /api/v1/me/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFrom(r.Context())

	bal, err := s.ledger.Balance(r.Context(), acct.ID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetPositions handles GET /api/v1/me/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFrom(r.Context())

	positions, err := s.ledger.Positions(r.Context(), acct.ID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetOrders handles GET /api/v1/me/orders
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFrom(r.Context())

	orders, err := s.ledger.Orders(r.Context(), acct.ID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Responses ---

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Kind      string           `json:"kind"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Required  *decimal.Decimal `json:"required,omitempty"`
}

// writeLedgerError maps a ledger error kind to its status code. Internal
// failures are logged and reported opaquely.
func (s *Service) writeLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.Kind(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var status int
	switch kind {
	case ledger.KindValidation:
		status = http.StatusBadRequest
	case ledger.KindNotFound:
		status = http.StatusNotFound
	case ledger.KindState:
		status = http.StatusConflict
	case ledger.KindInsufficient:
		status = http.StatusUnprocessableEntity
		var ie *ledger.InsufficientBalanceError
		if errors.As(err, &ie) {
			resp.Available = &ie.Available
			resp.Required = &ie.Required
		}
	default:
		status = http.StatusInternalServerError
		s.log.Error("request failed", "err", err)
		resp.Error = "internal error"
	}

	writeJSON(w, status, resp)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kindForStatus(status)})
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ledger.KindValidation
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return ledger.KindNotFound
	case http.StatusConflict:
		return ledger.KindState
	default:
		return ledger.KindInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
