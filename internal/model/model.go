// Package model defines the core domain types shared across the engine.
// All monetary values and prices use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementCurrency is the virtual cash currency every order settles in.
const SettlementCurrency = "USDV"

// MarketType distinguishes binary markets from multi-outcome ones.
type MarketType string

const (
	MarketTypeYesNo        MarketType = "YES_NO"
	MarketTypeMultiOutcome MarketType = "MULTI_OUTCOME"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "OPEN"
	MarketStatusResolved  MarketStatus = "RESOLVED"
	MarketStatusSuspended MarketStatus = "SUSPENDED"
)

// Valid reports whether t is a known market type.
func (t MarketType) Valid() bool {
	return t == MarketTypeYesNo || t == MarketTypeMultiOutcome
}

// Valid reports whether s is a known market status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusOpen, MarketStatusResolved, MarketStatusSuspended:
		return true
	}
	return false
}

// Outcome ids for binary markets.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus of a recorded order.
type OrderStatus string

const OrderStatusFilled OrderStatus = "FILLED"

// Venue is a source of prediction-market listings. Immutable reference data.
type Venue struct {
	Slug string `json:"slug" db:"slug"`
	Name string `json:"name" db:"name"`
}

// Outcome is one tradable result of a market.
// Probability is nil when the venue does not price it.
type Outcome struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Probability *decimal.Decimal `json:"probability"`
	BestBid     *decimal.Decimal `json:"bestBid,omitempty"`
	BestAsk     *decimal.Decimal `json:"bestAsk,omitempty"`
}

// Market is the canonical, venue-agnostic representation every adapter
// produces. Built fresh on every aggregation call; never persisted.
type Market struct {
	ID             string           `json:"id"` // "{venue}:{externalId}"
	Venue          string           `json:"venue"`
	ExternalID     string           `json:"externalId"`
	Title          string           `json:"title"`
	Description    *string          `json:"description"`
	Type           MarketType       `json:"type"`
	Status         MarketStatus     `json:"status"`
	Outcomes       []Outcome        `json:"outcomes"`
	ResolutionRule *string          `json:"resolutionRule"`
	Volume24h      *decimal.Decimal `json:"volume24h"`
	OpenInterest   *decimal.Decimal `json:"openInterest"`
	LastUpdated    time.Time        `json:"lastUpdated"`
}

// BinaryOutcomes returns the YES/NO pair with unknown probabilities.
func BinaryOutcomes() []Outcome {
	return []Outcome{
		{ID: OutcomeYes, Name: OutcomeYes},
		{ID: OutcomeNo, Name: OutcomeNo},
	}
}

// NativeMarket is a market listed by this system itself and persisted in
// the store. The native venue adapter turns it into a Market.
type NativeMarket struct {
	ID             string       `json:"id" db:"id"`
	Venue          string       `json:"venue" db:"venue"`
	ExternalID     string       `json:"external_id" db:"external_id"`
	Title          string       `json:"title" db:"title"`
	Description    *string      `json:"description" db:"description"`
	ResolutionRule *string      `json:"resolution_rule" db:"resolution_rule"`
	Type           MarketType   `json:"type" db:"type"`
	Status         MarketStatus `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// Account is an opaque trading identity.
type Account struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Balance is an account's cash in one currency. Amount is never negative.
type Balance struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Currency  string          `json:"currency" db:"currency"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is an account's accumulated holding in one outcome of one market.
// AvgPrice is the size-weighted mean of every fill price.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Size      decimal.Decimal `json:"size" db:"size"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is an immutable record of one fill.
// Once created, orders are never modified or deleted.
type Order struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Size      decimal.Decimal `json:"size" db:"size"` // shares
	Cost      decimal.Decimal `json:"cost" db:"cost"`
	Status    OrderStatus     `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
