package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMarketID is returned for ids that are not "{venue}:{externalId}".
var ErrInvalidMarketID = errors.New("model: invalid market id")

// MarketID builds the venue-qualified id of a market.
func MarketID(venue, externalID string) string {
	return venue + ":" + externalID
}

// ParseMarketID splits a venue-qualified id. Only the first colon separates
// the venue, so external ids may themselves contain colons.
func ParseMarketID(id string) (venue, externalID string, err error) {
	venue, externalID, ok := strings.Cut(id, ":")
	if !ok || venue == "" || externalID == "" {
		return "", "", fmt.Errorf("%w: %q (expected {venue}:{externalId})", ErrInvalidMarketID, id)
	}
	return venue, externalID, nil
}
