package marketplace

import (
	"strconv"

	"nhbmarket/core/types"
	"nhbmarket/crypto"
)

const (
	EventTypeMarketplaceInitialized = "marketplace.initialized"
	EventTypeListingCreated         = "marketplace.listing.created"
	EventTypeListingDelisted        = "marketplace.listing.delisted"
	EventTypeListingPurchased       = "marketplace.listing.purchased"
)

func addr(b [20]byte) string { return crypto.MustNewAddress(b).String() }

// NewInitializedEvent returns the canonical payload for a new registry.
func NewInitializedEvent(registry [20]byte, m *Marketplace) *types.Event {
	attrs := map[string]string{"marketplace": addr(registry)}
	if m != nil {
		attrs["name"] = m.Name
		attrs["admin"] = addr(m.Admin)
		attrs["fee"] = strconv.FormatUint(uint64(m.Fee), 10)
	}
	return &types.Event{Type: EventTypeMarketplaceInitialized, Attributes: attrs}
}

// NewListedEvent returns the canonical payload for a newly escrowed asset.
func NewListedEvent(registry, listing [20]byte, l *Listing) *types.Event {
	return newListingEvent(EventTypeListingCreated, registry, listing, l)
}

// NewDelistedEvent returns the canonical payload for a withdrawn listing.
func NewDelistedEvent(registry, listing [20]byte, l *Listing) *types.Event {
	return newListingEvent(EventTypeListingDelisted, registry, listing, l)
}

// NewPurchasedEvent returns the canonical payload for a settled purchase.
func NewPurchasedEvent(r *Receipt) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: EventTypeListingPurchased, Attributes: attrs}
	}
	attrs["marketplace"] = addr(r.Marketplace)
	attrs["listing"] = addr(r.Listing)
	attrs["maker"] = addr(r.Maker)
	attrs["taker"] = addr(r.Taker)
	attrs["mint"] = addr(r.Mint)
	attrs["price"] = strconv.FormatUint(r.Settlement.Price, 10)
	attrs["fee"] = strconv.FormatUint(r.Settlement.Fee, 10)
	attrs["makerProceeds"] = strconv.FormatUint(r.Settlement.MakerProceeds, 10)
	attrs["reward"] = strconv.FormatUint(r.Reward, 10)
	return &types.Event{Type: EventTypeListingPurchased, Attributes: attrs}
}

func newListingEvent(eventType string, registry, listing [20]byte, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["marketplace"] = addr(registry)
	attrs["listing"] = addr(listing)
	attrs["maker"] = addr(l.Maker)
	attrs["mint"] = addr(l.Mint)
	attrs["price"] = strconv.FormatUint(l.Price, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
