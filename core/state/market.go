package state

import (
	"fmt"

	"nhbmarket/native/marketplace"
)

var (
	marketplacePrefix = []byte("marketplace:")
	listingPrefix     = []byte("listing:")
)

func marketplaceKey(addr [20]byte) []byte { return kvKey(marketplacePrefix, addr[:]) }

func listingKey(addr [20]byte) []byte { return kvKey(listingPrefix, addr[:]) }

// MarketplaceGet loads the registry stored at addr.
func (m *Manager) MarketplaceGet(addr [20]byte) (*marketplace.Marketplace, bool, error) {
	market := new(marketplace.Marketplace)
	ok, err := m.KVGet(marketplaceKey(addr), market)
	if err != nil || !ok {
		return nil, false, err
	}
	return market, true, nil
}

// MarketplaceCreate allocates the registry record. Allocation is
// insert-if-absent; rent is charged to payer.
func (m *Manager) MarketplaceCreate(addr [20]byte, market *marketplace.Marketplace, payer [20]byte) error {
	sanitized, err := marketplace.SanitizeMarketplace(market)
	if err != nil {
		return err
	}
	key := marketplaceKey(addr)
	if _, exists, err := m.get(key); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %w", ErrAccountExists, marketplace.ErrMarketplaceExists)
	}
	if err := m.chargeRent(key, payer); err != nil {
		return err
	}
	return m.KVPut(key, sanitized)
}

// ListingGet loads the listing stored at addr.
func (m *Manager) ListingGet(addr [20]byte) (*marketplace.Listing, bool, error) {
	listing := new(marketplace.Listing)
	ok, err := m.KVGet(listingKey(addr), listing)
	if err != nil || !ok {
		return nil, false, err
	}
	return listing, true, nil
}

// ListingCreate allocates a listing record, charging rent to payer.
func (m *Manager) ListingCreate(addr [20]byte, listing *marketplace.Listing, payer [20]byte) error {
	sanitized, err := marketplace.SanitizeListing(listing)
	if err != nil {
		return err
	}
	key := listingKey(addr)
	if _, exists, err := m.get(key); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %w", ErrAccountExists, marketplace.ErrListingExists)
	}
	if err := m.chargeRent(key, payer); err != nil {
		return err
	}
	return m.KVPut(key, sanitized)
}

// ListingClose deletes the listing and returns its rent to reclaimTo.
func (m *Manager) ListingClose(addr [20]byte, reclaimTo [20]byte) error {
	key := listingKey(addr)
	if _, exists, err := m.get(key); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: %w", ErrAccountNotFound, marketplace.ErrListingNotFound)
	}
	m.KVDelete(key)
	return m.refundRent(key, reclaimTo)
}
