package marketplace

import (
	"fmt"
	"strings"
)

const (
	// MaxNameLength bounds the marketplace name in bytes.
	MaxNameLength = 32
	// RewardDecimals is the precision of the reward mint.
	RewardDecimals uint8 = 6
	// RewardPerPurchase is the number of reward base units minted per sale.
	RewardPerPurchase uint64 = 1
)

// Marketplace is the registry record created once per name. Only the bumps
// are stored; treasury and reward mint addresses are re-derived on demand.
type Marketplace struct {
	Admin        [20]byte
	Fee          uint16
	Bump         uint8
	TreasuryBump uint8
	RewardsBump  uint8
	Name         string
}

// Clone returns a copy of the registry record.
func (m *Marketplace) Clone() *Marketplace {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// Listing is the escrow record for one unique asset. Bump lets the listing
// re-derive its own address and act as the authority over its vault.
type Listing struct {
	Maker [20]byte
	Mint  [20]byte
	Price uint64
	Bump  uint8
}

// Clone returns a copy of the listing record.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

// Settlement is the exact split applied by Purchase.
type Settlement struct {
	Price         uint64
	Fee           uint64
	MakerProceeds uint64
}

// Receipt summarises a completed purchase.
type Receipt struct {
	Marketplace [20]byte
	Listing     [20]byte
	Maker       [20]byte
	Taker       [20]byte
	Mint        [20]byte
	Settlement  Settlement
	Reward      uint64
}

// NormalizeName trims surrounding whitespace and enforces the length bound.
func NormalizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrNameEmpty
	}
	if len(trimmed) > MaxNameLength {
		return "", fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(trimmed))
	}
	return trimmed, nil
}

// SanitizeMarketplace validates a registry record and returns a copy.
func SanitizeMarketplace(m *Marketplace) (*Marketplace, error) {
	if m == nil {
		return nil, fmt.Errorf("marketplace: nil registry")
	}
	clone := m.Clone()
	name, err := NormalizeName(clone.Name)
	if err != nil {
		return nil, err
	}
	clone.Name = name
	if clone.Admin == ([20]byte{}) {
		return nil, fmt.Errorf("marketplace: admin required")
	}
	return clone, nil
}

// SanitizeListing validates a listing record and returns a copy.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("marketplace: nil listing")
	}
	if l.Maker == ([20]byte{}) {
		return nil, fmt.Errorf("marketplace: listing maker required")
	}
	if l.Mint == ([20]byte{}) {
		return nil, fmt.Errorf("marketplace: listing mint required")
	}
	if l.Price == 0 {
		return nil, ErrInvalidPrice
	}
	return l.Clone(), nil
}
