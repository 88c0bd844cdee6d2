package types

import "math/big"

// Account holds the native NHB balance of an identity.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceNHB *big.Int `json:"balanceNHB"`
}

// Mint describes a token class. Unique assets are mints with zero decimals
// and a supply of one.
type Mint struct {
	Address       [20]byte `json:"address"`
	Decimals      uint8    `json:"decimals"`
	Supply        *big.Int `json:"supply"`
	MintAuthority [20]byte `json:"mintAuthority"`
}

// TokenAccount is a custody account holding units of a single mint on behalf
// of an owner.
type TokenAccount struct {
	Owner  [20]byte `json:"owner"`
	Mint   [20]byte `json:"mint"`
	Amount *big.Int `json:"amount"`
}

// AssetMetadata links a unique asset to the collection it claims to belong
// to. Verified is set by the collection authority.
type AssetMetadata struct {
	Mint       [20]byte `json:"mint"`
	Name       string   `json:"name"`
	URI        string   `json:"uri"`
	Collection [20]byte `json:"collection"`
	Verified   bool     `json:"verified"`
}

// HasCollection reports whether the metadata references any collection.
func (m *AssetMetadata) HasCollection() bool {
	return m != nil && m.Collection != ([20]byte{})
}
