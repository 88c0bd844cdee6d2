package marketplace

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nhbmarket/core/types"
	"nhbmarket/crypto"
)

var (
	seedMarketplace = []byte("marketplace")
	seedTreasury    = []byte("treasury")
	seedRewards     = []byte("rewards")
)

// ProgramID namespaces every address derived by the marketplace module.
var ProgramID = func() [20]byte {
	var id [20]byte
	copy(id[:], ethcrypto.Keccak256([]byte("nhb/native/marketplace"))[12:])
	return id
}()

func registrySeeds(name string) [][]byte {
	return [][]byte{seedMarketplace, []byte(name)}
}

func treasurySeeds(registry [20]byte) [][]byte {
	return [][]byte{seedTreasury, registry[:]}
}

func rewardsSeeds(registry [20]byte) [][]byte {
	return [][]byte{seedRewards, registry[:]}
}

func listingSeeds(registry, mint [20]byte) [][]byte {
	return [][]byte{registry[:], mint[:]}
}

// RegistryAddress derives the registry identity for name.
func RegistryAddress(name string) ([20]byte, uint8, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return [20]byte{}, 0, err
	}
	return crypto.FindDerivedAddress(registrySeeds(normalized), ProgramID)
}

// TreasuryAddress derives the fee treasury owned by registry.
func TreasuryAddress(registry [20]byte) ([20]byte, uint8, error) {
	return crypto.FindDerivedAddress(treasurySeeds(registry), ProgramID)
}

// RewardMintAddress derives the loyalty reward mint of registry.
func RewardMintAddress(registry [20]byte) ([20]byte, uint8, error) {
	return crypto.FindDerivedAddress(rewardsSeeds(registry), ProgramID)
}

// ListingAddress derives the listing identity for mint under registry.
func ListingAddress(registry, mint [20]byte) ([20]byte, uint8, error) {
	return crypto.FindDerivedAddress(listingSeeds(registry, mint), ProgramID)
}

// Address re-derives the registry identity from the stored bump.
func (m *Marketplace) Address() ([20]byte, error) {
	return crypto.CreateDerivedAddress(registrySeeds(m.Name), m.Bump, ProgramID)
}

// Treasury re-derives the treasury from the stored bump.
func (m *Marketplace) Treasury(registry [20]byte) ([20]byte, error) {
	return crypto.CreateDerivedAddress(treasurySeeds(registry), m.TreasuryBump, ProgramID)
}

// RewardMint re-derives the reward mint from the stored bump.
func (m *Marketplace) RewardMint(registry [20]byte) ([20]byte, error) {
	return crypto.CreateDerivedAddress(rewardsSeeds(registry), m.RewardsBump, ProgramID)
}

// Authority is the proof that lets the registry sign for its reward mint.
func (m *Marketplace) Authority(registry [20]byte) types.Authority {
	return types.DerivedAuthority(registry, ProgramID, m.Bump, registrySeeds(m.Name)...)
}

// Address re-derives the listing identity from the stored bump.
func (l *Listing) Address(registry [20]byte) ([20]byte, error) {
	return crypto.CreateDerivedAddress(listingSeeds(registry, l.Mint), l.Bump, ProgramID)
}

// Authority is the proof that lets the listing sign for its vault.
func (l *Listing) Authority(registry, listing [20]byte) types.Authority {
	return types.DerivedAuthority(listing, ProgramID, l.Bump, listingSeeds(registry, l.Mint)...)
}
