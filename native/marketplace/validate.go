package marketplace

import (
	"fmt"
	"math/big"
)

// Precondition checks run before any ledger mutation. Each returns a plan
// carrying everything the mutating step needs so nothing is re-read midway.

type listPlan struct {
	registry    [20]byte
	marketplace *Marketplace
	listing     [20]byte
	listingBump uint8
}

type closePlan struct {
	registry    [20]byte
	marketplace *Marketplace
	address     [20]byte
	listing     *Listing
}

type purchasePlan struct {
	closePlan
	treasury   [20]byte
	rewardMint [20]byte
	settlement Settlement
}

var one = big.NewInt(1)

// SplitPrice computes the flat fee split: the fee goes to the treasury and the
// remainder to the maker. Prices below the fee are rejected.
func SplitPrice(price uint64, fee uint16) (Settlement, error) {
	f := uint64(fee)
	if price < f {
		return Settlement{}, fmt.Errorf("%w: price %d fee %d", ErrPriceBelowFee, price, f)
	}
	return Settlement{Price: price, Fee: f, MakerProceeds: price - f}, nil
}

// rentFor returns the deposit owed for opening n accounts or records.
func (e *Engine) rentFor(n int) *big.Int {
	deposit := e.state.RentDeposit()
	if deposit == nil || n <= 0 {
		return new(big.Int)
	}
	return deposit.Mul(deposit, big.NewInt(int64(n)))
}

// missingAccounts counts the token accounts owner would have opened for mints.
func (e *Engine) missingAccounts(owner [20]byte, mints ...[20]byte) (int, error) {
	missing := 0
	for _, mint := range mints {
		_, ok, err := e.state.TokenAccountGet(owner, mint)
		if err != nil {
			return 0, err
		}
		if !ok {
			missing++
		}
	}
	return missing, nil
}

func (e *Engine) requireFunds(payer [20]byte, need *big.Int) error {
	if need.Sign() == 0 {
		return nil
	}
	balance, err := e.state.Balance(payer)
	if err != nil {
		return err
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientFunds, balance, need)
	}
	return nil
}

func (e *Engine) loadMarketplace(registry [20]byte) (*Marketplace, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, ok, err := e.state.MarketplaceGet(registry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMarketplaceNotFound
	}
	addr, err := market.Address()
	if err != nil {
		return nil, err
	}
	if addr != registry {
		return nil, fmt.Errorf("marketplace: registry address does not match stored bump")
	}
	return market, nil
}

func (e *Engine) loadListing(registry, mint [20]byte) (*closePlan, error) {
	market, err := e.loadMarketplace(registry)
	if err != nil {
		return nil, err
	}
	addr, _, err := ListingAddress(registry, mint)
	if err != nil {
		return nil, err
	}
	listing, ok, err := e.state.ListingGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrListingNotFound
	}
	derived, err := listing.Address(registry)
	if err != nil {
		return nil, err
	}
	if derived != addr || listing.Mint != mint {
		return nil, fmt.Errorf("marketplace: listing record does not match its address")
	}
	held, err := e.state.TokenBalance(addr, mint)
	if err != nil {
		return nil, err
	}
	if held.Cmp(one) != 0 {
		return nil, fmt.Errorf("%w: vault holds %s", ErrVaultMismatch, held)
	}
	return &closePlan{registry: registry, marketplace: market, address: addr, listing: listing}, nil
}

func (e *Engine) checkList(maker, registry, mint, collection [20]byte, price uint64) (*listPlan, error) {
	market, err := e.loadMarketplace(registry)
	if err != nil {
		return nil, err
	}
	if price == 0 {
		return nil, ErrInvalidPrice
	}
	if _, err := SplitPrice(price, market.Fee); err != nil {
		return nil, err
	}
	asset, ok, err := e.state.MintGet(mint)
	if err != nil {
		return nil, err
	}
	if !ok || asset.Decimals != 0 || asset.Supply == nil || asset.Supply.Cmp(one) != 0 {
		return nil, ErrNotUniqueAsset
	}
	held, err := e.state.TokenBalance(maker, mint)
	if err != nil {
		return nil, err
	}
	if held.Cmp(one) != 0 {
		return nil, ErrAssetNotHeld
	}
	if _, ok, err := e.state.MintGet(collection); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrInvalidCollection
	}
	meta, ok, err := e.state.AssetMetadata(mint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMetadataNotFound
	}
	if !meta.HasCollection() || meta.Collection != collection {
		return nil, ErrInvalidCollection
	}
	if !meta.Verified {
		return nil, ErrUnverifiedCollection
	}
	addr, bump, err := ListingAddress(registry, mint)
	if err != nil {
		return nil, err
	}
	if _, exists, err := e.state.ListingGet(addr); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrListingExists
	}
	vault, err := e.state.TokenBalance(addr, mint)
	if err != nil {
		return nil, err
	}
	if vault.Sign() != 0 {
		return nil, ErrVaultNotEmpty
	}
	opens, err := e.missingAccounts(addr, mint)
	if err != nil {
		return nil, err
	}
	// The listing record plus the vault when it has to be opened.
	if err := e.requireFunds(maker, e.rentFor(1+opens)); err != nil {
		return nil, err
	}
	return &listPlan{registry: registry, marketplace: market, listing: addr, listingBump: bump}, nil
}

func (e *Engine) checkDelist(caller, registry, mint [20]byte) (*closePlan, error) {
	plan, err := e.loadListing(registry, mint)
	if err != nil {
		return nil, err
	}
	if plan.listing.Maker != caller {
		return nil, ErrUnauthorized
	}
	opens, err := e.missingAccounts(caller, mint)
	if err != nil {
		return nil, err
	}
	if err := e.requireFunds(caller, e.rentFor(opens)); err != nil {
		return nil, err
	}
	return plan, nil
}

func (e *Engine) checkPurchase(taker, registry, mint [20]byte) (*purchasePlan, error) {
	base, err := e.loadListing(registry, mint)
	if err != nil {
		return nil, err
	}
	if base.listing.Maker == taker {
		return nil, ErrSelfPurchase
	}
	settlement, err := SplitPrice(base.listing.Price, base.marketplace.Fee)
	if err != nil {
		return nil, err
	}
	treasury, err := base.marketplace.Treasury(registry)
	if err != nil {
		return nil, err
	}
	rewardMint, err := base.marketplace.RewardMint(registry)
	if err != nil {
		return nil, err
	}
	// The price plus rent for the asset and reward accounts the taker lacks.
	opens, err := e.missingAccounts(taker, mint, rewardMint)
	if err != nil {
		return nil, err
	}
	need := e.rentFor(opens)
	need.Add(need, new(big.Int).SetUint64(settlement.Price))
	if err := e.requireFunds(taker, need); err != nil {
		return nil, err
	}
	return &purchasePlan{closePlan: *base, treasury: treasury, rewardMint: rewardMint, settlement: settlement}, nil
}
