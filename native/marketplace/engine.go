package marketplace

import (
	"math/big"

	"nhbmarket/core/events"
	"nhbmarket/core/types"
	nativecommon "nhbmarket/native/common"
)

const moduleName = "marketplace"

type engineState interface {
	MarketplaceGet(addr [20]byte) (*Marketplace, bool, error)
	MarketplaceCreate(addr [20]byte, m *Marketplace, payer [20]byte) error
	ListingGet(addr [20]byte) (*Listing, bool, error)
	ListingCreate(addr [20]byte, l *Listing, payer [20]byte) error
	ListingClose(addr [20]byte, reclaimTo [20]byte) error

	MintGet(addr [20]byte) (*types.Mint, bool, error)
	CreateMint(addr [20]byte, decimals uint8, authority [20]byte, payer [20]byte) error
	MintTo(mint, owner [20]byte, amount *big.Int, auth types.Authority) error
	AssetMetadata(mint [20]byte) (*types.AssetMetadata, bool, error)

	Balance(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error

	TokenAccountGet(owner, mint [20]byte) (*types.TokenAccount, bool, error)
	TokenBalance(owner, mint [20]byte) (*big.Int, error)
	EnsureTokenAccount(owner, mint, payer [20]byte) error
	CloseTokenAccount(owner, mint, reclaimTo [20]byte, auth types.Authority) error
	TransferToken(fromOwner, toOwner, mint [20]byte, amount *big.Int, auth types.Authority) error

	RentDeposit() *big.Int
	Snapshot() int
	RevertToSnapshot(id int)
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine is the listing lifecycle controller. It validates every
// precondition up front, then issues ledger calls in a fixed order inside a
// state snapshot so a failure at any step leaves no trace.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

// NewEngine creates a marketplace engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the ledger backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the module pause switch.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

// atomically runs fn against a snapshot and rolls every write back if fn
// fails.
func (e *Engine) atomically(fn func() error) error {
	snap := e.state.Snapshot()
	if err := fn(); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// Initialize creates the registry for name together with its reward mint.
// The treasury is a plain native account and needs no allocation.
func (e *Engine) Initialize(admin [20]byte, name string, fee uint16) (*Marketplace, [20]byte, error) {
	if err := e.ready(); err != nil {
		return nil, [20]byte{}, err
	}
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, [20]byte{}, err
	}
	registry, bump, err := RegistryAddress(normalized)
	if err != nil {
		return nil, [20]byte{}, err
	}
	if _, exists, err := e.state.MarketplaceGet(registry); err != nil {
		return nil, [20]byte{}, err
	} else if exists {
		return nil, [20]byte{}, ErrMarketplaceExists
	}
	_, treasuryBump, err := TreasuryAddress(registry)
	if err != nil {
		return nil, [20]byte{}, err
	}
	rewardMint, rewardsBump, err := RewardMintAddress(registry)
	if err != nil {
		return nil, [20]byte{}, err
	}
	market := &Marketplace{
		Admin:        admin,
		Fee:          fee,
		Bump:         bump,
		TreasuryBump: treasuryBump,
		RewardsBump:  rewardsBump,
		Name:         normalized,
	}
	if _, err := SanitizeMarketplace(market); err != nil {
		return nil, [20]byte{}, err
	}
	// Registry record and reward mint.
	if err := e.requireFunds(admin, e.rentFor(2)); err != nil {
		return nil, [20]byte{}, err
	}
	err = e.atomically(func() error {
		if err := e.state.MarketplaceCreate(registry, market, admin); err != nil {
			return err
		}
		return e.state.CreateMint(rewardMint, RewardDecimals, registry, admin)
	})
	if err != nil {
		return nil, [20]byte{}, err
	}
	e.emit(NewInitializedEvent(registry, market))
	return market.Clone(), registry, nil
}

// List escrows one unit of mint under a new listing. The listing record and
// the deposit into its vault commit together or not at all.
func (e *Engine) List(maker, registry, mint, collection [20]byte, price uint64) (*Listing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	plan, err := e.checkList(maker, registry, mint, collection, price)
	if err != nil {
		return nil, err
	}
	listing := &Listing{Maker: maker, Mint: mint, Price: price, Bump: plan.listingBump}
	if _, err := SanitizeListing(listing); err != nil {
		return nil, err
	}
	err = e.atomically(func() error {
		if err := e.state.ListingCreate(plan.listing, listing, maker); err != nil {
			return err
		}
		if err := e.state.EnsureTokenAccount(plan.listing, mint, maker); err != nil {
			return err
		}
		return e.state.TransferToken(maker, plan.listing, mint, one, types.SignerAuthority(maker))
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(plan.registry, plan.listing, listing))
	return listing.Clone(), nil
}

// Delist returns the escrowed unit to its maker and reclaims the vault and
// listing storage to the maker.
func (e *Engine) Delist(caller, registry, mint [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	plan, err := e.checkDelist(caller, registry, mint)
	if err != nil {
		return err
	}
	auth := plan.listing.Authority(registry, plan.address)
	maker := plan.listing.Maker
	err = e.atomically(func() error {
		if err := e.state.EnsureTokenAccount(maker, mint, maker); err != nil {
			return err
		}
		if err := e.state.TransferToken(plan.address, maker, mint, one, auth); err != nil {
			return err
		}
		if err := e.state.CloseTokenAccount(plan.address, mint, maker, auth); err != nil {
			return err
		}
		return e.state.ListingClose(plan.address, maker)
	})
	if err != nil {
		return err
	}
	e.emit(NewDelistedEvent(registry, plan.address, plan.listing))
	return nil
}

// Purchase settles a listing: pay maker, pay treasury, release the asset,
// close vault and listing, mint the reward. Every step runs inside one
// snapshot.
func (e *Engine) Purchase(taker, registry, mint [20]byte) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	plan, err := e.checkPurchase(taker, registry, mint)
	if err != nil {
		return nil, err
	}
	maker := plan.listing.Maker
	listingAuth := plan.listing.Authority(registry, plan.address)
	registryAuth := plan.marketplace.Authority(registry)
	split := plan.settlement
	err = e.atomically(func() error {
		if err := e.state.Transfer(taker, maker, new(big.Int).SetUint64(split.MakerProceeds)); err != nil {
			return err
		}
		if err := e.state.Transfer(taker, plan.treasury, new(big.Int).SetUint64(split.Fee)); err != nil {
			return err
		}
		if err := e.state.EnsureTokenAccount(taker, mint, taker); err != nil {
			return err
		}
		if err := e.state.TransferToken(plan.address, taker, mint, one, listingAuth); err != nil {
			return err
		}
		if err := e.state.CloseTokenAccount(plan.address, mint, maker, listingAuth); err != nil {
			return err
		}
		if err := e.state.ListingClose(plan.address, maker); err != nil {
			return err
		}
		if err := e.state.EnsureTokenAccount(taker, plan.rewardMint, taker); err != nil {
			return err
		}
		return e.state.MintTo(plan.rewardMint, taker, new(big.Int).SetUint64(RewardPerPurchase), registryAuth)
	})
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		Marketplace: registry,
		Listing:     plan.address,
		Maker:       maker,
		Taker:       taker,
		Mint:        mint,
		Settlement:  split,
		Reward:      RewardPerPurchase,
	}
	e.emit(NewPurchasedEvent(receipt))
	return receipt, nil
}

// Marketplace returns the registry stored at addr.
func (e *Engine) Marketplace(registry [20]byte) (*Marketplace, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.loadMarketplace(registry)
	if err != nil {
		return nil, err
	}
	return market.Clone(), nil
}

// MarketplaceByName derives the registry address for name and loads it.
func (e *Engine) MarketplaceByName(name string) (*Marketplace, [20]byte, error) {
	registry, _, err := RegistryAddress(name)
	if err != nil {
		return nil, [20]byte{}, err
	}
	market, err := e.Marketplace(registry)
	if err != nil {
		return nil, [20]byte{}, err
	}
	return market, registry, nil
}

// Listing returns the active listing for mint under registry.
func (e *Engine) Listing(registry, mint [20]byte) (*Listing, [20]byte, error) {
	if e == nil || e.state == nil {
		return nil, [20]byte{}, errNilState
	}
	plan, err := e.loadListing(registry, mint)
	if err != nil {
		return nil, [20]byte{}, err
	}
	return plan.listing.Clone(), plan.address, nil
}

// Quote reports how a purchase of the listing would be split.
func (e *Engine) Quote(registry, mint [20]byte) (Settlement, error) {
	if e == nil || e.state == nil {
		return Settlement{}, errNilState
	}
	plan, err := e.loadListing(registry, mint)
	if err != nil {
		return Settlement{}, err
	}
	return SplitPrice(plan.listing.Price, plan.marketplace.Fee)
}
