package marketplace_test

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbmarket/core/events"
	"nhbmarket/core/state"
	"nhbmarket/core/types"
	nativecommon "nhbmarket/native/common"
	"nhbmarket/native/marketplace"
	"nhbmarket/storage"
)

var errInjected = errors.New("injected ledger failure")

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type fixture struct {
	t          *testing.T
	mgr        *state.Manager
	engine     *marketplace.Engine
	recorder   *events.Recorder
	admin      [20]byte
	maker      [20]byte
	taker      [20]byte
	registry   [20]byte
	treasury   [20]byte
	rewardMint [20]byte
	asset      [20]byte
	collection [20]byte
}

func newFixture(t *testing.T, fee uint16) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	f := &fixture{
		t:          t,
		mgr:        state.NewManager(db),
		engine:     marketplace.NewEngine(),
		recorder:   &events.Recorder{},
		admin:      newTestAddress(0x01),
		maker:      newTestAddress(0x02),
		taker:      newTestAddress(0x03),
		asset:      newTestAddress(0xA1),
		collection: newTestAddress(0xC1),
	}
	f.engine.SetState(f.mgr)
	f.engine.SetEmitter(f.recorder)

	_, registry, err := f.engine.Initialize(f.admin, "toys", fee)
	require.NoError(t, err)
	f.registry = registry
	f.treasury, _, err = marketplace.TreasuryAddress(registry)
	require.NoError(t, err)
	f.rewardMint, _, err = marketplace.RewardMintAddress(registry)
	require.NoError(t, err)
	require.NoError(t, f.mgr.CreateMint(f.collection, 0, f.admin, f.admin))
	f.issue(f.asset, f.collection, true)
	require.NoError(t, f.mgr.Credit(f.taker, big.NewInt(10_000)))
	f.recorder.Reset()
	return f
}

func (f *fixture) issue(mint, collection [20]byte, verified bool) {
	f.t.Helper()
	meta := types.AssetMetadata{Name: "asset", Collection: collection, Verified: verified}
	require.NoError(f.t, f.mgr.IssueUniqueAsset(mint, f.maker, meta))
}

func (f *fixture) balance(addr [20]byte) int64 {
	f.t.Helper()
	bal, err := f.mgr.Balance(addr)
	require.NoError(f.t, err)
	return bal.Int64()
}

func (f *fixture) tokens(owner, mint [20]byte) int64 {
	f.t.Helper()
	bal, err := f.mgr.TokenBalance(owner, mint)
	require.NoError(f.t, err)
	return bal.Int64()
}

func (f *fixture) hasTokenAccount(owner, mint [20]byte) bool {
	f.t.Helper()
	_, ok, err := f.mgr.TokenAccountGet(owner, mint)
	require.NoError(f.t, err)
	return ok
}

func (f *fixture) listingAddress(mint [20]byte) [20]byte {
	f.t.Helper()
	addr, _, err := marketplace.ListingAddress(f.registry, mint)
	require.NoError(f.t, err)
	return addr
}

func (f *fixture) assertNoListing(mint [20]byte) {
	f.t.Helper()
	addr := f.listingAddress(mint)
	_, ok, err := f.mgr.ListingGet(addr)
	require.NoError(f.t, err)
	require.False(f.t, ok, "listing still present")
	require.False(f.t, f.hasTokenAccount(addr, mint), "vault still present")
}

// assertListed checks the listing record and its one-unit vault are intact.
func (f *fixture) assertListed(mint [20]byte) {
	f.t.Helper()
	_, _, err := f.engine.Listing(f.registry, mint)
	require.NoError(f.t, err)
	require.Equal(f.t, int64(1), f.tokens(f.listingAddress(mint), mint))
}

func (f *fixture) list(price uint64) {
	f.t.Helper()
	_, err := f.engine.List(f.maker, f.registry, f.asset, f.collection, price)
	require.NoError(f.t, err)
}

func TestPurchaseScenarioToys(t *testing.T) {
	f := newFixture(t, 100)
	f.list(1000)

	makerBefore := f.balance(f.maker)
	treasuryBefore := f.balance(f.treasury)
	takerBefore := f.balance(f.taker)

	receipt, err := f.engine.Purchase(f.taker, f.registry, f.asset)
	require.NoError(t, err)
	require.Equal(t, int64(900), f.balance(f.maker)-makerBefore)
	require.Equal(t, int64(100), f.balance(f.treasury)-treasuryBefore)
	require.Equal(t, int64(1000), takerBefore-f.balance(f.taker))
	require.Equal(t, int64(1), f.tokens(f.taker, f.asset))
	require.Equal(t, int64(1), f.tokens(f.taker, f.rewardMint))
	f.assertNoListing(f.asset)
	require.Equal(t, marketplace.Settlement{Price: 1000, Fee: 100, MakerProceeds: 900}, receipt.Settlement)

	evts := f.recorder.Events()
	require.Len(t, evts, 2)
	require.Equal(t, marketplace.EventTypeListingPurchased, evts[1].EventType())
}

func TestPurchaseConservation(t *testing.T) {
	cases := []struct {
		name  string
		fee   uint16
		price uint64
	}{
		{name: "price equals fee", fee: 250, price: 250},
		{name: "zero fee", fee: 0, price: 777},
		{name: "max fee", fee: 65535, price: 70_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.fee)
			require.NoError(t, f.mgr.Credit(f.taker, new(big.Int).SetUint64(tc.price)))
			f.list(tc.price)
			makerBefore := f.balance(f.maker)
			treasuryBefore := f.balance(f.treasury)
			_, err := f.engine.Purchase(f.taker, f.registry, f.asset)
			require.NoError(t, err)
			require.Equal(t, int64(tc.price-uint64(tc.fee)), f.balance(f.maker)-makerBefore)
			require.Equal(t, int64(tc.fee), f.balance(f.treasury)-treasuryBefore)
		})
	}
}

func TestInitializeRejectsDuplicatesAndLongNames(t *testing.T) {
	f := newFixture(t, 100)
	_, _, err := f.engine.Initialize(f.admin, "toys", 5)
	require.ErrorIs(t, err, marketplace.ErrMarketplaceExists)
	_, _, err = f.engine.Initialize(f.admin, strings.Repeat("n", 33), 5)
	require.ErrorIs(t, err, marketplace.ErrNameTooLong)

	market, registry, err := f.engine.Initialize(f.admin, strings.Repeat("n", 32), 5)
	require.NoError(t, err, "32-byte name should be accepted")
	loaded, loadedAddr, err := f.engine.MarketplaceByName(market.Name)
	require.NoError(t, err)
	require.Equal(t, registry, loadedAddr)
	require.Equal(t, uint16(5), loaded.Fee)
	require.Equal(t, f.admin, loaded.Admin)

	mint, ok, err := f.mgr.MintGet(f.rewardMint)
	require.NoError(t, err)
	require.True(t, ok, "reward mint missing")
	require.Equal(t, uint8(marketplace.RewardDecimals), mint.Decimals)
	require.Equal(t, f.registry, mint.MintAuthority)
}

func TestInitializeRequiresRentFunds(t *testing.T) {
	f := newFixture(t, 100)
	f.mgr.SetRentDeposit(big.NewInt(10))
	poor := newTestAddress(0x0A)
	require.NoError(t, f.mgr.Credit(poor, big.NewInt(19)))

	_, _, err := f.engine.Initialize(poor, "games", 5)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)
	_, _, err = f.engine.MarketplaceByName("games")
	require.ErrorIs(t, err, marketplace.ErrMarketplaceNotFound)

	require.NoError(t, f.mgr.Credit(poor, big.NewInt(1)))
	_, _, err = f.engine.Initialize(poor, "games", 5)
	require.NoError(t, err)
	require.Zero(t, f.balance(poor))
}

func TestListCollectionGate(t *testing.T) {
	f := newFixture(t, 100)
	other := newTestAddress(0xC2)
	require.NoError(t, f.mgr.CreateMint(other, 0, f.admin, f.admin))
	unverified := newTestAddress(0xA2)
	f.issue(unverified, f.collection, false)

	_, err := f.engine.List(f.maker, f.registry, f.asset, other, 1000)
	require.ErrorIs(t, err, marketplace.ErrInvalidCollection)
	_, err = f.engine.List(f.maker, f.registry, unverified, f.collection, 1000)
	require.ErrorIs(t, err, marketplace.ErrUnverifiedCollection)
	require.Equal(t, "UnverifedCollection", marketplace.Code(marketplace.ErrUnverifiedCollection))

	f.assertNoListing(f.asset)
	f.assertNoListing(unverified)
	require.Equal(t, int64(1), f.tokens(f.maker, f.asset))
	require.Equal(t, int64(1), f.tokens(f.maker, unverified))
}

func TestListRequiresHeldUniqueAsset(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.engine.List(f.taker, f.registry, f.asset, f.collection, 1000)
	require.ErrorIs(t, err, marketplace.ErrAssetNotHeld)
	_, err = f.engine.List(f.maker, f.registry, f.rewardMint, f.collection, 1000)
	require.ErrorIs(t, err, marketplace.ErrNotUniqueAsset)
	_, err = f.engine.List(f.maker, f.registry, f.asset, f.collection, 0)
	require.ErrorIs(t, err, marketplace.ErrInvalidPrice)
	_, err = f.engine.List(f.maker, f.registry, f.asset, f.collection, 99)
	require.ErrorIs(t, err, marketplace.ErrPriceBelowFee)

	f.list(1000)
	_, err = f.engine.List(f.maker, f.registry, f.asset, f.collection, 1000)
	require.ErrorIs(t, err, marketplace.ErrAssetNotHeld, "relist should fail")
}

func TestListEscrowsIntoVault(t *testing.T) {
	f := newFixture(t, 100)
	listing, err := f.engine.List(f.maker, f.registry, f.asset, f.collection, 1000)
	require.NoError(t, err)
	addr := f.listingAddress(f.asset)
	require.Equal(t, int64(1), f.tokens(addr, f.asset))
	require.Zero(t, f.tokens(f.maker, f.asset))

	stored, storedAddr, err := f.engine.Listing(f.registry, f.asset)
	require.NoError(t, err)
	require.Equal(t, addr, storedAddr)
	require.Equal(t, *listing, *stored)

	quote, err := f.engine.Quote(f.registry, f.asset)
	require.NoError(t, err)
	require.Equal(t, uint64(900), quote.MakerProceeds)
	require.Equal(t, uint64(100), quote.Fee)
}

func TestListRequiresRentFunds(t *testing.T) {
	f := newFixture(t, 100)
	f.mgr.SetRentDeposit(big.NewInt(10))
	require.NoError(t, f.mgr.Credit(f.maker, big.NewInt(15)))

	_, err := f.engine.List(f.maker, f.registry, f.asset, f.collection, 1000)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)
	require.Equal(t, marketplace.KindValidation, marketplace.Kind(err))
	f.assertNoListing(f.asset)
	require.Equal(t, int64(15), f.balance(f.maker))
	require.Equal(t, int64(1), f.tokens(f.maker, f.asset))
}

func TestListDelistRoundTrip(t *testing.T) {
	f := newFixture(t, 100)
	f.mgr.SetRentDeposit(big.NewInt(10))
	require.NoError(t, f.mgr.Credit(f.maker, big.NewInt(20)))
	before := f.balance(f.maker)

	f.list(1000)
	require.Equal(t, before-20, f.balance(f.maker), "maker should pay listing and vault rent")
	require.NoError(t, f.engine.Delist(f.maker, f.registry, f.asset))
	require.Equal(t, int64(1), f.tokens(f.maker, f.asset))
	require.Equal(t, before, f.balance(f.maker), "rent not reclaimed")
	f.assertNoListing(f.asset)
}

func TestDelistByNonMakerFails(t *testing.T) {
	f := newFixture(t, 100)
	f.list(1000)
	pending := f.mgr.Pending()
	err := f.engine.Delist(f.taker, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrUnauthorized)
	require.Equal(t, pending, f.mgr.Pending(), "failed delist touched state")
	f.assertListed(f.asset)

	err = f.engine.Delist(f.maker, f.registry, newTestAddress(0xEE))
	require.ErrorIs(t, err, marketplace.ErrListingNotFound)
}

func TestPurchaseFeeBoundBeforeTransfers(t *testing.T) {
	f := newFixture(t, 100)
	// Plant a listing priced below the fee directly in the ledger.
	addr, bump, err := marketplace.ListingAddress(f.registry, f.asset)
	require.NoError(t, err)
	listing := &marketplace.Listing{Maker: f.maker, Mint: f.asset, Price: 50, Bump: bump}
	require.NoError(t, f.mgr.ListingCreate(addr, listing, f.maker))
	require.NoError(t, f.mgr.OpenTokenAccount(addr, f.asset, f.maker))
	require.NoError(t, f.mgr.TransferToken(f.maker, addr, f.asset, big.NewInt(1), types.SignerAuthority(f.maker)))

	takerBefore := f.balance(f.taker)
	_, err = f.engine.Purchase(f.taker, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrPriceBelowFee)
	require.Equal(t, marketplace.KindArithmetic, marketplace.Kind(err))
	require.Equal(t, takerBefore, f.balance(f.taker))
	require.Zero(t, f.balance(f.maker))
}

func TestPurchasePreconditions(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.engine.Purchase(f.taker, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrListingNotFound)

	f.list(1000)
	_, err = f.engine.Purchase(f.maker, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrSelfPurchase)

	poor := newTestAddress(0x09)
	require.NoError(t, f.mgr.Credit(poor, big.NewInt(999)))
	_, err = f.engine.Purchase(poor, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)

	_, err = f.engine.Purchase(f.taker, newTestAddress(0x44), f.asset)
	require.ErrorIs(t, err, marketplace.ErrMarketplaceNotFound)
}

func TestPurchaseCountsRentForOpenedAccounts(t *testing.T) {
	f := newFixture(t, 100)
	f.mgr.SetRentDeposit(big.NewInt(10))
	require.NoError(t, f.mgr.Credit(f.maker, big.NewInt(20)))
	f.list(1000)

	// Enough for the price alone, short of the asset and reward account rent.
	buyer := newTestAddress(0x0B)
	require.NoError(t, f.mgr.Credit(buyer, big.NewInt(1000)))
	_, err := f.engine.Purchase(buyer, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)
	require.Equal(t, int64(1000), f.balance(buyer))
	f.assertListed(f.asset)

	require.NoError(t, f.mgr.Credit(buyer, big.NewInt(19)))
	_, err = f.engine.Purchase(buyer, f.registry, f.asset)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)

	require.NoError(t, f.mgr.Credit(buyer, big.NewInt(1)))
	_, err = f.engine.Purchase(buyer, f.registry, f.asset)
	require.NoError(t, err)
	require.Zero(t, f.balance(buyer))
	require.Equal(t, int64(1), f.tokens(buyer, f.asset))
	require.Equal(t, int64(1), f.tokens(buyer, f.rewardMint))
}

// faultyState fails the selected ledger call after the preceding steps of an
// operation have already written to the overlay.
type faultyState struct {
	*state.Manager
	failMint         bool
	failTransfer     bool
	failClose        bool
	failListingClose bool
}

func (s *faultyState) MintTo(mint, owner [20]byte, amount *big.Int, auth types.Authority) error {
	if s.failMint {
		return errInjected
	}
	return s.Manager.MintTo(mint, owner, amount, auth)
}

func (s *faultyState) TransferToken(from, to, mint [20]byte, amount *big.Int, auth types.Authority) error {
	if s.failTransfer {
		return errInjected
	}
	return s.Manager.TransferToken(from, to, mint, amount, auth)
}

func (s *faultyState) CloseTokenAccount(owner, mint, reclaimTo [20]byte, auth types.Authority) error {
	if s.failClose {
		return errInjected
	}
	return s.Manager.CloseTokenAccount(owner, mint, reclaimTo, auth)
}

func (s *faultyState) ListingClose(addr, reclaimTo [20]byte) error {
	if s.failListingClose {
		return errInjected
	}
	return s.Manager.ListingClose(addr, reclaimTo)
}

func TestPurchaseFailureRollsBackEverything(t *testing.T) {
	cases := []struct {
		name   string
		faulty faultyState
	}{
		{name: "reward mint", faulty: faultyState{failMint: true}},
		{name: "asset release after payments", faulty: faultyState{failTransfer: true}},
		{name: "vault close", faulty: faultyState{failClose: true}},
		{name: "listing close", faulty: faultyState{failListingClose: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 100)
			f.mgr.SetRentDeposit(big.NewInt(10))
			require.NoError(t, f.mgr.Credit(f.maker, big.NewInt(20)))
			f.list(1000)
			faulty := tc.faulty
			faulty.Manager = f.mgr
			f.engine.SetState(&faulty)
			f.recorder.Reset()

			makerBefore := f.balance(f.maker)
			takerBefore := f.balance(f.taker)
			treasuryBefore := f.balance(f.treasury)

			_, err := f.engine.Purchase(f.taker, f.registry, f.asset)
			require.ErrorIs(t, err, errInjected)
			require.Equal(t, makerBefore, f.balance(f.maker))
			require.Equal(t, takerBefore, f.balance(f.taker))
			require.Equal(t, treasuryBefore, f.balance(f.treasury))
			require.False(t, f.hasTokenAccount(f.taker, f.asset), "taker asset account survived")
			require.False(t, f.hasTokenAccount(f.taker, f.rewardMint), "taker reward account survived")
			f.assertListed(f.asset)
			require.Empty(t, f.recorder.Events())
		})
	}
}

func TestDelistFailureRollsBackEverything(t *testing.T) {
	cases := []struct {
		name   string
		faulty faultyState
	}{
		{name: "vault close after return", faulty: faultyState{failClose: true}},
		{name: "listing close", faulty: faultyState{failListingClose: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 100)
			f.mgr.SetRentDeposit(big.NewInt(10))
			require.NoError(t, f.mgr.Credit(f.maker, big.NewInt(20)))
			f.list(1000)
			faulty := tc.faulty
			faulty.Manager = f.mgr
			f.engine.SetState(&faulty)
			f.recorder.Reset()
			makerBefore := f.balance(f.maker)

			err := f.engine.Delist(f.maker, f.registry, f.asset)
			require.ErrorIs(t, err, errInjected)
			f.assertListed(f.asset)
			require.Zero(t, f.tokens(f.maker, f.asset))
			require.Equal(t, makerBefore, f.balance(f.maker), "rent refunded by failed delist")
			require.Empty(t, f.recorder.Events())
		})
	}
}

func TestListDepositFailureLeavesNoListing(t *testing.T) {
	f := newFixture(t, 100)
	f.engine.SetState(&faultyState{Manager: f.mgr, failTransfer: true})
	_, err := f.engine.List(f.maker, f.registry, f.asset, f.collection, 1000)
	require.ErrorIs(t, err, errInjected)
	f.assertNoListing(f.asset)
	require.Equal(t, int64(1), f.tokens(f.maker, f.asset))
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	f := newFixture(t, 100)
	pauses := nativecommon.NewPauses("marketplace")
	f.engine.SetPauses(pauses)
	_, err := f.engine.List(f.maker, f.registry, f.asset, f.collection, 1000)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	pauses.Set("marketplace", false)
	f.list(1000)
}
