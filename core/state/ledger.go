package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"nhbmarket/core/types"
	"nhbmarket/crypto"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountNotEmpty     = errors.New("ledger: account not empty")
	ErrInvalidAuthority    = errors.New("ledger: authority cannot be proven")
	ErrInvalidAmount       = errors.New("ledger: amount must be non-negative")
	ErrBalanceOverflow     = errors.New("ledger: balance exceeds 256 bits")
	ErrNonceMismatch       = errors.New("ledger: nonce mismatch")
)

var (
	accountPrefix  = []byte("account:")
	mintPrefix     = []byte("mint:")
	tokenPrefix    = []byte("token:")
	metadataPrefix = []byte("metadata:")
	rentPrefix     = []byte("rent:")
)

func accountKey(addr [20]byte) []byte { return kvKey(accountPrefix, addr[:]) }

func mintKey(addr [20]byte) []byte { return kvKey(mintPrefix, addr[:]) }

func tokenKey(owner, mint [20]byte) []byte { return kvKey(tokenPrefix, owner[:], mint[:]) }

func metadataKey(mint [20]byte) []byte { return kvKey(metadataPrefix, mint[:]) }

func rentKey(recordKey []byte) []byte { return kvKey(rentPrefix, recordKey) }

func validAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(amount), nil
}

// verifyAuthority checks that auth speaks for owner. Signer authorities are
// trusted as-is because the request layer has already verified the caller's
// signature. Derived authorities must re-derive to the owner.
func verifyAuthority(owner [20]byte, auth types.Authority) error {
	if auth.Address != owner {
		return ErrInvalidAuthority
	}
	if !auth.Derived {
		return nil
	}
	derived, err := crypto.CreateDerivedAddress(auth.Seeds, auth.Bump, auth.Program)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthority, err)
	}
	if derived != owner {
		return ErrInvalidAuthority
	}
	return nil
}

// --- Native balances ---

// GetAccount returns the native account for addr, zero-valued if absent.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	acc := new(types.Account)
	if _, err := m.KVGet(accountKey(addr), acc); err != nil {
		return nil, err
	}
	if acc.BalanceNHB == nil {
		acc.BalanceNHB = big.NewInt(0)
	}
	return acc, nil
}

// PutAccount stores the native account for addr.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("ledger: nil account")
	}
	if acc.BalanceNHB == nil {
		acc.BalanceNHB = big.NewInt(0)
	}
	if acc.BalanceNHB.Sign() < 0 {
		return ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(acc.BalanceNHB); overflow {
		return ErrBalanceOverflow
	}
	return m.KVPut(accountKey(addr), acc)
}

// Balance returns the native balance of addr.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.BalanceNHB), nil
}

// Nonce returns the next request nonce expected from addr.
func (m *Manager) Nonce(addr [20]byte) (uint64, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

// ConsumeNonce advances the account nonce when nonce is the expected value.
// Signed requests carry the nonce so a captured request cannot be replayed.
func (m *Manager) ConsumeNonce(addr [20]byte, nonce uint64) error {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.Nonce != nonce {
		return fmt.Errorf("%w: expected %d got %d", ErrNonceMismatch, acc.Nonce, nonce)
	}
	acc.Nonce++
	return m.PutAccount(addr, acc)
}

// Credit adds amount to addr. It is an issuance primitive used by genesis
// and faucets, never by the marketplace itself.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.BalanceNHB = new(big.Int).Add(acc.BalanceNHB, amt)
	return m.PutAccount(addr, acc)
}

func (m *Manager) debit(addr [20]byte, amount *big.Int) error {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.BalanceNHB.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, acc.BalanceNHB, amount)
	}
	acc.BalanceNHB = new(big.Int).Sub(acc.BalanceNHB, amount)
	return m.PutAccount(addr, acc)
}

// Transfer moves native balance between accounts.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 || from == to {
		return nil
	}
	if err := m.debit(from, amt); err != nil {
		return err
	}
	return m.Credit(to, amt)
}

// --- Rent ---

func (m *Manager) chargeRent(recordKey []byte, payer [20]byte) error {
	if m.rentDeposit.Sign() == 0 {
		return nil
	}
	if err := m.debit(payer, m.rentDeposit); err != nil {
		return err
	}
	return m.KVPut(rentKey(recordKey), m.rentDeposit)
}

func (m *Manager) refundRent(recordKey []byte, reclaimTo [20]byte) error {
	deposit := new(big.Int)
	ok, err := m.KVGet(rentKey(recordKey), deposit)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.KVDelete(rentKey(recordKey))
	return m.Credit(reclaimTo, deposit)
}

// --- Mints ---

// MintGet returns the mint at addr.
func (m *Manager) MintGet(addr [20]byte) (*types.Mint, bool, error) {
	mint := new(types.Mint)
	ok, err := m.KVGet(mintKey(addr), mint)
	if err != nil || !ok {
		return nil, false, err
	}
	if mint.Supply == nil {
		mint.Supply = big.NewInt(0)
	}
	return mint, true, nil
}

// CreateMint allocates a new mint controlled by authority.
func (m *Manager) CreateMint(addr [20]byte, decimals uint8, authority [20]byte, payer [20]byte) error {
	key := mintKey(addr)
	if _, exists, err := m.get(key); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: mint %s", ErrAccountExists, crypto.MustNewAddress(addr))
	}
	if err := m.chargeRent(key, payer); err != nil {
		return err
	}
	return m.KVPut(key, &types.Mint{Address: addr, Decimals: decimals, Supply: big.NewInt(0), MintAuthority: authority})
}

// MintTo issues amount units of mint into owner's token account, which must
// already exist.
func (m *Manager) MintTo(mintAddr, owner [20]byte, amount *big.Int, auth types.Authority) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	mint, ok, err := m.MintGet(mintAddr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: mint", ErrAccountNotFound)
	}
	if err := verifyAuthority(mint.MintAuthority, auth); err != nil {
		return err
	}
	acct, ok, err := m.TokenAccountGet(owner, mintAddr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: destination token account", ErrAccountNotFound)
	}
	acct.Amount = new(big.Int).Add(acct.Amount, amt)
	mint.Supply = new(big.Int).Add(mint.Supply, amt)
	if err := m.KVPut(tokenKey(owner, mintAddr), acct); err != nil {
		return err
	}
	return m.KVPut(mintKey(mintAddr), mint)
}

// --- Token accounts ---

// TokenAccountGet returns the custody account of owner for mint.
func (m *Manager) TokenAccountGet(owner, mint [20]byte) (*types.TokenAccount, bool, error) {
	acct := new(types.TokenAccount)
	ok, err := m.KVGet(tokenKey(owner, mint), acct)
	if err != nil || !ok {
		return nil, false, err
	}
	if acct.Amount == nil {
		acct.Amount = big.NewInt(0)
	}
	return acct, true, nil
}

// TokenBalance returns the units of mint held by owner; zero when the
// account does not exist.
func (m *Manager) TokenBalance(owner, mint [20]byte) (*big.Int, error) {
	acct, ok, err := m.TokenAccountGet(owner, mint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(acct.Amount), nil
}

// OpenTokenAccount allocates an empty custody account, charging rent to payer.
func (m *Manager) OpenTokenAccount(owner, mint, payer [20]byte) error {
	if _, ok, err := m.MintGet(mint); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: mint", ErrAccountNotFound)
	}
	key := tokenKey(owner, mint)
	if _, exists, err := m.get(key); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: token account", ErrAccountExists)
	}
	if err := m.chargeRent(key, payer); err != nil {
		return err
	}
	return m.KVPut(key, &types.TokenAccount{Owner: owner, Mint: mint, Amount: big.NewInt(0)})
}

// EnsureTokenAccount opens the account unless it already exists.
func (m *Manager) EnsureTokenAccount(owner, mint, payer [20]byte) error {
	if _, ok, err := m.TokenAccountGet(owner, mint); err != nil {
		return err
	} else if ok {
		return nil
	}
	return m.OpenTokenAccount(owner, mint, payer)
}

// CloseTokenAccount removes an empty account and returns its rent deposit to
// reclaimTo.
func (m *Manager) CloseTokenAccount(owner, mint, reclaimTo [20]byte, auth types.Authority) error {
	if err := verifyAuthority(owner, auth); err != nil {
		return err
	}
	acct, ok, err := m.TokenAccountGet(owner, mint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: token account", ErrAccountNotFound)
	}
	if acct.Amount.Sign() != 0 {
		return ErrAccountNotEmpty
	}
	key := tokenKey(owner, mint)
	m.KVDelete(key)
	return m.refundRent(key, reclaimTo)
}

// TransferToken moves units of mint between two existing custody accounts.
func (m *Manager) TransferToken(fromOwner, toOwner, mint [20]byte, amount *big.Int, auth types.Authority) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	if err := verifyAuthority(fromOwner, auth); err != nil {
		return err
	}
	src, ok, err := m.TokenAccountGet(fromOwner, mint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: source token account", ErrAccountNotFound)
	}
	dst, ok, err := m.TokenAccountGet(toOwner, mint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: destination token account", ErrAccountNotFound)
	}
	if src.Amount.Cmp(amt) < 0 {
		return fmt.Errorf("%w: token", ErrInsufficientBalance)
	}
	if fromOwner == toOwner {
		return nil
	}
	src.Amount = new(big.Int).Sub(src.Amount, amt)
	dst.Amount = new(big.Int).Add(dst.Amount, amt)
	if err := m.KVPut(tokenKey(fromOwner, mint), src); err != nil {
		return err
	}
	return m.KVPut(tokenKey(toOwner, mint), dst)
}

// --- Metadata ---

// PutAssetMetadata stores the metadata record of a unique asset.
func (m *Manager) PutAssetMetadata(meta *types.AssetMetadata) error {
	if meta == nil {
		return fmt.Errorf("ledger: nil metadata")
	}
	return m.KVPut(metadataKey(meta.Mint), meta)
}

// AssetMetadata returns the metadata record of mint.
func (m *Manager) AssetMetadata(mint [20]byte) (*types.AssetMetadata, bool, error) {
	meta := new(types.AssetMetadata)
	ok, err := m.KVGet(metadataKey(mint), meta)
	if err != nil || !ok {
		return nil, false, err
	}
	return meta, true, nil
}

// IssueUniqueAsset creates a zero-decimal mint, mints its single unit to owner
// and records its metadata. The mint authority is revoked afterwards so the
// supply stays at one.
func (m *Manager) IssueUniqueAsset(mint, owner [20]byte, meta types.AssetMetadata) error {
	if err := m.CreateMint(mint, 0, owner, owner); err != nil {
		return err
	}
	if err := m.OpenTokenAccount(owner, mint, owner); err != nil {
		return err
	}
	if err := m.MintTo(mint, owner, big.NewInt(1), types.SignerAuthority(owner)); err != nil {
		return err
	}
	issued, _, err := m.MintGet(mint)
	if err != nil {
		return err
	}
	issued.MintAuthority = [20]byte{}
	if err := m.KVPut(mintKey(mint), issued); err != nil {
		return err
	}
	meta.Mint = mint
	return m.PutAssetMetadata(&meta)
}
