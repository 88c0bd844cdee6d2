// Package seed loads devnet genesis fixtures for marketd: native balances,
// collection mints and verified unique assets.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	nhbstate "nhbmarket/core/state"
	"nhbmarket/core/types"
	"nhbmarket/crypto"
)

// ErrAlreadyApplied reports that a different seed was committed earlier.
var ErrAlreadyApplied = errors.New("seed: ledger already seeded with different fixtures")

var appliedKey = ethcrypto.Keccak256([]byte("marketd/seed/applied"))

type Balance struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

type Collection struct {
	Address   string `yaml:"address"`
	Authority string `yaml:"authority"`
}

type Asset struct {
	Mint       string `yaml:"mint"`
	Owner      string `yaml:"owner"`
	Name       string `yaml:"name"`
	URI        string `yaml:"uri"`
	Collection string `yaml:"collection"`
	Verified   bool   `yaml:"verified"`
}

// File is the YAML document marketd reads at boot.
type File struct {
	Balances    []Balance    `yaml:"balances"`
	Collections []Collection `yaml:"collections"`
	Assets      []Asset      `yaml:"assets"`

	digest []byte
}

// Load reads and decodes the seed at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a seed document. Unknown keys are rejected.
func Parse(raw []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	f.digest = ethcrypto.Keccak256(raw)
	return &f, nil
}

func parseAddr(field, raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s %q: %w", field, raw, err)
	}
	return addr.Array(), nil
}

// Apply writes the fixtures through st. A ledger is seeded at most once:
// re-applying the same document is a no-op and returns false.
func (f *File) Apply(st *nhbstate.Manager) (bool, error) {
	var prior []byte
	found, err := st.KVGet(appliedKey, &prior)
	if err != nil {
		return false, err
	}
	if found {
		if !bytes.Equal(prior, f.digest) {
			return false, ErrAlreadyApplied
		}
		return false, nil
	}

	for i, b := range f.Balances {
		addr, err := parseAddr("balance address", b.Address)
		if err != nil {
			return false, fmt.Errorf("balances[%d]: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(b.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return false, fmt.Errorf("balances[%d]: invalid amount %q", i, b.Amount)
		}
		if err := st.Credit(addr, amount); err != nil {
			return false, fmt.Errorf("balances[%d]: %w", i, err)
		}
	}
	for i, c := range f.Collections {
		mint, err := parseAddr("collection address", c.Address)
		if err != nil {
			return false, fmt.Errorf("collections[%d]: %w", i, err)
		}
		authority, err := parseAddr("collection authority", c.Authority)
		if err != nil {
			return false, fmt.Errorf("collections[%d]: %w", i, err)
		}
		if err := st.CreateMint(mint, 0, authority, authority); err != nil {
			return false, fmt.Errorf("collections[%d]: %w", i, err)
		}
	}
	for i, a := range f.Assets {
		mint, err := parseAddr("asset mint", a.Mint)
		if err != nil {
			return false, fmt.Errorf("assets[%d]: %w", i, err)
		}
		owner, err := parseAddr("asset owner", a.Owner)
		if err != nil {
			return false, fmt.Errorf("assets[%d]: %w", i, err)
		}
		meta := types.AssetMetadata{Name: a.Name, URI: a.URI, Verified: a.Verified}
		if strings.TrimSpace(a.Collection) != "" {
			if meta.Collection, err = parseAddr("asset collection", a.Collection); err != nil {
				return false, fmt.Errorf("assets[%d]: %w", i, err)
			}
		}
		if err := st.IssueUniqueAsset(mint, owner, meta); err != nil {
			return false, fmt.Errorf("assets[%d]: %w", i, err)
		}
	}
	if err := st.KVPut(appliedKey, f.digest); err != nil {
		return false, err
	}
	return true, nil
}
