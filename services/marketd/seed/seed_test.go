package seed

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	nhbstate "nhbmarket/core/state"
	"nhbmarket/crypto"
	"nhbmarket/storage"
)

func addr(b byte) string {
	return crypto.MustNewAddress([20]byte{b}).String()
}

func fixture() string {
	return fmt.Sprintf(`balances:
  - address: %s
    amount: "10000"
collections:
  - address: %s
    authority: %s
assets:
  - mint: %s
    owner: %s
    name: Rocket
    uri: ipfs://rocket
    collection: %s
    verified: true
`, addr(0x03), addr(0xC1), addr(0x01), addr(0xA1), addr(0x02), addr(0xC1))
}

func TestLoadAndApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture()), 0o600))
	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Assets, 1)

	st := nhbstate.NewManager(storage.NewMemDB())
	applied, err := f.Apply(st)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, st.Commit())

	balance, err := st.Balance([20]byte{0x03})
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance.Int64())
	held, err := st.TokenBalance([20]byte{0x02}, [20]byte{0xA1})
	require.NoError(t, err)
	require.Equal(t, int64(1), held.Int64())
	meta, ok, err := st.AssetMetadata([20]byte{0xA1})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, meta.Verified)
	require.Equal(t, [20]byte{0xC1}, meta.Collection)

	applied, err = f.Apply(st)
	require.NoError(t, err)
	require.False(t, applied)
	balance, err = st.Balance([20]byte{0x03})
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance.Int64())

	other, err := Parse([]byte("balances: []\n"))
	require.NoError(t, err)
	_, err = other.Apply(st)
	require.ErrorIs(t, err, ErrAlreadyApplied)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte("balance: []\n"))
	require.Error(t, err)

	f, err := Parse([]byte("balances:\n  - address: nope\n    amount: \"1\"\n"))
	require.NoError(t, err)
	_, err = f.Apply(nhbstate.NewManager(storage.NewMemDB()))
	require.ErrorContains(t, err, "balances[0]")

	f, err = Parse([]byte(fmt.Sprintf("balances:\n  - address: %s\n    amount: \"-5\"\n", addr(0x03))))
	require.NoError(t, err)
	_, err = f.Apply(nhbstate.NewManager(storage.NewMemDB()))
	require.ErrorContains(t, err, "invalid amount")
}
