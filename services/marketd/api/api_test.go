package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbmarket/crypto"
)

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	req, err := Sign(key, OpPurchase, 7, ListingRef{Marketplace: "nhb1market", Mint: "nhb1mint"})
	require.NoError(t, err)

	signer, err := req.Verify(OpPurchase)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Array(), signer)

	var ref ListingRef
	require.NoError(t, req.Decode(&ref))
	require.Equal(t, "nhb1mint", ref.Mint)
}

func TestVerifyRejectsTampering(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	req, err := Sign(key, OpList, 1, ListRequest{Mint: "nhb1mint", Price: 10})
	require.NoError(t, err)

	wrongOp := *req
	_, err = wrongOp.Verify(OpDelist)
	require.ErrorIs(t, err, ErrSignerMismatch)

	bumped := *req
	bumped.Nonce = 2
	_, err = bumped.Verify(OpList)
	require.ErrorIs(t, err, ErrSignerMismatch)

	edited := *req
	edited.Payload = json.RawMessage(`{"mint":"nhb1mint","price":"1"}`)
	_, err = edited.Verify(OpList)
	require.ErrorIs(t, err, ErrSignerMismatch)

	impostor := *req
	impostor.Signer = other.PubKey().Address().String()
	_, err = impostor.Verify(OpList)
	require.ErrorIs(t, err, ErrSignerMismatch)

	empty := *req
	empty.Payload = nil
	_, err = empty.Verify(OpList)
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestPriceTravelsAsString(t *testing.T) {
	raw, err := json.Marshal(ListRequest{Price: 18446744073709551615})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"price":"18446744073709551615"`)
}
