package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nhbmarket/core"
	"nhbmarket/core/events"
	nhbstate "nhbmarket/core/state"
	"nhbmarket/core/types"
	"nhbmarket/crypto"
	"nhbmarket/indexer"
	nativecommon "nhbmarket/native/common"
	"nhbmarket/services/marketd/api"
	"nhbmarket/storage"
)

const testSecret = "test-admin-secret"

type harness struct {
	t          *testing.T
	srv        *httptest.Server
	server     *Server
	admin      *crypto.PrivateKey
	maker      *crypto.PrivateKey
	taker      *crypto.PrivateKey
	asset      [20]byte
	collection [20]byte
}

func newHarness(t *testing.T, rps float64, burst int) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	market, err := core.NewMarket(db)
	require.NoError(t, err)

	store, err := indexer.Open(filepath.Join(t.TempDir(), "activity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pauses := nativecommon.NewPauses()
	market.SetPauses(pauses)
	server := New(Config{
		RequestsPerSecond: rps,
		RequestBurst:      burst,
		Admin:             AdminConfig{HMACSecret: testSecret, Issuer: "ops"},
		ExportDir:         filepath.Join(t.TempDir(), "exports"),
	}, market, store, pauses, nil)
	market.SetEmitter(events.Fanout{store, server.Stream()})

	h := &harness{t: t, server: server, asset: [20]byte{0xA1}, collection: [20]byte{0xC1}}
	for _, key := range []**crypto.PrivateKey{&h.admin, &h.maker, &h.taker} {
		*key, err = crypto.GeneratePrivateKey()
		require.NoError(t, err)
	}
	err = market.Mutate(context.Background(), "seed", func(st *nhbstate.Manager) error {
		if err := st.Credit(h.addr(h.taker), big.NewInt(10_000)); err != nil {
			return err
		}
		if err := st.CreateMint(h.collection, 0, h.addr(h.admin), h.addr(h.admin)); err != nil {
			return err
		}
		return st.IssueUniqueAsset(h.asset, h.addr(h.maker), types.AssetMetadata{Collection: h.collection, Verified: true})
	})
	require.NoError(t, err)

	h.srv = httptest.NewServer(server.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) addr(key *crypto.PrivateKey) [20]byte {
	return key.PubKey().Address().Array()
}

func (h *harness) signed(path string, key *crypto.PrivateKey, op string, nonce uint64, payload any) *http.Response {
	h.t.Helper()
	req, err := api.Sign(key, op, nonce, payload)
	require.NoError(h.t, err)
	return h.post(path, req, nil)
}

func (h *harness) post(path string, body any, header http.Header) *http.Response {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(raw))
	require.NoError(h.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(path string, out any) int {
	h.t.Helper()
	resp, err := h.srv.Client().Get(h.srv.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *harness) initialize(name string, fee uint16) api.MarketplaceResponse {
	h.t.Helper()
	resp := h.signed("/v1/marketplaces", h.admin, api.OpInitialize, 0, api.InitializeRequest{Name: name, Fee: fee})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decode[api.MarketplaceResponse](h.t, resp)
}

func (h *harness) listRequest(registry string, price uint64) api.ListRequest {
	return api.ListRequest{
		Marketplace: registry,
		Mint:        addressString(h.asset),
		Collection:  addressString(h.collection),
		Price:       price,
	}
}

func adminToken(t *testing.T, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "ops",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestPurchaseFlowOverHTTP(t *testing.T) {
	h := newHarness(t, 0, 1)
	market := h.initialize("toys", 100)
	require.Equal(t, "toys", market.Name)

	var fetched api.MarketplaceResponse
	require.Equal(t, http.StatusOK, h.get("/v1/marketplaces/toys", &fetched))
	require.Equal(t, market, fetched)
	require.Equal(t, http.StatusOK, h.get("/v1/marketplaces/"+market.Address, &fetched))

	resp := h.signed("/v1/listings", h.maker, api.OpList, 0, h.listRequest(market.Address, 1000))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	listing := decode[api.ListingResponse](t, resp)
	require.Equal(t, uint64(1000), listing.Price)

	mint := addressString(h.asset)
	var quote api.QuoteResponse
	require.Equal(t, http.StatusOK, h.get("/v1/marketplaces/toys/listings/"+mint+"/quote", &quote))
	require.Equal(t, api.QuoteResponse{Price: 1000, Fee: 100, MakerProceeds: 900}, quote)

	var active []indexer.ActiveListing
	require.Equal(t, http.StatusOK, h.get("/v1/marketplaces/toys/listings", &active))
	require.Len(t, active, 1)

	ref := api.ListingRef{Marketplace: market.Address, Mint: mint}
	resp = h.signed("/v1/listings/"+mint+"/purchase", h.taker, api.OpPurchase, 0, ref)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decode[api.ReceiptResponse](t, resp)
	require.Equal(t, uint64(900), receipt.Settlement.MakerProceeds)
	require.Equal(t, uint64(1), receipt.Reward)

	var maker api.AccountResponse
	require.Equal(t, http.StatusOK, h.get("/v1/accounts/"+addressString(h.addr(h.maker)), &maker))
	require.Equal(t, "900", maker.Balance)
	var taker api.AccountResponse
	require.Equal(t, http.StatusOK, h.get("/v1/accounts/"+addressString(h.addr(h.taker)), &taker))
	require.Equal(t, "9000", taker.Balance)
	require.Equal(t, uint64(1), taker.Nonce)

	require.Equal(t, http.StatusNotFound, h.get("/v1/marketplaces/toys/listings/"+mint, nil))
	require.Equal(t, http.StatusOK, h.get("/v1/marketplaces/toys/listings", &active))
	require.Empty(t, active)

	var activity []indexer.Activity
	require.Equal(t, http.StatusOK, h.get("/v1/marketplaces/toys/activity?limit=10", &activity))
	require.Len(t, activity, 3)
	require.Equal(t, "marketplace.listing.purchased", activity[0].Type)
}

func TestSignedRequestRejections(t *testing.T) {
	h := newHarness(t, 0, 1)
	market := h.initialize("toys", 100)

	// Replayed envelope.
	resp := h.signed("/v1/marketplaces", h.admin, api.OpInitialize, 0, api.InitializeRequest{Name: "games", Fee: 10})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Signature bound to another operation.
	req, err := api.Sign(h.maker, api.OpDelist, 0, h.listRequest(market.Address, 1000))
	require.NoError(t, err)
	resp = h.post("/v1/listings", req, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Signer field swapped for someone else.
	req, err = api.Sign(h.maker, api.OpList, 0, h.listRequest(market.Address, 1000))
	require.NoError(t, err)
	req.Signer = addressString(h.addr(h.taker))
	resp = h.post("/v1/listings", req, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Zero price is a validation failure that still burns the nonce.
	resp = h.signed("/v1/listings", h.maker, api.OpList, 0, h.listRequest(market.Address, 0))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	require.NotEmpty(t, body.Code)
	var maker api.AccountResponse
	require.Equal(t, http.StatusOK, h.get("/v1/accounts/"+addressString(h.addr(h.maker)), &maker))
	require.Equal(t, uint64(1), maker.Nonce)

	// Body mint must match the path.
	ref := api.ListingRef{Marketplace: market.Address, Mint: addressString(h.asset)}
	resp = h.signed("/v1/listings/"+addressString(h.collection)+"/purchase", h.taker, api.OpPurchase, 0, ref)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.signed("/v1/listings/"+addressString(h.asset)+"/delist", h.taker, api.OpDelist, 0, ref)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminPauseRequiresScopedToken(t *testing.T) {
	h := newHarness(t, 0, 1)
	market := h.initialize("toys", 100)

	resp := h.post("/admin/modules/marketplace/pause", struct{}{}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bearer := func(scope string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + adminToken(t, scope)}}
	}
	resp = h.post("/admin/modules/marketplace/pause", struct{}{}, bearer("read"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.post("/admin/modules/marketplace/pause", struct{}{}, bearer(adminScope))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, h.server.pauses.IsPaused("marketplace"))

	resp = h.signed("/v1/listings", h.maker, api.OpList, 0, h.listRequest(market.Address, 1000))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = h.post("/admin/modules/marketplace/resume", struct{}{}, bearer(adminScope))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.signed("/v1/listings", h.maker, api.OpList, 1, h.listRequest(market.Address, 1000))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAdminExportWritesParquet(t *testing.T) {
	h := newHarness(t, 0, 1)
	market := h.initialize("toys", 100)
	resp := h.signed("/v1/listings", h.maker, api.OpList, 0, h.listRequest(market.Address, 1000))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer " + adminToken(t, adminScope)}}
	resp = h.post("/admin/exports/toys", struct{}{}, header)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[struct {
		Path string `json:"path"`
		Rows int    `json:"rows"`
	}](t, resp)
	require.Equal(t, 2, out.Rows)
	info, err := os.Stat(out.Path)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestRateLimitThrottlesPerClient(t *testing.T) {
	h := newHarness(t, 0.001, 2)
	require.Equal(t, http.StatusNotFound, h.get("/v1/marketplaces/none", nil))
	require.Equal(t, http.StatusNotFound, h.get("/v1/marketplaces/none", nil))
	require.Equal(t, http.StatusTooManyRequests, h.get("/v1/marketplaces/none", nil))
	require.Equal(t, http.StatusOK, h.get("/healthz", nil))
}

func TestEventStreamDeliversCommittedEvents(t *testing.T) {
	h := newHarness(t, 0, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+h.srv.URL[len("http"):]+"/v1/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return h.server.Stream().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	market := h.initialize("toys", 100)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "marketplace.initialized", msg.Type)
	require.Equal(t, market.Address, msg.Attributes["marketplace"])
}

func TestEventStreamFiltersByMarketplaceName(t *testing.T) {
	h := newHarness(t, 0, 1)
	toys := h.initialize("toys", 100)
	require.Equal(t, http.StatusNotFound, h.get("/v1/events?marketplace=nope", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+h.srv.URL[len("http"):]+"/v1/events?marketplace=toys", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return h.server.Stream().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := h.signed("/v1/marketplaces", h.admin, api.OpInitialize, 1, api.InitializeRequest{Name: "games", Fee: 5})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.signed("/v1/listings", h.maker, api.OpList, 0, h.listRequest(toys.Address, 1000))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "marketplace.listing.created", msg.Type)
	require.Equal(t, toys.Address, msg.Attributes["marketplace"])
}

func TestStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, statusFor(nativecommon.ErrModulePaused))
	require.Equal(t, http.StatusConflict, statusFor(nhbstate.ErrNonceMismatch))
	require.Equal(t, http.StatusRequestTimeout, statusFor(context.DeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, statusFor(errBadRequest))
	require.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("rent: %w", nhbstate.ErrInsufficientBalance)))
	require.Equal(t, http.StatusForbidden, statusFor(nhbstate.ErrInvalidAuthority))
}
