package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"nhbmarket/core"
	"nhbmarket/crypto"
	"nhbmarket/indexer"
	"nhbmarket/native/marketplace"
	"nhbmarket/observability/logging"
	"nhbmarket/services/marketd/api"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

var errBadRequest = errors.New("bad request")

func addressString(addr [20]byte) string {
	return crypto.MustNewAddress(addr).String()
}

func parseAddress(field, raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return addr.Array(), nil
}

// readSigned decodes and authenticates a signed envelope, then decodes its
// payload into out.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, op string, out any) (core.Caller, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req api.SignedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return core.Caller{}, false
	}
	signer, err := req.Verify(op)
	if err != nil {
		s.logger.WarnContext(r.Context(), "signed request rejected",
			slog.String("operation", op),
			slog.String("requestId", requestIDFrom(r.Context())),
			logging.MaskField("signature", req.Signature),
			slog.Any("error", err))
		writeError(w, http.StatusUnauthorized, err)
		return core.Caller{}, false
	}
	if err := req.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode payload: %w", err))
		return core.Caller{}, false
	}
	s.logger.DebugContext(r.Context(), "signed request accepted",
		slog.String("operation", op),
		slog.String("requestId", requestIDFrom(r.Context())),
		slog.String("signer", req.Signer))
	return core.Caller{Address: signer, Nonce: req.Nonce}, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadRequest) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, statusFor(err), err)
}

// resolveMarketplace accepts either a registry address or a marketplace name.
func (s *Server) resolveMarketplace(ref string) (*marketplace.Marketplace, [20]byte, error) {
	if addr, err := crypto.DecodeAddress(ref); err == nil {
		registry := addr.Array()
		m, err := s.market.Marketplace(registry)
		return m, registry, err
	}
	return s.market.MarketplaceByName(ref)
}

func marketplaceResponse(m *marketplace.Marketplace, registry [20]byte) (api.MarketplaceResponse, error) {
	treasury, err := m.Treasury(registry)
	if err != nil {
		return api.MarketplaceResponse{}, err
	}
	rewardMint, err := m.RewardMint(registry)
	if err != nil {
		return api.MarketplaceResponse{}, err
	}
	return api.MarketplaceResponse{
		Address:    addressString(registry),
		Name:       m.Name,
		Admin:      addressString(m.Admin),
		Fee:        m.Fee,
		Treasury:   addressString(treasury),
		RewardMint: addressString(rewardMint),
	}, nil
}

func listingResponse(l *marketplace.Listing, registry, address [20]byte) api.ListingResponse {
	return api.ListingResponse{
		Address:     addressString(address),
		Marketplace: addressString(registry),
		Maker:       addressString(l.Maker),
		Mint:        addressString(l.Mint),
		Price:       l.Price,
	}
}

func quoteResponse(s marketplace.Settlement) api.QuoteResponse {
	return api.QuoteResponse{Price: s.Price, Fee: s.Fee, MakerProceeds: s.MakerProceeds}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req api.InitializeRequest
	caller, ok := s.readSigned(w, r, api.OpInitialize, &req)
	if !ok {
		return
	}
	m, registry, err := s.market.Initialize(r.Context(), caller, req.Name, req.Fee)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp, err := marketplaceResponse(m, registry)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetMarketplace(w http.ResponseWriter, r *http.Request) {
	m, registry, err := s.resolveMarketplace(chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, err)
		return
	}
	resp, err := marketplaceResponse(m, registry)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req api.ListRequest
	caller, ok := s.readSigned(w, r, api.OpList, &req)
	if !ok {
		return
	}
	registry, err := parseAddress("marketplace", req.Marketplace)
	if err != nil {
		s.fail(w, err)
		return
	}
	mint, err := parseAddress("mint", req.Mint)
	if err != nil {
		s.fail(w, err)
		return
	}
	collection, err := parseAddress("collection", req.Collection)
	if err != nil {
		s.fail(w, err)
		return
	}
	listing, err := s.market.List(r.Context(), caller, registry, mint, collection, req.Price)
	if err != nil {
		s.fail(w, err)
		return
	}
	address, err := listing.Address(registry)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listingResponse(listing, registry, address))
}

// readListingRef decodes a signed delist or purchase and checks the body
// mint against the path.
func (s *Server) readListingRef(w http.ResponseWriter, r *http.Request, op string) (core.Caller, [20]byte, [20]byte, bool) {
	var req api.ListingRef
	caller, ok := s.readSigned(w, r, op, &req)
	if !ok {
		return core.Caller{}, [20]byte{}, [20]byte{}, false
	}
	registry, err := parseAddress("marketplace", req.Marketplace)
	if err != nil {
		s.fail(w, err)
		return core.Caller{}, [20]byte{}, [20]byte{}, false
	}
	mint, err := parseAddress("mint", req.Mint)
	if err != nil {
		s.fail(w, err)
		return core.Caller{}, [20]byte{}, [20]byte{}, false
	}
	pathMint, err := parseAddress("mint", chi.URLParam(r, "mint"))
	if err != nil || pathMint != mint {
		s.fail(w, fmt.Errorf("%w: mint does not match path", errBadRequest))
		return core.Caller{}, [20]byte{}, [20]byte{}, false
	}
	return caller, registry, mint, true
}

func (s *Server) handleDelist(w http.ResponseWriter, r *http.Request) {
	caller, registry, mint, ok := s.readListingRef(w, r, api.OpDelist)
	if !ok {
		return
	}
	if err := s.market.Delist(r.Context(), caller, registry, mint); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	caller, registry, mint, ok := s.readListingRef(w, r, api.OpPurchase)
	if !ok {
		return
	}
	receipt, err := s.market.Purchase(r.Context(), caller, registry, mint)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ReceiptResponse{
		Marketplace: addressString(receipt.Marketplace),
		Listing:     addressString(receipt.Listing),
		Maker:       addressString(receipt.Maker),
		Taker:       addressString(receipt.Taker),
		Mint:        addressString(receipt.Mint),
		Settlement:  quoteResponse(receipt.Settlement),
		Reward:      receipt.Reward,
	})
}

func (s *Server) pathListing(r *http.Request) ([20]byte, [20]byte, error) {
	_, registry, err := s.resolveMarketplace(chi.URLParam(r, "ref"))
	if err != nil {
		return [20]byte{}, [20]byte{}, err
	}
	mint, err := parseAddress("mint", chi.URLParam(r, "mint"))
	if err != nil {
		return [20]byte{}, [20]byte{}, err
	}
	return registry, mint, nil
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	registry, mint, err := s.pathListing(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	listing, address, err := s.market.Listing(registry, mint)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse(listing, registry, address))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	registry, mint, err := s.pathListing(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	settlement, err := s.market.Quote(registry, mint)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse(settlement))
}

func (s *Server) handleActiveListings(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("activity index disabled"))
		return
	}
	_, registry, err := s.resolveMarketplace(chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, err)
		return
	}
	rows, err := s.activity.ActiveListings(r.Context(), addressString(registry))
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []indexer.ActiveListing{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("activity index disabled"))
		return
	}
	_, registry, err := s.resolveMarketplace(chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, err)
		return
	}
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxActivityLimit)
	}
	rows, err := s.activity.Recent(r.Context(), addressString(registry), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []indexer.Activity{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, err)
		return
	}
	balance, err := s.market.Balance(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	nonce, err := s.market.Nonce(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AccountResponse{
		Address: addressString(addr),
		Balance: balance.String(),
		Nonce:   nonce,
	})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, err)
		return
	}
	mint, err := parseAddress("mint", chi.URLParam(r, "mint"))
	if err != nil {
		s.fail(w, err)
		return
	}
	amount, err := s.market.TokenBalance(owner, mint)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   addressString(owner),
		"mint":    addressString(mint),
		"balance": amount.String(),
	})
}

// handleEvents resolves the optional marketplace filter, by name or address,
// before the upgrade so unknown marketplaces fail with a plain HTTP error.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := ""
	if ref := strings.TrimSpace(r.URL.Query().Get("marketplace")); ref != "" {
		_, registry, err := s.resolveMarketplace(ref)
		if err != nil {
			s.fail(w, err)
			return
		}
		filter = addressString(registry)
	}
	s.stream.Serve(w, r, filter)
}
