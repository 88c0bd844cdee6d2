// Package api holds the wire types shared by marketd and its clients, and the
// request signing scheme.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"nhbmarket/crypto"
)

const (
	OpInitialize = "initialize"
	OpList       = "list"
	OpDelist     = "delist"
	OpPurchase   = "purchase"
)

const signingDomain = "nhbmarket/v1"

var (
	ErrSignerMismatch = errors.New("api: signature does not match signer")
	ErrEmptyPayload   = errors.New("api: payload required")
)

// SignedRequest is the envelope of every mutating call. Signature covers the
// operation name, the nonce and the raw payload bytes.
type SignedRequest struct {
	Signer    string          `json:"signer"`
	Nonce     uint64          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type InitializeRequest struct {
	Name string `json:"name"`
	Fee  uint16 `json:"fee"`
}

type ListRequest struct {
	Marketplace string `json:"marketplace"`
	Mint        string `json:"mint"`
	Collection  string `json:"collection"`
	Price       uint64 `json:"price,string"`
}

// ListingRef addresses a listing for delist and purchase.
type ListingRef struct {
	Marketplace string `json:"marketplace"`
	Mint        string `json:"mint"`
}

type MarketplaceResponse struct {
	Address    string `json:"address"`
	Name       string `json:"name"`
	Admin      string `json:"admin"`
	Fee        uint16 `json:"fee"`
	Treasury   string `json:"treasury"`
	RewardMint string `json:"rewardMint"`
}

type ListingResponse struct {
	Address     string `json:"address"`
	Marketplace string `json:"marketplace"`
	Maker       string `json:"maker"`
	Mint        string `json:"mint"`
	Price       uint64 `json:"price,string"`
}

type QuoteResponse struct {
	Price         uint64 `json:"price,string"`
	Fee           uint64 `json:"fee,string"`
	MakerProceeds uint64 `json:"makerProceeds,string"`
}

type ReceiptResponse struct {
	Marketplace string        `json:"marketplace"`
	Listing     string        `json:"listing"`
	Maker       string        `json:"maker"`
	Taker       string        `json:"taker"`
	Mint        string        `json:"mint"`
	Settlement  QuoteResponse `json:"settlement"`
	Reward      uint64        `json:"reward,string"`
}

type AccountResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SigningMessage is the byte string a signer commits to.
func SigningMessage(op string, nonce uint64, payload []byte) []byte {
	msg := make([]byte, 0, len(signingDomain)+len(op)+len(payload)+24)
	msg = append(msg, signingDomain...)
	msg = append(msg, '\n')
	msg = append(msg, op...)
	msg = append(msg, '\n')
	msg = strconv.AppendUint(msg, nonce, 10)
	msg = append(msg, '\n')
	return append(msg, payload...)
}

// Sign builds a signed envelope for payload.
func Sign(key *crypto.PrivateKey, op string, nonce uint64, payload any) (*SignedRequest, error) {
	if key == nil {
		return nil, errors.New("api: nil signing key")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig, err := key.SignDigest(SigningMessage(op, nonce, raw))
	if err != nil {
		return nil, err
	}
	return &SignedRequest{
		Signer:    key.PubKey().Address().String(),
		Nonce:     nonce,
		Payload:   raw,
		Signature: hexutil.Encode(sig),
	}, nil
}

// Verify recovers the signer for op and checks it against the declared one.
func (r *SignedRequest) Verify(op string) ([20]byte, error) {
	if len(r.Payload) == 0 {
		return [20]byte{}, ErrEmptyPayload
	}
	declared, err := crypto.DecodeAddress(r.Signer)
	if err != nil {
		return [20]byte{}, fmt.Errorf("api: signer: %w", err)
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return [20]byte{}, fmt.Errorf("api: signature: %w", err)
	}
	recovered, err := crypto.RecoverSigner(SigningMessage(op, r.Nonce, r.Payload), sig)
	if err != nil {
		return [20]byte{}, fmt.Errorf("api: recover: %w", err)
	}
	if recovered.Array() != declared.Array() {
		return [20]byte{}, ErrSignerMismatch
	}
	return declared.Array(), nil
}

// Decode unmarshals the payload into out.
func (r *SignedRequest) Decode(out any) error {
	if len(r.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(r.Payload, out)
}
