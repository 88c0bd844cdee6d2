package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"nhbmarket/cmd/internal/passphrase"
	"nhbmarket/crypto"
	"nhbmarket/services/marketd/api"
)

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServerURL(), "marketd base URL")
	return fs, server
}

// signer bundles the flags shared by signed commands.
type signer struct {
	keystore string
	passEnv  string
	nonce    int64
}

func (s *signer) register(fs *flag.FlagSet) {
	fs.StringVar(&s.keystore, "keystore", "", "path to the signing keystore")
	fs.StringVar(&s.passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	fs.Int64Var(&s.nonce, "nonce", -1, "account nonce to sign with (fetched when negative)")
}

func (s *signer) load() (*crypto.PrivateKey, error) {
	if strings.TrimSpace(s.keystore) == "" {
		return nil, errors.New("-keystore is required")
	}
	pass, err := passphrase.NewSource(s.passEnv, "keystore").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(s.keystore, pass)
}

// send signs payload for op and posts it to path.
func (s *signer) send(c *client, path, op string, payload, out any) error {
	key, err := s.load()
	if err != nil {
		return err
	}
	nonce := uint64(s.nonce)
	if s.nonce < 0 {
		acct, err := c.account(key.PubKey().Address().String())
		if err != nil {
			return fmt.Errorf("fetch nonce: %w", err)
		}
		nonce = acct.Nonce
	}
	req, err := api.Sign(key, op, nonce, payload)
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, path, req, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func required(values map[string]string) error {
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("-%s is required", name)
		}
	}
	return nil
}

func runKeygen(args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("keygen", stderr)
	path := fs.String("keystore", "", "output keystore path")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	light := fs.Bool("light-kdf", false, "use weak scrypt parameters (devnet only)")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"keystore": *path}); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists; pass -force to overwrite", *path)
	}
	pass, err := passphrase.NewSource(*passEnv, "new keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	var opts []crypto.KeystoreOption
	if *light {
		opts = append(opts, crypto.WithLightScrypt())
	}
	if err := crypto.SaveToKeystore(*path, key, pass, opts...); err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}

func runAddress(args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("address", stderr)
	var s signer
	s.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := s.load()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}

func runInitialize(args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet("init", stderr)
	var s signer
	s.register(fs)
	name := fs.String("name", "", "marketplace name")
	fee := fs.Uint("fee", 0, "flat fee charged per sale")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fee > 0xFFFF {
		return fmt.Errorf("-fee must fit in 16 bits")
	}
	var out api.MarketplaceResponse
	req := api.InitializeRequest{Name: *name, Fee: uint16(*fee)}
	if err := s.send(newClient(*server), "/v1/marketplaces", api.OpInitialize, req, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runList(args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet("list", stderr)
	var s signer
	s.register(fs)
	market := fs.String("marketplace", "", "marketplace registry address")
	mint := fs.String("mint", "", "asset mint address")
	collection := fs.String("collection", "", "verified collection address")
	price := fs.Uint64("price", 0, "asking price")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"marketplace": *market, "mint": *mint, "collection": *collection}); err != nil {
		return err
	}
	var out api.ListingResponse
	req := api.ListRequest{Marketplace: *market, Mint: *mint, Collection: *collection, Price: *price}
	if err := s.send(newClient(*server), "/v1/listings", api.OpList, req, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runDelist(args []string, stdout, stderr io.Writer) error {
	return runListingAction("delist", api.OpDelist, args, stdout, stderr)
}

func runBuy(args []string, stdout, stderr io.Writer) error {
	return runListingAction("buy", api.OpPurchase, args, stdout, stderr)
}

func runListingAction(name, op string, args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet(name, stderr)
	var s signer
	s.register(fs)
	market := fs.String("marketplace", "", "marketplace registry address")
	mint := fs.String("mint", "", "listed asset mint address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"marketplace": *market, "mint": *mint}); err != nil {
		return err
	}
	ref := api.ListingRef{Marketplace: *market, Mint: *mint}
	path := "/v1/listings/" + url.PathEscape(*mint) + "/" + op
	if op == api.OpDelist {
		if err := s.send(newClient(*server), path, op, ref, nil); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "delisted")
		return nil
	}
	var out api.ReceiptResponse
	if err := s.send(newClient(*server), path, op, ref, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runShow(args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet("show", stderr)
	market := fs.String("marketplace", "", "marketplace name or registry address")
	mint := fs.String("mint", "", "optional listed mint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"marketplace": *market}); err != nil {
		return err
	}
	c := newClient(*server)
	path := "/v1/marketplaces/" + url.PathEscape(*market)
	if *mint == "" {
		var out api.MarketplaceResponse
		if err := c.do(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return printJSON(stdout, out)
	}
	var out api.ListingResponse
	if err := c.do(http.MethodGet, path+"/listings/"+url.PathEscape(*mint), nil, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runQuote(args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet("quote", stderr)
	market := fs.String("marketplace", "", "marketplace name or registry address")
	mint := fs.String("mint", "", "listed mint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"marketplace": *market, "mint": *mint}); err != nil {
		return err
	}
	var out api.QuoteResponse
	path := "/v1/marketplaces/" + url.PathEscape(*market) + "/listings/" + url.PathEscape(*mint) + "/quote"
	if err := newClient(*server).do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runAccount(args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet("account", stderr)
	address := fs.String("address", "", "bech32 account address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"address": *address}); err != nil {
		return err
	}
	out, err := newClient(*server).account(*address)
	if err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func runActivity(args []string, stdout, stderr io.Writer) error {
	fs, server := newFlagSet("activity", stderr)
	market := fs.String("marketplace", "", "marketplace name or registry address")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"marketplace": *market}); err != nil {
		return err
	}
	var out []map[string]any
	path := "/v1/marketplaces/" + url.PathEscape(*market) + "/activity?limit=" + strconv.Itoa(*limit)
	if err := newClient(*server).do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}
