package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	errNilKey      = errors.New("crypto: nil private key")
	errEmptyPath   = errors.New("crypto: empty keystore path")
	errEmptySecret = errors.New("crypto: empty keystore passphrase")
)

type keystoreParams struct {
	scryptN int
	scryptP int
}

// KeystoreOption tunes keystore encryption.
type KeystoreOption func(*keystoreParams)

// WithLightScrypt trades KDF strength for speed. Intended for devnets and
// tests.
func WithLightScrypt() KeystoreOption {
	return func(p *keystoreParams) {
		p.scryptN = keystore.LightScryptN
		p.scryptP = keystore.LightScryptP
	}
}

// SaveToKeystore encrypts key into a v3 keystore file at path. The file is
// written beside its destination and renamed into place with 0600 mode.
func SaveToKeystore(path string, key *PrivateKey, passphrase string, opts ...KeystoreOption) error {
	if key == nil || key.PrivateKey == nil {
		return errNilKey
	}
	if path == "" {
		return errEmptyPath
	}
	if passphrase == "" {
		return errEmptySecret
	}
	params := keystoreParams{scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
	for _, opt := range opts {
		opt(&params)
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, params.scryptN, params.scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the v3 keystore at path.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errEmptyPath
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
