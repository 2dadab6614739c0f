package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

var (
	ErrNilKey           = errors.New("crypto: nil private key")
	ErrEmptyPath        = errors.New("crypto: empty keystore path")
	ErrKeystoreMismatch = errors.New("crypto: keystore address does not match key")
)

// SaveKey encrypts key as a v3 keystore document and atomically replaces the
// file at path with it. The file is private to the owner.
func SaveKey(path string, key *PrivateKey, passphrase string) error {
	return saveKey(path, key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

func saveKey(path string, key *PrivateKey, passphrase string, scryptN, scryptP int) error {
	if key == nil || key.PrivateKey == nil {
		return ErrNilKey
	}
	if path == "" {
		return ErrEmptyPath
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: key id: %w", err)
	}
	doc, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.PubKey().Address().ethereum(),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
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
	if _, err := tmp.Write(doc); err != nil {
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

// LoadKey decrypts the keystore file at path. A document whose recorded address
// does not belong to the decrypted key is rejected.
func LoadKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(doc, &header); err != nil {
		return nil, fmt.Errorf("crypto: parse %s: %w", filepath.Base(path), err)
	}
	decrypted, err := keystore.DecryptKey(doc, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", filepath.Base(path), err)
	}
	recorded := strings.TrimPrefix(strings.ToLower(header.Address), "0x")
	if recorded != "" && recorded != hex.EncodeToString(decrypted.Address.Bytes()) {
		return nil, ErrKeystoreMismatch
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
