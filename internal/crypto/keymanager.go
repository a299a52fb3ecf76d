// Package crypto provides hub key storage, transaction signing and webhook
// signature verification.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedKeyVersion = 1
)

// sealedKeyFile is the on-disk format for an encrypted hub key. All byte
// fields are base64 standard encoding.
type sealedKeyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource describes where a signing key comes from. A raw hex key wins over
// an encrypted file.
type KeySource struct {
	RawHex        string
	EncryptedPath string
	Password      string
}

// Configured reports whether any key source is set.
func (s KeySource) Configured() bool {
	return s.RawHex != "" || s.EncryptedPath != ""
}

// Load resolves the private key described by s.
func (s KeySource) Load() (*ecdsa.PrivateKey, error) {
	switch {
	case s.RawHex != "":
		return ParseHexKey(s.RawHex)
	case s.EncryptedPath != "":
		data, err := os.ReadFile(s.EncryptedPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read sealed key: %w", err)
		}
		return OpenKey(data, s.Password)
	default:
		return nil, errors.New("crypto: no key source configured")
	}
}

// ParseHexKey parses a secp256k1 private key with or without 0x prefix.
func ParseHexKey(hexKey string) (*ecdsa.PrivateKey, error) {
	k := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(k) != 64 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes of hex, got %d chars", len(k))
	}
	pk, err := ethcrypto.HexToECDSA(k)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}

// SealKey encrypts a hex private key with a password (PBKDF2-HMAC-SHA256 key
// derivation, AES-256-GCM) and returns the JSON file contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	pk, err := ParseHexKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	aead, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	addr := ethcrypto.PubkeyToAddress(pk.PublicKey)
	out := sealedKeyFile{
		Version:    sealedKeyVersion,
		Address:    addr.Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, ethcrypto.FromECDSA(pk), []byte(addr.Hex()))),
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenKey decrypts a file produced by SealKey. The stored address is bound as
// additional data so a swapped address field fails decryption.
func OpenKey(sealed []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var f sealedKeyFile
	if err := json.Unmarshal(sealed, &f); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed key: %w", err)
	}
	if f.Version != sealedKeyVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed key version %d", f.Version)
	}

	var salt, nonce, ciphertext []byte
	for _, field := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", f.Salt, &salt},
		{"nonce", f.Nonce, &nonce},
		{"ciphertext", f.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(field.in)
		if err != nil {
			return nil, fmt.Errorf("crypto: decoding %s: %w", field.name, err)
		}
		*field.out = b
	}

	aead, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce must be %d bytes", aead.NonceSize())
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(f.Address))
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	pk, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealed key is not a valid private key: %w", err)
	}
	return pk, nil
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return aead, nil
}
