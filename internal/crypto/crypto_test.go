package crypto

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

const (
	testKeyHex  = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

func TestWebhookVerifier_RoundTrip(t *testing.T) {
	v := NewWebhookVerifier("sig-key", "https://bridge.example/api/square/webhook")
	body := []byte(`{"type":"payment.updated"}`)

	if err := v.Verify(body, v.Sign(body)); err != nil {
		t.Fatalf("Verify(Sign(body)) = %v", err)
	}
}

func TestWebhookVerifier_Rejects(t *testing.T) {
	v := NewWebhookVerifier("sig-key", "")
	body := []byte(`{"type":"payment.updated"}`)
	good := v.Sign(body)

	tests := []struct {
		name string
		v    *WebhookVerifier
		body []byte
		sig  string
	}{
		{"missing signature", v, body, ""},
		{"not base64", v, body, "%%%"},
		{"tampered body", v, []byte(`{"type":"payment.created"}`), good},
		{"wrong key", NewWebhookVerifier("other", ""), body, good},
		{"url not included", NewWebhookVerifier("sig-key", "https://x"), body, good},
		{"no key configured", NewWebhookVerifier("", ""), body, good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Verify(tt.body, tt.sig)
			if !errors.Is(err, domain.ErrAuthentication) {
				t.Fatalf("expected ErrAuthentication, got %v", err)
			}
		})
	}
}

func TestParseHexKey(t *testing.T) {
	pk, err := ParseHexKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParseHexKey: %v", err)
	}
	if got := NewSigner(pk).Address(); got != common.HexToAddress(testAddress) {
		t.Errorf("address = %s, want %s", got.Hex(), testAddress)
	}

	if _, err := ParseHexKey("0x1234"); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := ParseHexKey(strings.Repeat("zz", 32)); err == nil {
		t.Error("expected error for non-hex key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealKey(testKeyHex, "correct horse")
	if err != nil {
		t.Fatalf("SealKey: %v", err)
	}
	if strings.Contains(string(sealed), strings.TrimPrefix(testKeyHex, "0x")) {
		t.Fatal("sealed file contains the plaintext key")
	}

	pk, err := OpenKey(sealed, "correct horse")
	if err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	if got := NewSigner(pk).Address(); got != common.HexToAddress(testAddress) {
		t.Errorf("address = %s, want %s", got.Hex(), testAddress)
	}

	if _, err := OpenKey(sealed, "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}
	if _, err := SealKey(testKeyHex, ""); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestKeySource(t *testing.T) {
	if (KeySource{}).Configured() {
		t.Error("empty source should not be configured")
	}
	if _, err := (KeySource{}).Load(); err == nil {
		t.Error("expected error loading empty source")
	}
	s, err := NewSignerFromSource(KeySource{RawHex: testKeyHex})
	if err != nil {
		t.Fatalf("NewSignerFromSource: %v", err)
	}
	if s.Address() != common.HexToAddress(testAddress) {
		t.Errorf("address = %s", s.Address().Hex())
	}
}

func TestSignerSignTx(t *testing.T) {
	pk, err := ParseHexKey(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSigner(pk)
	chainID := big.NewInt(43114)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    1,
		GasPrice: big.NewInt(25_000_000_000),
		Gas:      21000,
		To:       &common.Address{0x01},
		Value:    big.NewInt(1),
	})

	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.NewEIP155Signer(chainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Errorf("recovered sender %s, want %s", from.Hex(), s.Address().Hex())
	}
}
