package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// notePrefixV1 marks a note carrying JSON-encoded PaymentMetadata.
const notePrefixV1 = "v1:"

// DecodeNote turns a payment note into PaymentMetadata. Two encodings are
// accepted: the structured form "v1:{json}" and the legacy space-separated
// key:value form, e.g.
//
//	wallet:0xabc... risk:conservative email:a@b.c ergc:100 debit_ergc:0
//
// Unknown legacy keys are ignored. Numeric fields that do not parse wrap
// domain.ErrInvalidPayload. An empty note yields zero metadata.
func DecodeNote(note string) (domain.PaymentMetadata, error) {
	note = strings.TrimSpace(note)
	meta := domain.PaymentMetadata{Version: domain.MetadataVersion}
	if note == "" {
		return meta, nil
	}

	if strings.HasPrefix(note, notePrefixV1) {
		if err := json.Unmarshal([]byte(note[len(notePrefixV1):]), &meta); err != nil {
			return domain.PaymentMetadata{}, fmt.Errorf("pipeline: decode v1 note: %v: %w", err, domain.ErrInvalidPayload)
		}
		if meta.Version == 0 {
			meta.Version = domain.MetadataVersion
		}
		if meta.Version != domain.MetadataVersion {
			return domain.PaymentMetadata{}, fmt.Errorf("pipeline: unsupported note version %d: %w", meta.Version, domain.ErrInvalidPayload)
		}
		meta.WalletAddress = strings.TrimSpace(meta.WalletAddress)
		return meta, nil
	}

	for _, field := range strings.Fields(note) {
		key, value, ok := strings.Cut(field, ":")
		if !ok || value == "" {
			continue
		}
		switch strings.ToLower(key) {
		case "wallet":
			meta.WalletAddress = value
		case "risk":
			meta.RiskProfile = strings.ToLower(value)
		case "email":
			meta.Email = value
		case "payment_id", "ref":
			meta.PaymentID = value
		case "ergc":
			n, err := parseCount(key, value)
			if err != nil {
				return domain.PaymentMetadata{}, err
			}
			meta.ERGCPurchase = n
		case "debit_ergc":
			n, err := parseCount(key, value)
			if err != nil {
				return domain.PaymentMetadata{}, err
			}
			meta.ERGCDebit = n
		}
	}
	return meta, nil
}

func parseCount(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("pipeline: note field %s=%q is not a non-negative integer: %w", key, value, domain.ErrInvalidPayload)
	}
	return n, nil
}

// EncodeNote renders meta in the structured v1 form.
func EncodeNote(meta domain.PaymentMetadata) (string, error) {
	meta.Version = domain.MetadataVersion
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("pipeline: encode note: %w", err)
	}
	return notePrefixV1 + string(b), nil
}
