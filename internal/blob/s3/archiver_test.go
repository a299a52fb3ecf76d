package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestReceiptArchiveWritesHistoryAndLatest(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchive(blobs, blobs, "/bridge/")
	ctx := context.Background()

	first := domain.WebhookReceipt{
		PaymentID:  "pay-1",
		EventType:  "payment.updated",
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Action:     "execution_retry",
		HTTPStatus: 500,
		Payload:    []byte(`{"type":"payment.updated"}`),
	}
	second := first
	second.ReceivedAt = first.ReceivedAt.Add(time.Minute)
	second.Action = "strategy_executed"
	second.HTTPStatus = 200

	for _, r := range []domain.WebhookReceipt{first, second} {
		if err := a.Archive(ctx, r); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}

	for _, key := range []string{
		"bridge/receipts/pay-1/20260102T030405.000000000Z-execution_retry.json",
		"bridge/receipts/pay-1/20260102T030505.000000000Z-strategy_executed.json",
		"bridge/receipts/pay-1/latest.json",
	} {
		if _, ok := blobs.objects[key]; !ok {
			t.Errorf("missing object %s; have %v", key, keys(blobs.objects))
		}
		if blobs.types[key] != "application/json" {
			t.Errorf("%s content type = %q", key, blobs.types[key])
		}
	}

	got, err := a.Latest(ctx, "pay-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Action != "strategy_executed" || got.HTTPStatus != 200 {
		t.Errorf("latest = %+v", got)
	}
	if string(got.Payload) != `{"type":"payment.updated"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestReceiptArchiveLatestMissing(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchive(blobs, blobs, "")
	if _, err := a.Latest(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReceiptArchiveKeepsIDsInsideTree(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchive(blobs, blobs, "")
	r := domain.WebhookReceipt{PaymentID: "../../etc/x", ReceivedAt: time.Unix(0, 0), Action: "ignored"}
	if err := a.Archive(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	for key := range blobs.objects {
		if !strings.HasPrefix(key, "receipts/") || strings.Contains(key, "..") {
			t.Errorf("key escaped receipts tree: %s", key)
		}
	}
}

func TestReceiptArchiveErrors(t *testing.T) {
	blobs := newMemBlobs()
	a := NewReceiptArchive(blobs, blobs, "")
	if err := a.Archive(context.Background(), domain.WebhookReceipt{}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Errorf("empty id: err = %v", err)
	}

	blobs.putErr = errors.New("bucket gone")
	if err := a.Archive(context.Background(), domain.WebhookReceipt{PaymentID: "p"}); err == nil {
		t.Error("expected upload error")
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"minio:9000", false, "http://minio:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
		{"http://minio:9000", true, "http://minio:9000"},
		{"localhost:4566", true, "https://localhost:4566"},
		{"https://s3.us-east-1.amazonaws.com", false, "https://s3.us-east-1.amazonaws.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.ssl, got, tt.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("wrapped: %w", &types.NoSuchKey{})) {
		t.Error("NoSuchKey not recognised")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("NotFound not recognised")
	}
	if isNotFound(errors.New("access denied")) {
		t.Error("generic error treated as not found")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
