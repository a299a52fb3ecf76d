package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
	"github.com/sbfxfxai/tiltvault-bridge/internal/pipeline"
	"github.com/sbfxfxai/tiltvault-bridge/internal/server/handler"
)

type stubProcessor struct{ calls int }

func (s *stubProcessor) HandleWebhook(context.Context, []byte, string) pipeline.Result {
	s.calls++
	return pipeline.Result{Success: true, Action: pipeline.ActionIgnored}
}

type emptyPositions struct{}

func (emptyPositions) Create(context.Context, domain.UserPosition) error { return nil }
func (emptyPositions) Update(context.Context, domain.UserPosition) error { return nil }
func (emptyPositions) GetByPaymentID(context.Context, string) (domain.UserPosition, error) {
	return domain.UserPosition{}, domain.ErrNotFound
}
func (emptyPositions) ListByWallet(context.Context, string, domain.ListOpts) ([]domain.UserPosition, error) {
	return nil, nil
}

type emptyAudit struct{}

func (emptyAudit) Log(context.Context, string, map[string]any) error { return nil }
func (emptyAudit) ListByPayment(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type nopPaymentInfo struct{}

func (nopPaymentInfo) Put(context.Context, domain.PaymentInfo) error { return nil }
func (nopPaymentInfo) Get(context.Context, string) (domain.PaymentInfo, error) {
	return domain.PaymentInfo{}, domain.ErrNotFound
}

func TestRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := &stubProcessor{}
	srv := NewServer(Config{APIKey: "secret"}, Handlers{
		Health:      handler.NewHealthHandler(nil, logger),
		Webhook:     handler.NewWebhookHandler(proc, logger),
		PaymentInfo: handler.NewPaymentInfoHandler(nopPaymentInfo{}, logger),
		Positions:   handler.NewPositionHandler(emptyPositions{}, logger),
		Audit:       handler.NewAuditHandler(emptyAudit{}, logger),
	}, nil, nil, logger)
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health is public", http.MethodGet, "/api/health", "", http.StatusOK},
		{"webhook is public", http.MethodPost, "/api/square/webhook", "", http.StatusOK},
		{"positions need a key", http.MethodGet, "/api/positions/pay-1", "", http.StatusUnauthorized},
		{"positions with key", http.MethodGet, "/api/positions/pay-1", "secret", http.StatusNotFound},
		{"payment info needs a key", http.MethodPost, "/api/payment-info", "", http.StatusUnauthorized},
		{"audit trail needs a key", http.MethodGet, "/api/payments/pay-1/audit", "", http.StatusUnauthorized},
		{"audit trail with key", http.MethodGet, "/api/payments/pay-1/audit", "secret", http.StatusOK},
		{"receipts not mounted", http.MethodGet, "/api/receipts/pay-1", "secret", http.StatusNotFound},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"wrong method", http.MethodGet, "/api/square/webhook", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if proc.calls != 1 {
		t.Errorf("webhook calls = %d, want 1", proc.calls)
	}
}
