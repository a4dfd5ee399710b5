package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qrshop/api/internal/platform/cache"
)

const ledgerFixture = `{
  "status": 200,
  "messages": {"success": true},
  "transactions": [
    {"id": "9001", "transaction_date": "2026-03-01 09:15:00", "account_number": "0123456789", "amount_in": "100000.00", "transaction_content": "unrelated transfer", "reference_number": "FT100"},
    {"id": "9002", "transaction_date": "2026-03-01 09:20:00", "account_number": "0123456789", "amount_in": "269000.00", "transaction_content": "QR 01HZX3Y4Z5AB thanh toan", "reference_number": "FT200"},
    {"id": "9003", "transaction_date": "2026-03-01 09:30:00", "account_number": "0123456789", "amount_in": "270000.00", "transaction_content": "qr01hzx3y4z5ab", "reference_number": "FT300"}
  ]
}`

func newLedgerServer(t *testing.T, body string, status int) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newTestProvider(t *testing.T, baseURL string) *BankTransferProvider {
	t.Helper()
	loc := time.FixedZone("ICT", 7*3600)
	p, err := NewBankTransferProvider(BankTransferConfig{
		LedgerBaseURL: baseURL,
		APIKey:        "ledger-key",
		BankCode:      "MB",
		AccountNumber: "0123456789",
		AccountName:   "QR SHOP",
		Location:      loc,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestMemoForIsDeterministic(t *testing.T) {
	memo := MemoFor("chk_01HZX3A0000001HZX3Y4Z5AB")
	if memo != "QR01HZX3Y4Z5AB" {
		t.Fatalf("unexpected memo %q", memo)
	}
	if memo != MemoFor("chk_01HZX3A0000001HZX3Y4Z5AB") {
		t.Fatalf("memo must be deterministic")
	}
	if got := MemoFor("chk_ab-1"); got != "QRAB1" {
		t.Fatalf("expected short ids to keep alphanumerics only, got %q", got)
	}
}

func TestPaymentReferenceBuildsQRPayload(t *testing.T) {
	p := newTestProvider(t, "https://ledger.example.com/userapi")
	ref, err := p.PaymentReference(context.Background(), ReferenceRequest{CheckoutID: "chk_01HZX3A0000001HZX3Y4Z5AB", Amount: 270000, Currency: "vnd"})
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	want := "https://qr.sepay.vn/img?acc=0123456789&bank=MB&amount=270000&des=QR01HZX3Y4Z5AB"
	if ref.QRPayload != want {
		t.Fatalf("unexpected qr payload\nwant %s\n got %s", want, ref.QRPayload)
	}
	if ref.Currency != "VND" || ref.BankCode != "MB" || ref.AccountName != "QR SHOP" {
		t.Fatalf("unexpected reference %+v", ref)
	}

	usd, err := p.PaymentReference(context.Background(), ReferenceRequest{CheckoutID: "chk_1", Amount: 27050, Currency: "USD"})
	if err != nil {
		t.Fatalf("usd reference: %v", err)
	}
	if !strings.Contains(usd.QRPayload, "amount=270.5") {
		t.Fatalf("expected major units in payload, got %s", usd.QRPayload)
	}
}

func TestPaymentReferenceRejectsInvalidInput(t *testing.T) {
	p := newTestProvider(t, "https://ledger.example.com")
	if _, err := p.PaymentReference(context.Background(), ReferenceRequest{CheckoutID: "", Amount: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for empty id, got %v", err)
	}
	if _, err := p.PaymentReference(context.Background(), ReferenceRequest{CheckoutID: "chk_1", Amount: 0}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for zero amount, got %v", err)
	}
	if _, err := p.PaymentReference(context.Background(), ReferenceRequest{CheckoutID: "chk_1", Amount: 1, Currency: "XXXX"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for unknown currency, got %v", err)
	}
}

func TestQueryPaymentMatchesExactAmount(t *testing.T) {
	srv, captured := newLedgerServer(t, ledgerFixture, http.StatusOK)
	p := newTestProvider(t, srv.URL)

	result, err := p.QueryPayment(context.Background(), Reference{Code: "QR01HZX3Y4Z5AB", Amount: 270000, Currency: "VND"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Status != StatusPaid || result.TransactionID != "FT300" || result.Amount != 270000 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.PostedAt == nil || !result.PostedAt.Equal(time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected posted at converted to UTC, got %v", result.PostedAt)
	}
	if captured.Header.Get("Authorization") != "Bearer ledger-key" {
		t.Fatalf("expected bearer auth header, got %q", captured.Header.Get("Authorization"))
	}
	if captured.URL.Path != "/transactions" || captured.URL.Query().Get("account_number") != "0123456789" || captured.URL.Query().Get("limit") != "50" {
		t.Fatalf("unexpected ledger request %s", captured.URL.String())
	}
}

func TestQueryPaymentReportsMismatchedAmount(t *testing.T) {
	srv, _ := newLedgerServer(t, ledgerFixture, http.StatusOK)
	p := newTestProvider(t, srv.URL)

	result, err := p.QueryPayment(context.Background(), Reference{Code: "QR01HZX3Y4Z5AB", Amount: 300000, Currency: "VND"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Status != StatusMismatchedAmount || result.Amount != 269000 || result.TransactionID != "FT200" {
		t.Fatalf("expected first mismatched transfer, got %+v", result)
	}
}

func TestQueryPaymentUnpaid(t *testing.T) {
	srv, _ := newLedgerServer(t, ledgerFixture, http.StatusOK)
	p := newTestProvider(t, srv.URL)

	result, err := p.QueryPayment(context.Background(), Reference{Code: "QRNOTPOSTED", Amount: 270000, Currency: "VND"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Status != StatusUnpaid {
		t.Fatalf("expected unpaid, got %+v", result)
	}
}

func TestQueryPaymentSurfacesLedgerErrors(t *testing.T) {
	srv, _ := newLedgerServer(t, `{"status":401,"error":"unauthorized"}`, http.StatusUnauthorized)
	p := newTestProvider(t, srv.URL)
	if _, err := p.QueryPayment(context.Background(), Reference{Code: "QRX", Amount: 1}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected ledger status error, got %v", err)
	}
}

func TestPingReportsLedgerAvailability(t *testing.T) {
	up, _ := newLedgerServer(t, ledgerFixture, http.StatusOK)
	if err := newTestProvider(t, up.URL).Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy ledger, got %v", err)
	}
	down, _ := newLedgerServer(t, `{"error":"maintenance"}`, http.StatusServiceUnavailable)
	err := newTestProvider(t, down.URL).Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected ledger status in error, got %v", err)
	}
}

func TestCachedGatewayMemoisesReferences(t *testing.T) {
	inner := &fakeGateway{ref: Reference{Code: "QRABC"}, result: Result{Status: StatusUnpaid}}
	gw := NewCachedGateway(inner, cache.NewMemory(), time.Minute, nil)
	req := ReferenceRequest{CheckoutID: "chk_1", Amount: 270}

	for i := 0; i < 3; i++ {
		ref, err := gw.PaymentReference(context.Background(), req)
		if err != nil {
			t.Fatalf("reference: %v", err)
		}
		if ref.Code != "QRABC" || ref.Amount != 270 {
			t.Fatalf("unexpected reference %+v", ref)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one upstream reference call, got %d", inner.calls)
	}

	for i := 0; i < 2; i++ {
		if _, err := gw.QueryPayment(context.Background(), Reference{Code: "QRABC"}); err != nil {
			t.Fatalf("query: %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("expected queries to bypass the cache, got %d upstream calls", inner.calls)
	}
}
