package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/qrshop/api/internal/platform/requestctx"
)

func TestProblemUsesCodeStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		CodePaymentNotConfirmed:     http.StatusBadRequest,
		CodeInvalidStatusTransition: http.StatusConflict,
		CodeInvoiceNotEligible:      http.StatusConflict,
		CodeRateLimited:             http.StatusTooManyRequests,
		ErrorCode("unknown"):        http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := Problem(code, "x").Status; got != want {
			t.Fatalf("%s: expected status %d, got %d", code, want, got)
		}
	}
	if got := NewError(CodeConflict, "x", http.StatusPreconditionFailed).Status; got != http.StatusPreconditionFailed {
		t.Fatalf("explicit status must win, got %d", got)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rr := httptest.NewRecorder()
	err := Problem(CodeInvoiceNotEligible, "order is not eligible\nfor an invoice").
		WithDetails(map[string]any{"orderId": "ord_1", "error": "ignored"})

	WriteError(ctx, rr, err)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invoice_not_eligible" {
		t.Fatalf("details must not override the code, got %v", body["error"])
	}
	if body["message"] != "order is not eligible for an invoice" {
		t.Fatalf("expected newline folded, got %q", body["message"])
	}
	if body["orderId"] != "ord_1" || body["trace_id"] != "trace-1" || body["status"] != float64(409) {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestSanitizeTruncatesByRune(t *testing.T) {
	got := sanitize(strings.Repeat("ộ", 10), 4)
	if got != "ộộộộ" {
		t.Fatalf("expected four runes, got %q", got)
	}
}
