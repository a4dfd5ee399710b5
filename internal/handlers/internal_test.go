package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/services"
)

func TestInternalHandlersSweep(t *testing.T) {
	sweeper := &stubSweeper{result: services.SweepResult{Scanned: 4, Paid: 2, Finalized: 2, Failed: 1}}
	h := NewInternalHandlers(sweeper)

	req := httptest.NewRequest(http.MethodPost, "/checkout:sweep", strings.NewReader(`{"limit":50,"maxAgeSeconds":3600}`))
	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Email: "scheduler@qrshop.iam.gserviceaccount.com"}))
	rr := serve(t, h.Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if sweeper.received.Limit != 50 || sweeper.received.MaxAge != time.Hour || !sweeper.received.Finalize {
		t.Fatalf("unexpected command %+v", sweeper.received)
	}
	if sweeper.received.ActorID != "service:scheduler@qrshop.iam.gserviceaccount.com" {
		t.Fatalf("unexpected actor %q", sweeper.received.ActorID)
	}
	body := decodeBody(t, rr)
	if body["scanned"] != float64(4) || body["finalized"] != float64(2) || body["failed"] != float64(1) {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestInternalHandlersSweepDefaults(t *testing.T) {
	sweeper := &stubSweeper{}
	h := NewInternalHandlers(sweeper)

	rr := serve(t, h.Routes, httptest.NewRequest(http.MethodPost, "/checkout:sweep", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if sweeper.received.Limit != 0 || sweeper.received.MaxAge != 0 || sweeper.received.ActorID != "service:scheduler" {
		t.Fatalf("expected service defaults, got %+v", sweeper.received)
	}

	bad := serve(t, h.Routes, httptest.NewRequest(http.MethodPost, "/checkout:sweep", strings.NewReader(`{"limit":-1}`)))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", bad.Code)
	}
}
