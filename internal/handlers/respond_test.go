package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qrshop/api/internal/services"
)

func TestWriteServiceErrorCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrPaymentNotConfirmed, http.StatusBadRequest, "payment_not_confirmed"},
		{fmt.Errorf("%w: delivered to processing", services.ErrOrderInvalidState), http.StatusConflict, "invalid_status_transition"},
		{services.ErrInvoiceNotEligible, http.StatusConflict, "invoice_not_eligible"},
		{services.ErrCheckoutNotFound, http.StatusNotFound, "checkout_not_found"},
		{services.ErrOrderConflict, http.StatusConflict, "conflict"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(context.Background(), rr, tc.err)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if got := decodeBody(t, rr)["error"]; got != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, got)
			}
		})
	}
}
