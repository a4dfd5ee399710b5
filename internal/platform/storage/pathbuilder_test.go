package storage

import "testing"

func TestBuildInvoiceArchivePath(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoiceArchive, PathParams{
		OrderID:   "ord_123",
		InvoiceID: "inv_789",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "invoices/ord_123/inv_789.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildInvoiceExportPathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoiceExport, PathParams{
		OrderID:       "ord_123",
		InvoiceNumber: "INV-2026-000001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "exports/orders/ord_123/INV-2026-000001.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeInvoiceArchive, PathParams{
		OrderID:   "../bad",
		InvoiceID: "inv_1",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
	if _, err := BuildObjectPath("unknown", PathParams{}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}
