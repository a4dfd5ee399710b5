package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	domain "github.com/qrshop/api/internal/domain"
)

const invoiceContentType = "application/json"

// ObjectWriter persists a single object. The Cloud Storage implementation is GCSWriter.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// GCSWriter writes objects through a Cloud Storage client.
type GCSWriter struct {
	client *gcs.Client
}

// NewGCSWriter constructs a writer backed by the provided Cloud Storage client.
func NewGCSWriter(client *gcs.Client) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	return &GCSWriter{client: client}, nil
}

// WriteObject uploads data unless the object already exists.
func (w *GCSWriter) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	if w == nil || w.client == nil {
		return errors.New("storage writer: client is not initialised")
	}
	writer := w.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage writer: write %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("storage writer: close %s: %w", object, err)
	}
	return nil
}

// InvoiceArchiver stores issued invoices as JSON documents.
type InvoiceArchiver struct {
	writer ObjectWriter
	bucket string
}

// NewInvoiceArchiver constructs an archiver writing to bucket.
func NewInvoiceArchiver(writer ObjectWriter, bucket string) (*InvoiceArchiver, error) {
	if writer == nil {
		return nil, errors.New("invoice archiver: writer is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &InvoiceArchiver{writer: writer, bucket: bucket}, nil
}

var errInvalidBucket = errors.New("storage: bucket name is required")

type invoiceDocument struct {
	ID            string                `json:"id"`
	InvoiceNumber string                `json:"invoiceNumber"`
	OrderID       string                `json:"orderId"`
	OrderNumber   string                `json:"orderNumber"`
	Owner         string                `json:"owner"`
	Currency      string                `json:"currency"`
	PaymentMethod string                `json:"paymentMethod"`
	Lines         []invoiceDocumentLine `json:"lines"`
	ItemsPrice    int64                 `json:"itemsPrice"`
	ShippingPrice int64                 `json:"shippingPrice"`
	Discount      int64                 `json:"discountAmount"`
	TotalPrice    int64                 `json:"totalPrice"`
	CreatedAt     time.Time             `json:"createdAt"`
}

type invoiceDocumentLine struct {
	Label     string `json:"label"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

// ArchiveInvoice writes the invoice and returns its gs:// location.
func (a *InvoiceArchiver) ArchiveInvoice(ctx context.Context, invoice domain.Invoice) (string, error) {
	if a == nil {
		return "", errors.New("invoice archiver: not initialised")
	}
	object, err := BuildObjectPath(PurposeInvoiceArchive, PathParams{OrderID: invoice.OrderID, InvoiceID: invoice.ID})
	if err != nil {
		return "", err
	}

	doc := invoiceDocument{
		ID:            invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		OrderID:       invoice.OrderID,
		OrderNumber:   invoice.OrderNumber,
		Owner:         invoice.Owner.Key(),
		Currency:      invoice.Currency,
		PaymentMethod: string(invoice.PaymentMethod),
		Lines:         make([]invoiceDocumentLine, 0, len(invoice.Lines)),
		ItemsPrice:    invoice.Pricing.ItemsPrice,
		ShippingPrice: invoice.Pricing.ShippingPrice,
		Discount:      invoice.Pricing.DiscountAmount,
		TotalPrice:    invoice.Pricing.TotalPrice,
		CreatedAt:     invoice.CreatedAt.UTC(),
	}
	for _, line := range invoice.Lines {
		doc.Lines = append(doc.Lines, invoiceDocumentLine(line))
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("invoice archiver: encode: %w", err)
	}
	if err := a.writer.WriteObject(ctx, a.bucket, object, invoiceContentType, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
