package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/unicode/norm"
)

// GatewayBankTransfer is the registry key of the QR bank transfer gateway.
const GatewayBankTransfer = "banktransfer"

const (
	memoPrefix    = "QR"
	memoIDLength  = 12
	ledgerTimeFmt = "2006-01-02 15:04:05"
)

// DefaultQRImageTemplate renders QR images through the SePay image endpoint.
const DefaultQRImageTemplate = "https://qr.sepay.vn/img?acc={account}&bank={bank}&amount={amount}&des={memo}"

// BankTransferLogger defines the logging contract for ledger operations.
type BankTransferLogger func(ctx context.Context, event string, fields map[string]any)

// BankTransferConfig configures the BankTransferProvider.
type BankTransferConfig struct {
	LedgerBaseURL string
	APIKey        string
	BankCode      string
	AccountNumber string
	AccountName   string
	QRTemplate    string
	PageSize      int
	// Location interprets ledger timestamps, which are reported in bank local time.
	Location   *time.Location
	HTTPClient *http.Client
	Logger     BankTransferLogger
}

// BankTransferProvider matches incoming transfers on the receiving account against checkout memos.
type BankTransferProvider struct {
	baseURL  *url.URL
	apiKey   string
	bankCode string
	account  string
	name     string
	template string
	pageSize int
	location *time.Location
	client   *http.Client
	logger   BankTransferLogger
}

var _ Gateway = (*BankTransferProvider)(nil)

// NewBankTransferProvider validates the configuration and constructs the provider.
func NewBankTransferProvider(cfg BankTransferConfig) (*BankTransferProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.LedgerBaseURL), "/")
	if base == "" {
		return nil, errors.New("banktransfer: ledger base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("banktransfer: invalid ledger base url %q", cfg.LedgerBaseURL)
	}
	bank := strings.TrimSpace(cfg.BankCode)
	account := strings.TrimSpace(cfg.AccountNumber)
	if bank == "" || account == "" {
		return nil, errors.New("banktransfer: bank code and account number are required")
	}

	template := strings.TrimSpace(cfg.QRTemplate)
	if template == "" {
		template = DefaultQRImageTemplate
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &BankTransferProvider{
		baseURL:  parsed,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		bankCode: bank,
		account:  account,
		name:     strings.TrimSpace(cfg.AccountName),
		template: template,
		pageSize: pageSize,
		location: loc,
		client:   client,
		logger:   logger,
	}, nil
}

// PaymentReference builds the transfer memo and QR image URL for a checkout.
func (p *BankTransferProvider) PaymentReference(_ context.Context, req ReferenceRequest) (Reference, error) {
	if p == nil {
		return Reference{}, errors.New("banktransfer: provider is nil")
	}
	code := MemoFor(req.CheckoutID)
	if code == memoPrefix {
		return Reference{}, fmt.Errorf("%w: checkout id is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return Reference{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	cur := strings.ToUpper(strings.TrimSpace(req.Currency))
	major, err := formatMajorUnits(req.Amount, cur)
	if err != nil {
		return Reference{}, err
	}

	replacer := strings.NewReplacer(
		"{account}", url.QueryEscape(p.account),
		"{bank}", url.QueryEscape(p.bankCode),
		"{amount}", url.QueryEscape(major),
		"{memo}", url.QueryEscape(code),
		"{name}", url.QueryEscape(p.name),
	)
	return Reference{
		Gateway:       GatewayBankTransfer,
		CheckoutID:    strings.TrimSpace(req.CheckoutID),
		Code:          code,
		Amount:        req.Amount,
		Currency:      cur,
		BankCode:      p.bankCode,
		AccountNumber: p.account,
		AccountName:   p.name,
		QRPayload:     replacer.Replace(p.template),
	}, nil
}

type ledgerTransaction struct {
	ID              json.Number `json:"id"`
	TransactionDate string      `json:"transaction_date"`
	AccountNumber   string      `json:"account_number"`
	AmountIn        string      `json:"amount_in"`
	Content         string      `json:"transaction_content"`
	ReferenceNumber string      `json:"reference_number"`
}

type ledgerResponse struct {
	Status       int                 `json:"status"`
	Messages     map[string]any      `json:"messages"`
	Transactions []ledgerTransaction `json:"transactions"`
}

// QueryPayment lists recent incoming transfers and classifies the ones carrying the reference memo.
func (p *BankTransferProvider) QueryPayment(ctx context.Context, ref Reference) (Result, error) {
	if p == nil {
		return Result{}, errors.New("banktransfer: provider is nil")
	}
	memo := strings.TrimSpace(ref.Code)
	if memo == "" {
		return Result{}, fmt.Errorf("%w: reference code is required", ErrInvalidRequest)
	}

	txs, err := p.listTransactions(ctx)
	if err != nil {
		return Result{}, err
	}

	var mismatch *Result
	for _, tx := range txs {
		if !strings.Contains(compactMemo(tx.Content), memo) {
			continue
		}
		amount, err := parseMinorUnits(tx.AmountIn, ref.Currency)
		if err != nil {
			p.logger(ctx, "banktransfer.amount.unparseable", map[string]any{
				"transactionId": tx.ID.String(),
				"amount":        tx.AmountIn,
				"error":         err.Error(),
			})
			continue
		}
		if amount <= 0 {
			continue
		}
		result := Result{
			Amount:        amount,
			TransactionID: transactionID(tx),
			PostedAt:      p.parsePostedAt(tx.TransactionDate),
		}
		if amount == ref.Amount {
			result.Status = StatusPaid
			return result, nil
		}
		if mismatch == nil {
			result.Status = StatusMismatchedAmount
			mismatch = &result
		}
	}
	if mismatch != nil {
		return *mismatch, nil
	}
	return Result{Status: StatusUnpaid}, nil
}

// Ping verifies the ledger answers for the configured account.
func (p *BankTransferProvider) Ping(ctx context.Context) error {
	_, err := p.listTransactions(ctx)
	return err
}

func (p *BankTransferProvider) listTransactions(ctx context.Context) ([]ledgerTransaction, error) {
	endpoint := p.baseURL.JoinPath("transactions")
	query := endpoint.Query()
	query.Set("account_number", p.account)
	query.Set("limit", strconv.Itoa(p.pageSize))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("banktransfer: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("banktransfer: query ledger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("banktransfer: ledger responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload ledgerResponse
	decoder := json.NewDecoder(io.LimitReader(resp.Body, 4<<20))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("banktransfer: decode ledger response: %w", err)
	}
	return payload.Transactions, nil
}

func (p *BankTransferProvider) parsePostedAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		utc := ts.UTC()
		return &utc
	}
	ts, err := time.ParseInLocation(ledgerTimeFmt, raw, p.location)
	if err != nil {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

func transactionID(tx ledgerTransaction) string {
	if ref := strings.TrimSpace(tx.ReferenceNumber); ref != "" {
		return ref
	}
	return tx.ID.String()
}

// MemoFor derives the transfer memo for a checkout id: "QR" followed by the trailing upper-case
// alphanumerics of the id.
func MemoFor(checkoutID string) string {
	id := compactMemo(strings.TrimPrefix(strings.TrimSpace(checkoutID), "chk_"))
	if len(id) > memoIDLength {
		id = id[len(id)-memoIDLength:]
	}
	return memoPrefix + id
}

// compactMemo upper-cases text and keeps ASCII letters and digits only. Banks routinely insert
// spaces or strip punctuation from transfer content.
func compactMemo(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func currencyScale(code string) (int32, error) {
	if code == "" {
		return 0, nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown currency %q", ErrInvalidRequest, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// formatMajorUnits renders minor units as a decimal string in major units, e.g. 27000 USD cents -> "270".
func formatMajorUnits(amount int64, code string) (string, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return "", err
	}
	return decimal.New(amount, -scale).String(), nil
}

// parseMinorUnits converts a ledger decimal string to minor units. Fractions below the minor unit are
// rejected rather than rounded.
func parseMinorUnits(raw, code string) (int64, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return 0, err
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	shifted := value.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-unit precision", raw)
	}
	return shifted.IntPart(), nil
}
