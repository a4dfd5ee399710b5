package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised outcomes of a ledger query.
type Status string

const (
	// StatusUnpaid indicates no matching transfer has been posted yet.
	StatusUnpaid Status = "unpaid"
	// StatusPaid indicates a transfer carrying the memo and the exact amount was found.
	StatusPaid Status = "paid"
	// StatusMismatchedAmount indicates a transfer carrying the memo was found with a different amount.
	StatusMismatchedAmount Status = "mismatched_amount"
)

// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
var ErrUnsupportedGateway = errors.New("payments: unsupported gateway")

// ErrInvalidRequest is returned when a reference request is missing required fields.
var ErrInvalidRequest = errors.New("payments: invalid request")

// ReferenceRequest describes the checkout a transfer reference is generated for.
type ReferenceRequest struct {
	CheckoutID string
	Amount     int64
	Currency   string
	// Gateway optionally pins the gateway key used by the Manager.
	Gateway string
}

// Reference is the transfer instruction shown to the customer. It is deterministic for a checkout id
// and amount.
type Reference struct {
	Gateway       string `json:"gateway"`
	CheckoutID    string `json:"checkoutId"`
	Code          string `json:"code"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	QRPayload     string `json:"qrPayload"`
}

// Result is the normalised outcome of a ledger lookup.
type Result struct {
	Status        Status
	Amount        int64
	TransactionID string
	PostedAt      *time.Time
}

// Gateway defines the contract for bank ledger adapters.
type Gateway interface {
	PaymentReference(ctx context.Context, req ReferenceRequest) (Reference, error)
	QueryPayment(ctx context.Context, ref Reference) (Result, error)
}

// Manager coordinates gateway selection and itself satisfies Gateway.
type Manager struct {
	gateways       map[string]Gateway
	defaultGateway string
	currencyRoutes map[string]string
}

var _ Gateway = (*Manager)(nil)

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the gateway used when a request carries no routing hint.
func WithDefaultGateway(gateway string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = gateway
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[string]Gateway, len(gateways))
	for k, v := range gateways {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{gateways: copyMap}
	if _, ok := copyMap[GatewayBankTransfer]; ok {
		m.defaultGateway = GatewayBankTransfer
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolve(preferred, currency string) (string, Gateway, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if key := strings.TrimSpace(strings.ToLower(preferred)); key != "" {
		if g, ok := m.gateways[key]; ok {
			return key, g, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, key)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency != "" && m.currencyRoutes != nil {
		if routed, ok := m.currencyRoutes[currency]; ok {
			key := strings.TrimSpace(strings.ToLower(routed))
			if g, ok := m.gateways[key]; ok {
				return key, g, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultGateway)); def != "" {
		if g, ok := m.gateways[def]; ok {
			return def, g, nil
		}
	}
	if len(m.gateways) == 1 {
		for key, g := range m.gateways {
			return key, g, nil
		}
	}
	return "", nil, ErrUnsupportedGateway
}

// PaymentReference delegates to the resolved gateway and stamps the gateway key on the reference.
func (m *Manager) PaymentReference(ctx context.Context, req ReferenceRequest) (Reference, error) {
	key, gateway, err := m.resolve(req.Gateway, req.Currency)
	if err != nil {
		return Reference{}, err
	}
	ref, err := gateway.PaymentReference(ctx, req)
	if err != nil {
		return Reference{}, err
	}
	ref.Gateway = key
	return ref, nil
}

// QueryPayment routes the lookup to the gateway that issued the reference.
func (m *Manager) QueryPayment(ctx context.Context, ref Reference) (Result, error) {
	_, gateway, err := m.resolve(ref.Gateway, ref.Currency)
	if err != nil {
		return Result{}, err
	}
	return gateway.QueryPayment(ctx, ref)
}
