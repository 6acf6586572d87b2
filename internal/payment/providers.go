package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/poller"
)

type createRequest struct {
	Order
	IdempotencyKey string `json:"idempotencyKey"`
}

func newCreateRequest(order Order) createRequest {
	return createRequest{Order: order, IdempotencyKey: uuid.NewString()}
}

func canonical(method Method, table map[string]string, raw string) string {
	key := strings.TrimSpace(raw)
	if status, ok := table[key]; ok {
		return status
	}
	if status, ok := table[strings.ToUpper(key)]; ok {
		return status
	}
	logger.Info("unknown provider status",
		observability.F("method", string(method)),
		observability.F("status", raw))
	return poller.StatusPending
}

func requireID(method Method, id string) error {
	if strings.TrimSpace(id) == "" {
		return errs.New("payment", errs.CodeInvalid,
			errs.WithMessage("charge id required"),
			errs.WithField("method", string(method)))
	}
	return nil
}

func providerError(method Method, op string, err error) error {
	return fmt.Errorf("%s %s: %w", method, op, err)
}

var cryptoStatuses = map[string]string{
	"NEW":        poller.StatusCreated,
	"PENDING":    poller.StatusPending,
	"CONFIRMING": poller.StatusConfirming,
	"COMPLETED":  poller.StatusCompleted,
	"EXPIRED":    poller.StatusExpired,
	"CANCELED":   poller.StatusCanceled,
	"UNRESOLVED": poller.StatusFailed,
	"RESOLVED":   poller.StatusCompleted,
}

// CryptoProvider handles hosted crypto charges.
type CryptoProvider struct {
	backend Backend
}

// NewCryptoProvider constructs a crypto provider.
func NewCryptoProvider(backend Backend) *CryptoProvider {
	return &CryptoProvider{backend: backend}
}

type cryptoCharge struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	HostedURL string    `json:"hostedUrl"`
	Network   string    `json:"network"`
	Confirms  int       `json:"confirmations"`
	CreatedAt time.Time `json:"createdAt"`
}

// Method implements Provider.
func (p *CryptoProvider) Method() Method { return MethodCrypto }

// Create implements Provider.
func (p *CryptoProvider) Create(ctx context.Context, order Order) (Charge, error) {
	var resp cryptoCharge
	if err := p.backend.Post(ctx, "/payments/crypto/charges", newCreateRequest(order), &resp); err != nil {
		return Charge{}, providerError(MethodCrypto, "create", err)
	}
	return Charge{
		ID:          resp.ID,
		Method:      MethodCrypto,
		Status:      canonical(MethodCrypto, cryptoStatuses, resp.Status),
		RawStatus:   resp.Status,
		ApprovalURL: resp.HostedURL,
		CreatedAt:   resp.CreatedAt,
	}, nil
}

// FetchStatus implements Provider.
func (p *CryptoProvider) FetchStatus(ctx context.Context, id string) (poller.Report, error) {
	if err := requireID(MethodCrypto, id); err != nil {
		return poller.Report{}, err
	}
	var resp cryptoCharge
	if err := p.backend.Get(ctx, "/payments/crypto/charges/"+url.PathEscape(id), &resp); err != nil {
		return poller.Report{}, providerError(MethodCrypto, "status", err)
	}
	return poller.Report{
		ResourceID: id,
		Status:     canonical(MethodCrypto, cryptoStatuses, resp.Status),
		Fields: map[string]any{
			"rawStatus":     resp.Status,
			"network":       resp.Network,
			"confirmations": resp.Confirms,
		},
	}, nil
}

var paypalStatuses = map[string]string{
	"CREATED":               poller.StatusCreated,
	"SAVED":                 poller.StatusCreated,
	"PAYER_ACTION_REQUIRED": poller.StatusPending,
	"APPROVED":              poller.StatusApproved,
	"COMPLETED":             poller.StatusCompleted,
	"VOIDED":                poller.StatusCanceled,
}

// PayPalProvider handles PayPal orders, which need a capture after buyer approval.
type PayPalProvider struct {
	backend Backend
}

// NewPayPalProvider constructs a PayPal provider.
func NewPayPalProvider(backend Backend) *PayPalProvider {
	return &PayPalProvider{backend: backend}
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Links  []paypalLink `json:"links"`
	Payer  struct {
		Email string `json:"email_address"`
	} `json:"payer"`
}

func (o paypalOrder) approvalURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func (o paypalOrder) charge() Charge {
	return Charge{
		ID:          o.ID,
		Method:      MethodPayPal,
		Status:      canonical(MethodPayPal, paypalStatuses, o.Status),
		RawStatus:   o.Status,
		ApprovalURL: o.approvalURL(),
	}
}

// Method implements Provider.
func (p *PayPalProvider) Method() Method { return MethodPayPal }

// Create implements Provider.
func (p *PayPalProvider) Create(ctx context.Context, order Order) (Charge, error) {
	var resp paypalOrder
	if err := p.backend.Post(ctx, "/payments/paypal/orders", newCreateRequest(order), &resp); err != nil {
		return Charge{}, providerError(MethodPayPal, "create", err)
	}
	return resp.charge(), nil
}

// FetchStatus implements Provider.
func (p *PayPalProvider) FetchStatus(ctx context.Context, id string) (poller.Report, error) {
	if err := requireID(MethodPayPal, id); err != nil {
		return poller.Report{}, err
	}
	var resp paypalOrder
	if err := p.backend.Get(ctx, "/payments/paypal/orders/"+url.PathEscape(id), &resp); err != nil {
		return poller.Report{}, providerError(MethodPayPal, "status", err)
	}
	fields := map[string]any{"rawStatus": resp.Status}
	if resp.Payer.Email != "" {
		fields["payer"] = resp.Payer.Email
	}
	return poller.Report{
		ResourceID: id,
		Status:     canonical(MethodPayPal, paypalStatuses, resp.Status),
		Fields:     fields,
	}, nil
}

// Capture implements Capturer.
func (p *PayPalProvider) Capture(ctx context.Context, id string) (Charge, error) {
	if err := requireID(MethodPayPal, id); err != nil {
		return Charge{}, err
	}
	var resp paypalOrder
	if err := p.backend.Post(ctx, "/payments/paypal/orders/"+url.PathEscape(id)+"/capture", struct{}{}, &resp); err != nil {
		return Charge{}, providerError(MethodPayPal, "capture", err)
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return resp.charge(), nil
}

var stripeStatuses = map[string]string{
	"incomplete":         poller.StatusPending,
	"active":             poller.StatusCompleted,
	"trialing":           poller.StatusCompleted,
	"incomplete_expired": poller.StatusExpired,
	"canceled":           poller.StatusCanceled,
	"past_due":           poller.StatusFailed,
	"unpaid":             poller.StatusFailed,
}

// StripeProvider handles card payments as Stripe subscriptions.
type StripeProvider struct {
	backend Backend
}

// NewStripeProvider constructs a card provider.
func NewStripeProvider(backend Backend) *StripeProvider {
	return &StripeProvider{backend: backend}
}

type stripeSubscription struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	ClientSecret     string `json:"clientSecret"`
	CurrentPeriodEnd int64  `json:"currentPeriodEnd"`
	Created          int64  `json:"created"`
}

// Method implements Provider.
func (p *StripeProvider) Method() Method { return MethodCard }

// Create implements Provider.
func (p *StripeProvider) Create(ctx context.Context, order Order) (Charge, error) {
	var resp stripeSubscription
	if err := p.backend.Post(ctx, "/payments/stripe/subscriptions", newCreateRequest(order), &resp); err != nil {
		return Charge{}, providerError(MethodCard, "create", err)
	}
	ch := Charge{
		ID:        resp.ID,
		Method:    MethodCard,
		Status:    canonical(MethodCard, stripeStatuses, resp.Status),
		RawStatus: resp.Status,
	}
	if resp.Created > 0 {
		ch.CreatedAt = time.Unix(resp.Created, 0).UTC()
	}
	return ch, nil
}

// FetchStatus implements Provider.
func (p *StripeProvider) FetchStatus(ctx context.Context, id string) (poller.Report, error) {
	if err := requireID(MethodCard, id); err != nil {
		return poller.Report{}, err
	}
	var resp stripeSubscription
	if err := p.backend.Get(ctx, "/payments/stripe/subscriptions/"+url.PathEscape(id), &resp); err != nil {
		return poller.Report{}, providerError(MethodCard, "status", err)
	}
	fields := map[string]any{"rawStatus": resp.Status}
	if resp.CurrentPeriodEnd > 0 {
		fields["currentPeriodEnd"] = time.Unix(resp.CurrentPeriodEnd, 0).UTC()
	}
	return poller.Report{
		ResourceID: id,
		Status:     canonical(MethodCard, stripeStatuses, resp.Status),
		Fields:     fields,
	}, nil
}

var alipayStatuses = map[string]string{
	"WAIT_BUYER_PAY": poller.StatusPending,
	"TRADE_SUCCESS":  poller.StatusCompleted,
	"TRADE_FINISHED": poller.StatusCompleted,
	"TRADE_CLOSED":   poller.StatusCanceled,
}

// AlipayProvider handles Alipay trades.
type AlipayProvider struct {
	backend Backend
}

// NewAlipayProvider constructs an Alipay provider.
func NewAlipayProvider(backend Backend) *AlipayProvider {
	return &AlipayProvider{backend: backend}
}

type alipayTrade struct {
	TradeNo     string `json:"tradeNo"`
	OutTradeNo  string `json:"outTradeNo"`
	TradeStatus string `json:"tradeStatus"`
	PayURL      string `json:"payUrl"`
	QRCode      string `json:"qrCode"`
}

// Method implements Provider.
func (p *AlipayProvider) Method() Method { return MethodAlipay }

// Create implements Provider.
func (p *AlipayProvider) Create(ctx context.Context, order Order) (Charge, error) {
	var resp alipayTrade
	if err := p.backend.Post(ctx, "/payments/alipay/trades", newCreateRequest(order), &resp); err != nil {
		return Charge{}, providerError(MethodAlipay, "create", err)
	}
	id := resp.TradeNo
	if id == "" {
		id = resp.OutTradeNo
	}
	approval := resp.PayURL
	if approval == "" {
		approval = resp.QRCode
	}
	status := poller.StatusCreated
	if resp.TradeStatus != "" {
		status = canonical(MethodAlipay, alipayStatuses, resp.TradeStatus)
	}
	return Charge{
		ID:          id,
		Method:      MethodAlipay,
		Status:      status,
		RawStatus:   resp.TradeStatus,
		ApprovalURL: approval,
	}, nil
}

// FetchStatus implements Provider.
func (p *AlipayProvider) FetchStatus(ctx context.Context, id string) (poller.Report, error) {
	if err := requireID(MethodAlipay, id); err != nil {
		return poller.Report{}, err
	}
	var resp alipayTrade
	if err := p.backend.Get(ctx, "/payments/alipay/trades/"+url.PathEscape(id), &resp); err != nil {
		return poller.Report{}, providerError(MethodAlipay, "status", err)
	}
	return poller.Report{
		ResourceID: id,
		Status:     canonical(MethodAlipay, alipayStatuses, resp.TradeStatus),
		Fields:     map[string]any{"rawStatus": resp.TradeStatus},
	}, nil
}

// Providers builds the standard provider set on one backend.
func Providers(backend Backend) []Provider {
	return []Provider{
		NewStripeProvider(backend),
		NewPayPalProvider(backend),
		NewAlipayProvider(backend),
		NewCryptoProvider(backend),
	}
}
