// Package payment creates charges with the supported providers and follows them to a final outcome.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/poller"
)

// Method identifies a payment provider.
type Method string

const (
	MethodCard   Method = "card"
	MethodPayPal Method = "paypal"
	MethodAlipay Method = "alipay"
	MethodCrypto Method = "crypto"
)

// Methods lists every supported method.
func Methods() []Method {
	return []Method{MethodCard, MethodPayPal, MethodAlipay, MethodCrypto}
}

// ParseMethod normalises s into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MethodCard, MethodPayPal, MethodAlipay, MethodCrypto:
		return m, nil
	case "stripe":
		return MethodCard, nil
	}
	return "", errs.New("payment", errs.CodeInvalid,
		errs.WithMessage("unsupported payment method"),
		errs.WithField("method", s))
}

// RequiresRedirect reports whether the buyer leaves the app to approve the payment.
func (m Method) RequiresRedirect() bool {
	return m == MethodPayPal || m == MethodAlipay
}

// Amount is a monetary value in a currency.
type Amount struct {
	Value    decimal.Decimal
	Currency string
}

// NewAmount parses value into an Amount.
func NewAmount(value, currency string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, errs.New("payment", errs.CodeInvalid,
			errs.WithMessage("invalid amount"),
			errs.WithField("value", value),
			errs.WithCause(err))
	}
	a := Amount{Value: d, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// Validate rejects non-positive values and missing currencies.
func (a Amount) Validate() error {
	if !a.Value.IsPositive() {
		return errs.New("payment", errs.CodeInvalid, errs.WithMessage("amount must be positive"))
	}
	if len(a.Currency) != 3 {
		return errs.New("payment", errs.CodeInvalid,
			errs.WithMessage("currency must be an ISO 4217 code"),
			errs.WithField("currency", a.Currency))
	}
	return nil
}

func (a Amount) String() string {
	return a.Value.StringFixed(2) + " " + a.Currency
}

type amountJSON struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// MarshalJSON renders the value as a fixed two-decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Value: a.Value.StringFixed(2), Currency: a.Currency})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw.Value)
	if err != nil {
		return fmt.Errorf("amount value: %w", err)
	}
	a.Value = d
	a.Currency = raw.Currency
	return nil
}

// Order describes what is being paid for.
type Order struct {
	RentalID    string `json:"rentalId"`
	KeyID       string `json:"keyId,omitempty"`
	Amount      Amount `json:"amount"`
	Description string `json:"description,omitempty"`
	ReturnURL   string `json:"returnUrl,omitempty"`
	CancelURL   string `json:"cancelUrl,omitempty"`
}

// Validate checks the order is payable.
func (o Order) Validate() error {
	if strings.TrimSpace(o.RentalID) == "" {
		return errs.New("payment", errs.CodeInvalid, errs.WithMessage("rental id required"))
	}
	return o.Amount.Validate()
}

// Charge is a provider-side payment object.
type Charge struct {
	ID          string    `json:"id"`
	Method      Method    `json:"method"`
	Status      string    `json:"status"`
	RawStatus   string    `json:"rawStatus"`
	ApprovalURL string    `json:"approvalUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Provider creates and inspects charges for one method.
type Provider interface {
	Method() Method
	Create(ctx context.Context, order Order) (Charge, error)
	FetchStatus(ctx context.Context, id string) (poller.Report, error)
}

// Capturer is implemented by providers that need an explicit capture after buyer approval.
type Capturer interface {
	Capture(ctx context.Context, id string) (Charge, error)
}

// Backend is the subset of the REST client the providers use.
type Backend interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}
