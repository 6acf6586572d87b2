// Package rental holds the rental checkout step machine and the snapshot that
// carries an in-flight redirect payment across the buyer's round trip to the
// provider.
package rental

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/storage"
)

// Step is a wizard position.
type Step int

const (
	StepSelectKey Step = iota
	StepRentalTerms
	StepReview
	StepPaymentMethod
	StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepSelectKey:
		return "select_key"
	case StepRentalTerms:
		return "rental_terms"
	case StepReview:
		return "review"
	case StepPaymentMethod:
		return "payment_method"
	case StepConfirmation:
		return "confirmation"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

func (s Step) valid() bool { return s >= StepSelectKey && s <= StepConfirmation }

// OrderData is everything the wizard has collected so far.
type OrderData struct {
	RentalID        string         `json:"rentalId"`
	KeyID           string         `json:"keyId,omitempty"`
	DurationDays    int            `json:"durationDays,omitempty"`
	Amount          payment.Amount `json:"amount"`
	Method          payment.Method `json:"method,omitempty"`
	ChargeID        string         `json:"chargeId,omitempty"`
	PaymentStep     payment.Step   `json:"paymentStep,omitempty"`
	PaymentComplete bool           `json:"paymentComplete"`
}

// Order converts the collected data into a payable order.
func (o OrderData) Order() payment.Order {
	return payment.Order{
		RentalID:    o.RentalID,
		KeyID:       o.KeyID,
		Amount:      o.Amount,
		Description: fmt.Sprintf("Key %s for %d days", o.KeyID, o.DurationDays),
	}
}

// Wizard is the checkout step machine for a single rental.
type Wizard struct {
	mu    sync.Mutex
	step  Step
	order OrderData
	store storage.Store
}

// NewWizard starts a wizard for rentalID. store may be nil when snapshots are not needed.
func NewWizard(rentalID string, store storage.Store) *Wizard {
	return &Wizard{order: OrderData{RentalID: strings.TrimSpace(rentalID)}, store: store}
}

// Step returns the active step.
func (w *Wizard) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// Order returns a copy of the collected order data.
func (w *Wizard) Order() OrderData {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order
}

// SelectKey records the key being rented.
func (w *Wizard) SelectKey(keyID string) {
	w.mu.Lock()
	w.order.KeyID = strings.TrimSpace(keyID)
	w.mu.Unlock()
}

// SetTerms records the rental duration and the price quoted for it.
func (w *Wizard) SetTerms(days int, amount payment.Amount) {
	w.mu.Lock()
	w.order.DurationDays = days
	w.order.Amount = amount
	w.mu.Unlock()
}

// ChooseMethod records the payment method. Changing method forgets any earlier charge.
func (w *Wizard) ChooseMethod(m payment.Method) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.order.Method == m {
		return
	}
	w.order.Method = m
	w.order.ChargeID = ""
	w.order.PaymentStep = payment.StepNone
	w.order.PaymentComplete = false
}

// Apply folds a payment flow update into the order data.
func (w *Wizard) Apply(u payment.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if u.ChargeID != "" {
		w.order.ChargeID = u.ChargeID
	}
	w.order.PaymentStep = u.Step
	w.order.PaymentComplete = u.Step == payment.StepCompleted
}

// Next advances one step if the current step's guard passes.
func (w *Wizard) Next() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guard(); err != nil {
		return err
	}
	w.step++
	return nil
}

func (w *Wizard) guard() error {
	switch w.step {
	case StepSelectKey:
		if w.order.KeyID == "" {
			return guardError(w.step, "select a key to rent")
		}
	case StepRentalTerms:
		if w.order.DurationDays <= 0 {
			return guardError(w.step, "rental duration must be at least one day")
		}
		if err := w.order.Amount.Validate(); err != nil {
			return err
		}
	case StepPaymentMethod:
		if w.order.Method == "" {
			return guardError(w.step, "choose a payment method")
		}
		// Card payments are confirmed on the confirmation step itself.
		if w.order.Method != payment.MethodCard && !w.order.PaymentComplete {
			return guardError(w.step, "complete the payment before continuing")
		}
	case StepConfirmation:
		return guardError(w.step, "already at the last step")
	}
	return nil
}

func guardError(step Step, msg string) error {
	return errs.New("rental", errs.CodeInvalid,
		errs.WithMessage(msg),
		errs.WithField("step", step.String()))
}

// Back moves one step back; it is a no-op on the first step.
func (w *Wizard) Back() {
	w.mu.Lock()
	if w.step > StepSelectKey {
		w.step--
	}
	w.mu.Unlock()
}

// Reset returns to the first step and forgets everything but the rental id.
func (w *Wizard) Reset() {
	w.mu.Lock()
	w.step = StepSelectKey
	w.order = OrderData{RentalID: w.order.RentalID}
	w.mu.Unlock()
}
