package rental

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/storage"
)

var logger = observability.Named("rental")

const snapshotPrefix = "paypal_payment_"

// SnapshotKey is the storage key holding the redirect snapshot of rentalID.
func SnapshotKey(rentalID string) string {
	return snapshotPrefix + rentalID
}

// Snapshot is the persisted shape of an in-flight redirect payment.
type Snapshot struct {
	OrderData  OrderData `json:"orderData"`
	ActiveStep Step      `json:"activeStep"`
}

// SaveSnapshot persists the wizard so it can be resumed after the buyer
// returns from the provider's approval page.
func (w *Wizard) SaveSnapshot(ctx context.Context) error {
	if w.store == nil {
		return errs.New("rental", errs.CodeInvalid, errs.WithMessage("wizard has no snapshot store"))
	}
	w.mu.Lock()
	snap := Snapshot{OrderData: w.order, ActiveStep: w.step}
	w.mu.Unlock()
	if snap.OrderData.RentalID == "" {
		return errs.New("rental", errs.CodeInvalid, errs.WithMessage("rental id required"))
	}
	if err := storage.SetJSON(ctx, w.store, SnapshotKey(snap.OrderData.RentalID), snap); err != nil {
		return fmt.Errorf("save rental snapshot: %w", err)
	}
	return nil
}

// ClearSnapshot removes the wizard's snapshot, if any.
func (w *Wizard) ClearSnapshot(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	if err := w.store.Delete(ctx, SnapshotKey(w.Order().RentalID)); err != nil {
		return fmt.Errorf("clear rental snapshot: %w", err)
	}
	return nil
}

// Cancel abandons the rental checkout: the snapshot is cleared and the wizard reset.
func (w *Wizard) Cancel(ctx context.Context) error {
	err := w.ClearSnapshot(ctx)
	w.Reset()
	return err
}

// Track applies u and keeps the snapshot in step with it: redirect payments
// are snapshotted while in flight and the snapshot is cleared on completion.
func (w *Wizard) Track(ctx context.Context, u payment.Update) {
	w.Apply(u)
	order := w.Order()
	var err error
	switch {
	case u.Step == payment.StepCompleted:
		err = w.ClearSnapshot(ctx)
	case !u.Step.Terminal() && order.Method.RequiresRedirect() && w.store != nil:
		err = w.SaveSnapshot(ctx)
	}
	if err != nil {
		logger.Error("rental snapshot update failed",
			observability.F("rental_id", order.RentalID),
			observability.F("step", string(u.Step)),
			observability.F("error", err))
	}
}

// Resume restores the wizard saved for rentalID. A missing snapshot yields
// storage.ErrNotFound.
func Resume(ctx context.Context, store storage.Store, rentalID string) (*Wizard, error) {
	rentalID = strings.TrimSpace(rentalID)
	if rentalID == "" {
		return nil, errs.New("rental", errs.CodeInvalid, errs.WithMessage("rental id required"))
	}
	var snap Snapshot
	if err := storage.GetJSON(ctx, store, SnapshotKey(rentalID), &snap); err != nil {
		return nil, err
	}
	if !snap.ActiveStep.valid() {
		return nil, errs.New("rental", errs.CodeInvalid,
			errs.WithMessage("snapshot has an unknown step"),
			errs.WithField("step", snap.ActiveStep.String()))
	}
	snap.OrderData.RentalID = rentalID
	return &Wizard{step: snap.ActiveStep, order: snap.OrderData, store: store}, nil
}
