package rental

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/storage"
)

func mustAmount(t *testing.T, v string) payment.Amount {
	t.Helper()
	a, err := payment.NewAmount(v, "eur")
	require.NoError(t, err)
	return a
}

// toPaymentStep walks w through the first three steps.
func toPaymentStep(t *testing.T, w *Wizard) {
	t.Helper()
	w.SelectKey("key-42")
	require.NoError(t, w.Next())
	w.SetTerms(7, mustAmount(t, "49.90"))
	require.NoError(t, w.Next())
	require.NoError(t, w.Next())
	require.Equal(t, StepPaymentMethod, w.Step())
}

func TestNextGuards(t *testing.T) {
	w := NewWizard("r1", nil)

	err := w.Next()
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Equal(t, StepSelectKey, w.Step())

	w.SelectKey("key-42")
	require.NoError(t, w.Next())

	w.SetTerms(0, mustAmount(t, "10"))
	require.Error(t, w.Next())
	w.SetTerms(3, payment.Amount{})
	require.Error(t, w.Next())
	w.SetTerms(3, mustAmount(t, "10"))
	require.NoError(t, w.Next())

	require.Equal(t, StepReview, w.Step())
	require.NoError(t, w.Next())

	require.Error(t, w.Next(), "a method must be chosen")
	w.ChooseMethod(payment.MethodPayPal)
	require.Error(t, w.Next(), "paypal needs a completed payment")

	w.Apply(payment.Update{ChargeID: "ord_1", Step: payment.StepApproved})
	require.Error(t, w.Next())
	w.Apply(payment.Update{Step: payment.StepCompleted})
	require.NoError(t, w.Next())
	require.Equal(t, StepConfirmation, w.Step())
	require.Equal(t, "ord_1", w.Order().ChargeID)

	require.Error(t, w.Next())
}

func TestCardAdvancesWithoutCompletedPayment(t *testing.T) {
	w := NewWizard("r1", nil)
	toPaymentStep(t, w)
	w.ChooseMethod(payment.MethodCard)
	require.NoError(t, w.Next())
	require.Equal(t, StepConfirmation, w.Step())
}

func TestChangingMethodForgetsCharge(t *testing.T) {
	w := NewWizard("r1", nil)
	toPaymentStep(t, w)
	w.ChooseMethod(payment.MethodCrypto)
	w.Apply(payment.Update{ChargeID: "ch_1", Step: payment.StepCompleted})
	w.ChooseMethod(payment.MethodAlipay)
	order := w.Order()
	require.Empty(t, order.ChargeID)
	require.False(t, order.PaymentComplete)
	require.Error(t, w.Next())
}

func TestBackAndReset(t *testing.T) {
	w := NewWizard("r1", nil)
	w.Back()
	require.Equal(t, StepSelectKey, w.Step())

	toPaymentStep(t, w)
	w.Back()
	require.Equal(t, StepReview, w.Step())

	w.Reset()
	require.Equal(t, StepSelectKey, w.Step())
	require.Equal(t, OrderData{RentalID: "r1"}, w.Order())
}

func TestSnapshotRoundTripAcrossRedirect(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	w := NewWizard("r-77", store)
	toPaymentStep(t, w)
	w.ChooseMethod(payment.MethodPayPal)
	w.Track(ctx, payment.Update{ChargeID: "ord_9", Step: payment.StepCreated})

	raw, err := store.Get(ctx, "paypal_payment_r-77")
	require.NoError(t, err)
	require.Contains(t, string(raw), `"activeStep":3`)
	require.Contains(t, string(raw), `"orderData"`)

	resumed, err := Resume(ctx, store, "r-77")
	require.NoError(t, err)
	require.Equal(t, StepPaymentMethod, resumed.Step())
	order := resumed.Order()
	require.Equal(t, "key-42", order.KeyID)
	require.Equal(t, payment.MethodPayPal, order.Method)
	require.Equal(t, "ord_9", order.ChargeID)
	require.Equal(t, payment.StepCreated, order.PaymentStep)
	require.Equal(t, "49.90 EUR", order.Amount.String())

	resumed.Track(ctx, payment.Update{Step: payment.StepCompleted})
	_, err = store.Get(ctx, SnapshotKey("r-77"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, resumed.Next())
}

func TestTrackKeepsSnapshotOnFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := NewWizard("r1", store)
	toPaymentStep(t, w)
	w.ChooseMethod(payment.MethodPayPal)
	w.Track(ctx, payment.Update{ChargeID: "ord_1", Step: payment.StepPending})
	w.Track(ctx, payment.Update{Step: payment.StepFailed})

	resumed, err := Resume(ctx, store, "r1")
	require.NoError(t, err)
	require.Equal(t, payment.StepPending, resumed.Order().PaymentStep)
}

func TestTrackDoesNotSnapshotNonRedirectMethods(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := NewWizard("r1", store)
	toPaymentStep(t, w)
	w.ChooseMethod(payment.MethodCrypto)
	w.Track(ctx, payment.Update{ChargeID: "ch_1", Step: payment.StepPending})

	_, err := Resume(ctx, store, "r1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelClearsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := NewWizard("r1", store)
	toPaymentStep(t, w)
	require.NoError(t, w.SaveSnapshot(ctx))

	require.NoError(t, w.Cancel(ctx))
	require.Equal(t, StepSelectKey, w.Step())
	_, err := Resume(ctx, store, "r1")
	require.True(t, storage.IsNotFound(err))
}

func TestResumeRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	_, err := Resume(ctx, store, " ")
	require.True(t, errs.Is(err, errs.CodeInvalid))

	require.NoError(t, store.Set(ctx, SnapshotKey("r1"), []byte(`{"orderData":{},"activeStep":9}`)))
	_, err = Resume(ctx, store, "r1")
	require.True(t, errs.Is(err, errs.CodeInvalid))

	require.Error(t, NewWizard("r1", nil).SaveSnapshot(ctx))
}
