package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/cab-dispatch/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Holder places, captures and releases manual-capture holds; StripeClient implements it.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, rideID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// FareHold places a hold for the quoted fare whenever a dispatch is matched
// and settles it when the trip ends. Dispatches without a fare figure are skipped.
type FareHold struct {
	holder   Holder
	currency string
	logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]string
}

func NewFareHold(h Holder, currency string, logger *slog.Logger) *FareHold {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if currency == "" {
		currency = "inr"
	}
	return &FareHold{holder: h, currency: currency, logger: logger, holds: make(map[string]string)}
}

func (f *FareHold) DispatchResolved(ctx context.Context, d models.RideDispatch) {
	if d.State != models.DispatchMatched || d.Quote.FareEstimate == nil || *d.Quote.FareEstimate <= 0 {
		return
	}
	// amounts are in the currency's minor unit
	amount := int64(math.Round(*d.Quote.FareEstimate * 100))
	id, err := f.holder.Hold(ctx, amount, f.currency, d.RideID)
	if err != nil {
		f.logger.Warn("fare_hold_failed", "ride_id", d.RideID, "amount", amount, "error", err)
		return
	}
	f.mu.Lock()
	f.holds[d.RideID] = id
	f.mu.Unlock()
	f.logger.Info("fare_held", "ride_id", d.RideID, "payment_intent", id, "amount", amount)
}

// HoldFor returns the PaymentIntent id held for rideID.
func (f *FareHold) HoldFor(rideID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.holds[rideID]
	return id, ok
}

// Settle captures the hold for rideID when the trip completed and releases it
// otherwise. Rides without a hold are a no-op. A failed call keeps the hold so
// it can be settled again.
func (f *FareHold) Settle(ctx context.Context, rideID string, completed bool) error {
	id, ok := f.HoldFor(rideID)
	if !ok {
		return nil
	}
	action, settle := "captured", f.holder.Capture
	if !completed {
		action, settle = "cancelled", f.holder.Cancel
	}
	if err := settle(ctx, id); err != nil {
		f.logger.Warn("fare_settle_failed", "ride_id", rideID, "payment_intent", id, "completed", completed, "error", err)
		return fmt.Errorf("settle ride %s: %w", rideID, err)
	}
	f.mu.Lock()
	delete(f.holds, rideID)
	f.mu.Unlock()
	f.logger.Info("fare_"+action, "ride_id", rideID, "payment_intent", id)
	return nil
}
