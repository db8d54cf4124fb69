// Package billing is relay's balance ledger: cost estimation before
// dispatch, advisory balance checks, cost finalisation from reported token
// usage, and deduction with an append-only transaction audit trail.
//
// There is no reservation or hold. CheckBalance is advisory: racing
// requests from one credential can all pass the check and collectively
// overdraw, but the race is bounded by that credential's concurrency cap,
// and the overdraw surfaces in the audit trail rather than being hidden.
package billing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/metrics"
	"github.com/kelpejol/relay/internal/schema"
	"github.com/kelpejol/relay/internal/store"
)

// safetyMargin pads estimates to cover token-count estimation error.
const safetyMargin = 1.2

// Ledger performs all balance reads and writes.
type Ledger struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewLedger creates a Ledger over the catalogue store.
func NewLedger(st store.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store: st,
		log:   logger.With().Str("component", "billing").Logger(),
		now:   time.Now,
	}
}

// WithClock overrides the ledger's clock. Test hook.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Estimate prices a request before dispatch. Input tokens are approximated
// at one per four characters of stringified content (structured content
// counts its JSON encoding, deliberately over-counting image parts);
// output is assumed to run to the model's max_tokens; each image part adds
// the model's flat per-image price. The total carries a 20% safety margin.
func (l *Ledger) Estimate(req *schema.Request, model *schema.Model) float64 {
	inputTokens := 0
	images := 0
	for _, msg := range req.Messages {
		content := msg.Content.Stringified()
		inputTokens += int(math.Ceil(float64(len(content)) / 4))
		images += msg.Content.ImageCount()
	}

	inputCost := float64(inputTokens) / 1_000_000 * model.Pricing.InputPrice
	outputCost := float64(model.MaxTokens) / 1_000_000 * model.Pricing.OutputPrice
	imageCost := float64(images) * model.Pricing.ImageInputPrice

	return (inputCost + outputCost + imageCost) * safetyMargin
}

// CheckBalance reports whether the credential's current balance covers the
// estimate. Advisory only; no hold is placed.
func (l *Ledger) CheckBalance(ctx context.Context, apiKey string, estimated float64) (bool, error) {
	cred, err := l.store.GetCredential(ctx, apiKey)
	if err != nil {
		return false, apierr.Wrap(apierr.KindInternal, "balance lookup failed", err)
	}

	if cred.Balance < estimated {
		l.log.Warn().
			Str("api_key", apiKey).
			Float64("current_balance", cred.Balance).
			Float64("estimated_cost", estimated).
			Float64("shortage", estimated-cred.Balance).
			Msg("insufficient balance")
		return false, nil
	}
	return true, nil
}

// Finalise prices a completed response from the usage the upstream
// reported. Image cost is not re-applied here; it was approximated at
// estimate time only.
func (l *Ledger) Finalise(resp *schema.Response, model *schema.Model) float64 {
	inputCost := float64(resp.Usage.PromptTokens) / 1_000_000 * model.Pricing.InputPrice
	outputCost := float64(resp.Usage.CompletionTokens) / 1_000_000 * model.Pricing.OutputPrice
	return inputCost + outputCost
}

// Deduct subtracts cost from the credential's balance and appends the
// audit transaction. The balance write and the audit append are two store
// calls; a crash between them leaves a charge without its row, which the
// reconciliation job cross-checks. Racing deducts may drive the balance
// negative; the admission concurrency cap bounds how far.
func (l *Ledger) Deduct(ctx context.Context, apiKey string, cost float64) error {
	cred, err := l.store.GetCredential(ctx, apiKey)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "balance lookup failed", err)
	}

	oldBalance := cred.Balance
	newBalance := oldBalance - cost
	if err := l.store.UpdateCredentialBalance(ctx, apiKey, newBalance); err != nil {
		return apierr.Wrap(apierr.KindInternal, "balance update failed", err)
	}

	l.log.Info().
		Str("api_key", apiKey).
		Float64("previous_balance", oldBalance).
		Float64("deduction_amount", cost).
		Float64("new_balance", newBalance).
		Msg("balance deducted")
	metrics.BalanceDeducted.Add(cost)

	tx := schema.Transaction{
		Timestamp:  l.now(),
		APIKey:     apiKey,
		Amount:     cost,
		OldBalance: oldBalance,
		NewBalance: newBalance,
		Type:       schema.TxDeduction,
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		return apierr.Wrap(apierr.KindInternal, "transaction audit write failed", err)
	}
	return nil
}

// Credit adds amount to the credential's balance with a credit-kind audit
// row. Admin path only.
func (l *Ledger) Credit(ctx context.Context, apiKey string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %v", amount)
	}
	cred, err := l.store.GetCredential(ctx, apiKey)
	if err != nil {
		return err
	}

	oldBalance := cred.Balance
	newBalance := oldBalance + amount
	if err := l.store.UpdateCredentialBalance(ctx, apiKey, newBalance); err != nil {
		return err
	}

	l.log.Info().
		Str("api_key", apiKey).
		Float64("previous_balance", oldBalance).
		Float64("credit_amount", amount).
		Float64("new_balance", newBalance).
		Msg("balance credited")

	return l.store.InsertTransaction(ctx, schema.Transaction{
		Timestamp:  l.now(),
		APIKey:     apiKey,
		Amount:     amount,
		OldBalance: oldBalance,
		NewBalance: newBalance,
		Type:       schema.TxCredit,
	})
}
