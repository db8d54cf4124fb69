// Package pipeline drives a request through relay's processing stages:
// authenticate, resolve the model, admit against rate limits, validate,
// estimate and check balance, dispatch with retries, settle, and log.
//
// Stage order is load-bearing. Admission happens before validation so a
// flood of malformed requests still burns the caller's quota; the balance
// check happens after validation so estimates always run over a coerced
// request; settlement happens only for a delivered response. A concurrency
// slot taken at admission is released exactly once on every path out,
// including the fallback re-entry, which releases before re-running
// admission on the substitute model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/billing"
	"github.com/kelpejol/relay/internal/metrics"
	"github.com/kelpejol/relay/internal/models"
	"github.com/kelpejol/relay/internal/provider"
	"github.com/kelpejol/relay/internal/ratelimit"
	"github.com/kelpejol/relay/internal/schema"
	"github.com/kelpejol/relay/internal/store"
	"github.com/kelpejol/relay/internal/validate"
)

// maxFallbackDepth bounds lower-tier substitution to a single hop. The
// substitute's own balance failure is terminal.
const maxFallbackDepth = 1

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id for the pipeline's log records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id set by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Pipeline wires the processing stages together.
type Pipeline struct {
	store     store.Store
	limiter   *ratelimit.Limiter
	models    *models.Manager
	ledger    *billing.Ledger
	providers provider.Registry
	log       zerolog.Logger

	upstreamTimeout time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
}

// New creates a Pipeline over its collaborators.
func New(st store.Store, limiter *ratelimit.Limiter, mgr *models.Manager, ledger *billing.Ledger, providers provider.Registry, upstreamTimeout time.Duration, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:           st,
		limiter:         limiter,
		models:          mgr,
		ledger:          ledger,
		providers:       providers,
		log:             logger.With().Str("component", "pipeline").Logger(),
		upstreamTimeout: upstreamTimeout,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// WithClock overrides the pipeline's clock. Test hook.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithSleep overrides the inter-attempt delay. Test hook.
func (p *Pipeline) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Pipeline {
	p.sleep = sleep
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handle runs one chat completion end to end. The returned error, when
// non-nil, is always a classified apierr value.
func (p *Pipeline) Handle(ctx context.Context, apiKey string, req *schema.Request) (*schema.Response, error) {
	start := p.now()
	defer func() {
		metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}()

	cred, err := p.authenticate(ctx, apiKey)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	resp, err := p.process(ctx, cred, req, 0)
	switch {
	case err == nil:
		metrics.RequestsTotal.WithLabelValues("completed").Inc()
	case isRejection(err):
		metrics.RequestsTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.RequestsTotal.WithLabelValues("failed").Inc()
	}
	return resp, err
}

// isRejection separates refusals (never admitted, or refused admission)
// from failures of admitted work.
func isRejection(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindAuth, apierr.KindForbidden, apierr.KindRateLimited:
		return true
	}
	return false
}

func (p *Pipeline) authenticate(ctx context.Context, apiKey string) (*schema.Credential, error) {
	cred, err := p.store.GetCredential(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindAuth, "Invalid API key")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "credential lookup failed", err)
	}

	switch cred.Status {
	case schema.StatusActive:
		return cred, nil
	case schema.StatusInactive, schema.StatusDisabled:
		return nil, apierr.New(apierr.KindForbidden, fmt.Sprintf("API key is %s", cred.Status))
	default:
		// Records without a recognised status never pass.
		return nil, apierr.New(apierr.KindForbidden, "API key is not active")
	}
}

// process runs the post-auth stages. depth counts fallback re-entries.
func (p *Pipeline) process(ctx context.Context, cred *schema.Credential, req *schema.Request, depth int) (*schema.Response, error) {
	model, err := p.resolveModel(ctx, req.Model)
	if err != nil {
		p.writeFailureLog(ctx, cred.APIKey, req.Model, req, nil, err)
		return nil, err
	}

	if err := p.limiter.Admit(ctx, cred.APIKey, cred.RateLimits); err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			p.limiter.Release(context.WithoutCancel(ctx), cred.APIKey)
		}
	}
	defer release()

	validated, err := validate.Validate(req, model)
	if err != nil {
		p.writeFailureLog(ctx, cred.APIKey, model.ModelID, req, nil, err)
		return nil, err
	}

	estimated := p.ledger.Estimate(validated, model)
	covered, err := p.ledger.CheckBalance(ctx, cred.APIKey, estimated)
	if err != nil {
		p.writeFailureLog(ctx, cred.APIKey, model.ModelID, validated, nil, err)
		return nil, err
	}
	if !covered {
		if cred.RetryConfig.FallbackToLowerTier && depth < maxFallbackDepth {
			fallback, ferr := p.models.FindLowerTier(ctx, model.CapabilityLevel, requiredCapabilities(validated))
			if ferr != nil {
				p.writeFailureLog(ctx, cred.APIKey, model.ModelID, validated, nil, ferr)
				return nil, apierr.Wrap(apierr.KindInternal, "fallback search failed", ferr)
			}
			if fallback != nil {
				p.log.Info().
					Str("api_key", cred.APIKey).
					Str("from_model", model.ModelID).
					Str("to_model", fallback.ModelID).
					Float64("estimated_cost", estimated).
					Msg("falling back to lower tier model")
				metrics.FallbackSubstitutions.Inc()

				substituted := validated.Clone()
				substituted.Model = fallback.ModelID
				// The substitute runs the full sequence again, so this
				// admission's slot must go back first.
				release()
				return p.process(ctx, cred, substituted, depth+1)
			}
		}
		err := apierr.New(apierr.KindInsufficientBalance, "Insufficient balance")
		p.writeFailureLog(ctx, cred.APIKey, model.ModelID, validated, nil, err)
		return nil, err
	}

	resp, attempts, err := p.dispatch(ctx, cred, model, validated)
	if err != nil {
		p.writeFailureLog(ctx, cred.APIKey, model.ModelID, validated, attempts, err)
		return nil, err
	}

	cost := p.ledger.Finalise(resp, model)
	if err := p.ledger.Deduct(ctx, cred.APIKey, cost); err != nil {
		// The response is already produced; failing the request here
		// would charge the caller in retries for work they received.
		p.log.Error().Err(err).
			Str("api_key", cred.APIKey).
			Float64("cost", cost).
			Msg("settlement failed after successful dispatch")
	}

	p.writeCompletionLog(ctx, cred.APIKey, model.ModelID, validated, resp, cost, attempts)
	return resp, nil
}

func (p *Pipeline) resolveModel(ctx context.Context, modelID string) (*schema.Model, error) {
	model, err := p.models.Get(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindBadRequest, fmt.Sprintf("Model %s not found", modelID))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "model lookup failed", err)
	}
	if model.Status != schema.StatusActive {
		return nil, apierr.New(apierr.KindBadRequest, fmt.Sprintf("Model %s is not available", modelID))
	}
	return model, nil
}

// requiredCapabilities derives what the request actually needs, so
// fallback only demands image support when the request carries images.
func requiredCapabilities(req *schema.Request) schema.Capabilities {
	required := schema.Capabilities{Text: true}
	for _, msg := range req.Messages {
		if msg.Content.ImageCount() > 0 {
			required.Image = true
			break
		}
	}
	return required
}

// dispatch runs the attempt loop: up to max_retries attempts with a fixed
// retry_delay pause between them. Failed attempts are always recorded; the
// succeeding attempt is recorded only when a failure preceded it, so a
// clean first attempt leaves no retry history. Caller cancellation stops
// the loop immediately.
func (p *Pipeline) dispatch(ctx context.Context, cred *schema.Credential, model *schema.Model, req *schema.Request) (*schema.Response, []schema.RetryAttempt, error) {
	adapter, ok := p.providers[model.Provider]
	if !ok {
		return nil, nil, apierr.New(apierr.KindInternal,
			fmt.Sprintf("no adapter registered for provider %s", model.Provider))
	}

	maxAttempts := cred.RetryConfig.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := time.Duration(cred.RetryConfig.RetryDelay) * time.Millisecond

	var attempts []schema.RetryAttempt
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.upstreamTimeout)
		resp, err := adapter.Complete(actx, req)
		cancel()

		if err == nil {
			metrics.UpstreamAttempts.WithLabelValues(model.Provider, "success").Inc()
			if attempt > 1 {
				attempts = append(attempts, schema.RetryAttempt{
					Attempt:   attempt,
					Timestamp: p.now(),
					Status:    "success",
				})
			}
			return resp, attempts, nil
		}

		if ctx.Err() != nil {
			err = apierr.Wrap(apierr.KindCancelled, "Request cancelled", ctx.Err())
		}
		metrics.UpstreamAttempts.WithLabelValues(model.Provider, "failed").Inc()
		attempts = append(attempts, schema.RetryAttempt{
			Attempt:   attempt,
			Timestamp: p.now(),
			Status:    "failed",
			Error:     err.Error(),
		})
		lastErr = err

		p.log.Warn().Err(err).
			Str("api_key", cred.APIKey).
			Str("model_id", model.ModelID).
			Int("attempt", attempt).
			Int("max_retries", maxAttempts).
			Msg("upstream attempt failed")

		if apierr.Is(err, apierr.KindCancelled) {
			break
		}
		if attempt < maxAttempts {
			if serr := p.sleep(ctx, delay); serr != nil {
				lastErr = apierr.Wrap(apierr.KindCancelled, "Request cancelled", serr)
				break
			}
		}
	}
	return nil, attempts, lastErr
}

func (p *Pipeline) writeCompletionLog(ctx context.Context, apiKey, modelID string, req *schema.Request, resp *schema.Response, cost float64, attempts []schema.RetryAttempt) {
	usage := resp.Usage
	entry := p.baseLog(ctx, apiKey, modelID, req)
	entry.Tokens = &usage
	entry.Cost = cost
	entry.Status = schema.RequestCompleted
	entry.RetryAttempts = attempts

	if err := p.store.InsertRequestLog(ctx, entry); err != nil {
		p.log.Warn().Err(err).Str("request_id", entry.RequestID).Msg("request log write failed")
	}
}

func (p *Pipeline) writeFailureLog(ctx context.Context, apiKey, modelID string, req *schema.Request, attempts []schema.RetryAttempt, cause error) {
	entry := p.baseLog(ctx, apiKey, modelID, req)
	entry.Status = schema.RequestFailed
	entry.RetryAttempts = attempts
	entry.ErrorType = apierr.KindOf(cause).String()
	entry.ErrorMessage = cause.Error()

	if err := p.store.InsertRequestLog(context.WithoutCancel(ctx), entry); err != nil {
		p.log.Warn().Err(err).Str("request_id", entry.RequestID).Msg("request log write failed")
	}
}

// baseLog builds the fields shared by completion and failure records.
// Message bodies never enter the log, only per-role counts.
func (p *Pipeline) baseLog(ctx context.Context, apiKey, modelID string, req *schema.Request) schema.RequestLog {
	messageTypes := make(map[string]int)
	for _, msg := range req.Messages {
		messageTypes[msg.Role]++
	}
	return schema.RequestLog{
		RequestID:    RequestIDFrom(ctx),
		APIKey:       apiKey,
		ModelID:      modelID,
		Timestamp:    p.now(),
		RequestType:  "chat_completion",
		Parameters:   req.Parameters(),
		MessageCount: len(req.Messages),
		MessageTypes: messageTypes,
	}
}
