// Package orchestrator turns a generation request into exactly one provider
// answer. It resolves "auto" providers and models, retries transient
// failures with exponential backoff, falls back across providers in the
// fixed preference order and caches successful results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/classifier"
	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/llm"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// Policy defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultCallTimeout  = 30 * time.Second
	DefaultMaxTokens    = 2048
	DefaultCacheTTL     = time.Hour
	GenerationNamespace = "generation"
	BrainstormNamespace = "brainstorm"

	maxBackoffShift = 30
)

// Request is one generation request. It is not modified by the
// orchestrator.
type Request struct {
	// Provider is a concrete provider or providers.Auto ("" means auto).
	Provider providers.ID `json:"provider"`
	// Model is a concrete model or providers.AutoModel ("" means auto).
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	// APIKey is used for an explicit provider only. Auto mode resolves each
	// provider's key through the Resolver.
	APIKey      string  `json:"-"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	// NoCache bypasses cache lookup and store.
	NoCache bool `json:"no_cache,omitempty"`
}

// Result is a normalized provider answer. Provider and Model always name
// the backend that produced it.
type Result struct {
	Content    string       `json:"content"`
	Provider   providers.ID `json:"provider"`
	Model      string       `json:"model"`
	TokensUsed int          `json:"tokens_used,omitempty"`
	Cached     bool         `json:"cached"`
}

// Config carries the retry and caching policy.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	CallTimeout      time.Duration
	DefaultMaxTokens int
	CacheTTL         time.Duration
}

// DefaultConfig returns the policy defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      DefaultMaxAttempts,
		BaseDelay:        DefaultBaseDelay,
		CallTimeout:      DefaultCallTimeout,
		DefaultMaxTokens: DefaultMaxTokens,
		CacheTTL:         DefaultCacheTTL,
	}
}

// Effective returns a copy with defaults applied for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	if out.DefaultMaxTokens <= 0 {
		out.DefaultMaxTokens = DefaultMaxTokens
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = DefaultCacheTTL
	}
	return out
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is the delay before retry number attempt+1: 2^attempt seconds.
func Backoff(attempt int) time.Duration {
	return backoff(DefaultBaseDelay, attempt)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	d := base * time.Duration(int64(1)<<attempt)
	if d <= 0 || d > time.Duration(math.MaxInt64/2) {
		return time.Duration(math.MaxInt64 / 2)
	}
	return d
}

// Orchestrator is safe for concurrent use; each Generate call keeps its
// retry state on its own stack.
type Orchestrator struct {
	transports llm.Dispatch
	resolver   credentials.Resolver
	cache      *cache.Cache
	cfg        Config
	sleep      Sleeper
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver sets the credential source. Without one only explicit
// Request.APIKey values are used.
func WithResolver(r credentials.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithConfig overrides the policy.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over a dispatch table.
func New(transports llm.Dispatch, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transports: transports,
		resolver:   credentials.Static{},
		cfg:        DefaultConfig(),
		sleep:      sleepContext,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.Effective()
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Config returns the effective policy.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Cache returns the response cache, nil when caching is off.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// Resolver returns the credential source.
func (o *Orchestrator) Resolver() credentials.Resolver {
	return o.resolver
}

type cacheParams struct {
	Provider    providers.ID `json:"provider"`
	Model       string       `json:"model"`
	Prompt      string       `json:"prompt"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
}

func (o *Orchestrator) normalize(req Request) (Request, error) {
	id, err := providers.ParseID(string(req.Provider))
	if err != nil {
		return req, invalid("%v", err)
	}
	req.Provider = id

	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" || strings.EqualFold(req.Model, providers.AutoModel) {
		req.Model = providers.AutoModel
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return req, invalid("prompt is empty")
	}
	if math.IsNaN(req.Temperature) || req.Temperature < 0 || req.Temperature > 1 {
		return req, invalid("temperature %v outside [0, 1]", req.Temperature)
	}
	if req.MaxTokens < 0 {
		return req, invalid("max tokens %d is negative", req.MaxTokens)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = o.cfg.DefaultMaxTokens
	}
	return req, nil
}

// Generate runs req to completion. Errors are one of: ErrInvalidRequest,
// a *ProviderError for an explicit provider, a *GenerationError for auto
// mode, or an error matching ErrCancelled.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	req, err := o.normalize(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	params := cacheParams{
		Provider:    req.Provider,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	useCache := o.cache != nil && !req.NoCache

	if useCache {
		var hit Result
		ok, err := o.cache.Get(ctx, GenerationNamespace, params, &hit)
		if err != nil {
			o.logger.Warn("cache lookup failed", "error", err)
		} else if ok {
			hit.Cached = true
			o.logger.Debug("cache hit", "provider", hit.Provider, "model", hit.Model)
			return &hit, nil
		}
	}

	var res *Result
	if req.Provider == providers.Auto {
		res, err = o.generateAuto(ctx, req)
	} else {
		res, err = o.generateExplicit(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if useCache {
		ttl := cache.ContentTTL(o.cfg.CacheTTL, res.Content)
		if err := o.cache.Set(ctx, GenerationNamespace, params, res, ttl); err != nil {
			o.logger.Warn("cache store failed", "error", err)
		}
	}
	return res, nil
}

func (o *Orchestrator) generateExplicit(ctx context.Context, req Request) (*Result, error) {
	model, err := providers.ResolveModel(req.Provider, req.Model)
	if err != nil {
		return nil, invalid("%v", err)
	}

	key := req.APIKey
	if key == "" {
		key, err = o.resolver.Resolve(ctx, req.Provider)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx.Err())
			}
			return nil, &ProviderError{Provider: req.Provider, Model: model, Kind: classifier.Unknown, Err: err}
		}
	}
	if key == "" {
		return nil, &ProviderError{
			Provider: req.Provider,
			Model:    model,
			Kind:     classifier.Permanent,
			Err:      fmt.Errorf("%w (set %s)", llm.ErrMissingAPIKey, providers.KeyEnv(req.Provider)),
		}
	}

	return o.callWithRetry(ctx, req.Provider, llm.Call{
		Model:       model,
		Prompt:      req.Prompt,
		APIKey:      key,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
}

func (o *Orchestrator) generateAuto(ctx context.Context, req Request) (*Result, error) {
	genErr := &GenerationError{}

	for _, id := range providers.Order {
		model := autoModelFor(id, req.Model)

		key, err := o.resolver.Resolve(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx.Err())
			}
			o.logger.Warn("credential lookup failed, trying next provider", "provider", id, "error", err)
			genErr.Failures = append(genErr.Failures, &ProviderError{
				Provider: id, Model: model, Kind: classifier.Unknown,
				Err: fmt.Errorf("resolving credential: %w", err),
			})
			continue
		}
		if key == "" {
			o.logger.Debug("skipping provider without credential", "provider", id)
			genErr.Skipped = append(genErr.Skipped, id)
			continue
		}

		res, err := o.callWithRetry(ctx, id, llm.Call{
			Model:       model,
			Prompt:      req.Prompt,
			APIKey:      key,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if err == nil {
			return res, nil
		}

		var perr *ProviderError
		if !errors.As(err, &perr) {
			return nil, err
		}
		genErr.Failures = append(genErr.Failures, perr)
		o.logger.Info("provider failed, falling back",
			"provider", id,
			"model", model,
			"kind", perr.Kind.String(),
			"attempts", perr.Attempts,
		)
	}

	o.logger.Warn("all providers failed",
		"failed", len(genErr.Failures),
		"skipped", len(genErr.Skipped),
	)
	return nil, genErr
}

// autoModelFor keeps a concrete model only for the provider that lists it;
// every other provider gets its own default.
func autoModelFor(id providers.ID, requested string) string {
	if requested != providers.AutoModel && providers.HasModel(id, requested) {
		return requested
	}
	model, _ := providers.ResolveModel(id, providers.AutoModel)
	return model
}

// callWithRetry calls one provider up to MaxAttempts times. It returns a
// *ProviderError when the provider is done, or a cancellation error.
func (o *Orchestrator) callWithRetry(ctx context.Context, id providers.ID, call llm.Call) (*Result, error) {
	transport, err := o.transports.For(id)
	if err != nil {
		return nil, &ProviderError{Provider: id, Model: call.Model, Kind: classifier.Permanent, Err: err}
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		comp, err := o.callOnce(ctx, transport, call)
		if err == nil {
			model := comp.Model
			if model == "" || strings.EqualFold(model, providers.AutoModel) {
				model = call.Model
			}
			o.logger.Debug("generation succeeded",
				"provider", id,
				"model", model,
				"attempt", attempt+1,
				"tokens", comp.TokensUsed,
			)
			return &Result{
				Content:    comp.Content,
				Provider:   id,
				Model:      model,
				TokensUsed: comp.TokensUsed,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}

		kind := classifier.ClassifyError(err)
		if !kind.Retryable() {
			o.logger.Warn("non-retryable provider error",
				"provider", id,
				"model", call.Model,
				"attempt", attempt+1,
				"kind", kind.String(),
				"error", err,
			)
			return nil, &ProviderError{Provider: id, Model: call.Model, Kind: kind, Attempts: attempt + 1, Err: err}
		}

		if attempt+1 >= o.cfg.MaxAttempts {
			o.logger.Warn("exhausted retries for provider",
				"provider", id,
				"model", call.Model,
				"attempts", attempt+1,
				"error", err,
			)
			return nil, &ProviderError{Provider: id, Model: call.Model, Kind: classifier.Transient, Attempts: attempt + 1, Err: err}
		}

		delay := backoff(o.cfg.BaseDelay, attempt)
		attrs := []any{
			"provider", id,
			"model", call.Model,
			"attempt", attempt + 1,
			"next_attempt", attempt + 2,
			"backoff_ms", delay.Milliseconds(),
			"error", err,
		}
		var apierr *llm.APIError
		if errors.As(err, &apierr) && apierr.RetryAfter > 0 {
			attrs = append(attrs, "retry_after_ms", apierr.RetryAfter.Milliseconds())
		}
		o.logger.Info("retrying after transient error", attrs...)

		if err := o.sleep(ctx, delay); err != nil {
			return nil, cancelled(err)
		}
	}
}

// callOnce bounds a single transport call by CallTimeout. Hitting the bound
// is reported as a transient timeout.
func (o *Orchestrator) callOnce(ctx context.Context, transport llm.Transport, call llm.Call) (llm.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	comp, err := transport.Call(callCtx, call)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return comp, fmt.Errorf("provider call timeout after %s: %w", o.cfg.CallTimeout, err)
	}
	return comp, err
}
