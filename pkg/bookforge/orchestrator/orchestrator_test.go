package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/classifier"
	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/llm"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// fakeProviders records calls per provider and answers with a per-provider
// behaviour.
type fakeProviders struct {
	mu     sync.Mutex
	calls  map[providers.ID][]llm.Call
	sleeps []time.Duration
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{calls: make(map[providers.ID][]llm.Call)}
}

func (f *fakeProviders) count(id providers.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[id])
}

func (f *fakeProviders) dispatch(behaviour map[providers.ID]func(llm.Call) (llm.Completion, error)) llm.Dispatch {
	d := make(llm.Dispatch)
	for _, id := range providers.Order {
		id := id
		fn := behaviour[id]
		d[id] = llm.TransportFunc(func(ctx context.Context, call llm.Call) (llm.Completion, error) {
			f.mu.Lock()
			f.calls[id] = append(f.calls[id], call)
			f.mu.Unlock()
			if fn == nil {
				return llm.Completion{}, errors.New("unexpected call")
			}
			return fn(call)
		})
	}
	return d
}

func (f *fakeProviders) sleeper() Sleeper {
	return func(_ context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return nil
	}
}

func reply(content string) func(llm.Call) (llm.Completion, error) {
	return func(call llm.Call) (llm.Completion, error) {
		return llm.Completion{Content: content, Model: call.Model, TokensUsed: 7}, nil
	}
}

func fail(msg string) func(llm.Call) (llm.Completion, error) {
	return func(llm.Call) (llm.Completion, error) {
		return llm.Completion{}, errors.New(msg)
	}
}

func allKeys() credentials.Static {
	keys := credentials.Static{}
	for _, id := range providers.Order {
		keys[id] = "key-" + string(id)
	}
	return keys
}

func TestBackoffGrowth(t *testing.T) {
	if Backoff(0) != time.Second {
		t.Fatalf("Backoff(0) = %v, want 1s", Backoff(0))
	}
	for n := 0; n < 20; n++ {
		if Backoff(n+1) != 2*Backoff(n) {
			t.Errorf("Backoff(%d) = %v, want 2*%v", n+1, Backoff(n+1), Backoff(n))
		}
	}
	if Backoff(-1) != time.Second {
		t.Errorf("negative attempt = %v", Backoff(-1))
	}
	if Backoff(1000) <= 0 {
		t.Error("large attempt overflowed")
	}
}

func TestAutoInvalidKeyFallsBackToAnthropic(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.OpenAI:    fail("Incorrect API key provided: invalid api key"),
		providers.Anthropic: reply("Hello"),
	}), WithResolver(allKeys()), WithSleeper(f.sleeper()))

	res, err := o.Generate(context.Background(), Request{
		Provider: providers.Auto,
		Model:    providers.AutoModel,
		Prompt:   "X",
		APIKey:   "k",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Content != "Hello" || res.Provider != providers.Anthropic || res.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("unexpected result: %+v", res)
	}
	if n := f.count(providers.OpenAI); n != 1 {
		t.Errorf("openai attempted %d times, want exactly 1", n)
	}
	if len(f.sleeps) != 0 {
		t.Errorf("permanent error caused backoff: %v", f.sleeps)
	}
	if n := f.count(providers.XAI); n != 0 {
		t.Errorf("later provider tried after success: %d", n)
	}
}

func TestAutoFallsBackAfterTransientExhaustion(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.OpenAI:    fail("429 Too Many Requests: rate limit reached"),
		providers.Anthropic: reply("chapter text"),
	}), WithResolver(allKeys()), WithSleeper(f.sleeper()))

	res, err := o.Generate(context.Background(), Request{Prompt: "write"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != providers.Anthropic {
		t.Errorf("provider = %s, want anthropic", res.Provider)
	}
	if n := f.count(providers.OpenAI); n != DefaultMaxAttempts {
		t.Errorf("openai attempted %d times, want %d", n, DefaultMaxAttempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(f.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", f.sleeps, want)
	}
	for i := range want {
		if f.sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, f.sleeps[i], want[i])
		}
	}
}

func TestTransientThenSuccessRetriesSameProvider(t *testing.T) {
	f := newFakeProviders()
	calls := 0
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.OpenAI: func(call llm.Call) (llm.Completion, error) {
			calls++
			if calls == 1 {
				return llm.Completion{}, errors.New("read tcp: connection reset by peer")
			}
			return llm.Completion{Content: "ok", Model: call.Model}, nil
		},
	}), WithResolver(allKeys()), WithSleeper(f.sleeper()))

	res, err := o.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil || res.Provider != providers.OpenAI {
		t.Fatalf("Generate = %+v, %v", res, err)
	}
	if n := f.count(providers.OpenAI); n != 2 {
		t.Errorf("openai attempted %d times, want 2", n)
	}
}

func TestExplicitProviderDoesNotFallBack(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.XAI:       fail("503 service unavailable"),
		providers.Anthropic: reply("should not be used"),
	}), WithResolver(allKeys()), WithSleeper(f.sleeper()))

	_, err := o.Generate(context.Background(), Request{Provider: providers.XAI, Prompt: "p", APIKey: "xk"})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProviderError, got %T: %v", err, err)
	}
	if perr.Provider != providers.XAI || perr.Kind != classifier.Transient || perr.Attempts != DefaultMaxAttempts {
		t.Errorf("unexpected ProviderError: %+v", perr)
	}
	if errors.Is(err, ErrAllProvidersFailed) {
		t.Error("explicit failure must be distinguishable from aggregate failure")
	}
	for _, id := range providers.Order {
		if id != providers.XAI && f.count(id) != 0 {
			t.Errorf("%s was attempted", id)
		}
	}
	if !strings.Contains(err.Error(), "xAI") {
		t.Errorf("error lacks provider context: %q", err.Error())
	}
}

func TestExplicitPermanentErrorIsImmediate(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.OpenAI: fail("401 Unauthorized"),
	}), WithSleeper(f.sleeper()))

	_, err := o.Generate(context.Background(), Request{Provider: providers.OpenAI, Prompt: "p", APIKey: "bad"})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != classifier.Permanent || perr.Attempts != 1 {
		t.Fatalf("unexpected error: %#v", err)
	}
	if f.count(providers.OpenAI) != 1 || len(f.sleeps) != 0 {
		t.Errorf("calls=%d sleeps=%v", f.count(providers.OpenAI), f.sleeps)
	}
}

func TestUnrecognisedErrorIsNotRetried(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.Google: fail("model produced something odd"),
	}), WithSleeper(f.sleeper()))

	_, err := o.Generate(context.Background(), Request{Provider: providers.Google, Prompt: "p", APIKey: "gk"})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != classifier.Unknown || !perr.Permanent() {
		t.Fatalf("unexpected error: %#v", err)
	}
	if f.count(providers.Google) != 1 {
		t.Errorf("google attempted %d times", f.count(providers.Google))
	}
}

func TestAutoSkipsProvidersWithoutKey(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.Google: reply("from gemini"),
	}), WithResolver(credentials.Static{providers.Google: "gk"}), WithSleeper(f.sleeper()))

	res, err := o.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != providers.Google || res.Model != "gemini-1.5-pro" {
		t.Errorf("unexpected result: %+v", res)
	}
	for _, id := range []providers.ID{providers.OpenAI, providers.Anthropic, providers.XAI} {
		if f.count(id) != 0 {
			t.Errorf("%s called without a key", id)
		}
	}
	if got := f.calls[providers.Google][0].APIKey; got != "gk" {
		t.Errorf("google called with key %q", got)
	}
}

func TestAutoIgnoresRequestKey(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(nil), WithSleeper(f.sleeper()))

	_, err := o.Generate(context.Background(), Request{Prompt: "p", APIKey: "k"})
	if !errors.Is(err, ErrNoCredentials) || !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want no-credentials aggregate", err)
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || !genErr.Permanent() || len(genErr.Skipped) != len(providers.Order) {
		t.Errorf("unexpected aggregate: %#v", err)
	}
}

func TestAutoAllProvidersFail(t *testing.T) {
	f := newFakeProviders()
	behaviour := map[providers.ID]func(llm.Call) (llm.Completion, error){}
	for _, id := range providers.Order {
		behaviour[id] = fail("403 Forbidden")
	}
	o := New(f.dispatch(behaviour), WithResolver(allKeys()), WithSleeper(f.sleeper()))

	_, err := o.Generate(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, ErrNoCredentials) {
		t.Error("providers were called, ErrNoCredentials should not match")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "provider selection failed") {
		t.Errorf("message = %q", msg)
	}
	for _, id := range providers.Order {
		if !strings.Contains(msg, providers.DisplayName(id)) {
			t.Errorf("message does not name %s: %q", id, msg)
		}
		if f.count(id) != 1 {
			t.Errorf("%s attempted %d times", id, f.count(id))
		}
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Error("per-provider failures not reachable with errors.As")
	}
}

func TestResolverErrorIsRecordedAndSkipped(t *testing.T) {
	f := newFakeProviders()
	resolver := credentials.ResolverFunc(func(_ context.Context, id providers.ID) (string, error) {
		if id == providers.OpenAI {
			return "", errors.New("vault backend unreachable")
		}
		return "key", nil
	})
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.Anthropic: reply("fine"),
	}), WithResolver(resolver), WithSleeper(f.sleeper()))

	res, err := o.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil || res.Provider != providers.Anthropic {
		t.Fatalf("Generate = %+v, %v", res, err)
	}
}

func TestModelResolution(t *testing.T) {
	f := newFakeProviders()
	behaviour := map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.Google: func(call llm.Call) (llm.Completion, error) {
			return llm.Completion{Content: "x", Model: providers.AutoModel}, nil
		},
		providers.OpenAI: fail("401 unauthorized"),
		providers.Anthropic: func(call llm.Call) (llm.Completion, error) {
			return llm.Completion{Content: "y"}, nil
		},
	}
	o := New(f.dispatch(behaviour), WithResolver(allKeys()), WithSleeper(f.sleeper()))
	ctx := context.Background()

	res, err := o.Generate(ctx, Request{Provider: providers.Google, Model: "auto", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Model != "gemini-1.5-pro" {
		t.Errorf("model = %q, auto leaked or default not applied", res.Model)
	}

	res, err = o.Generate(ctx, Request{Model: "gpt-4o-mini", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := f.calls[providers.OpenAI][0].Model; got != "gpt-4o-mini" {
		t.Errorf("openai called with %q", got)
	}
	if res.Provider != providers.Anthropic || res.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("fallback provider should use its own default: %+v", res)
	}
}

func TestEmptyContentIsSuccess(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.DeepSeek: reply(""),
	}), WithSleeper(f.sleeper()))

	res, err := o.Generate(context.Background(), Request{Provider: providers.DeepSeek, Prompt: "p", APIKey: "dk"})
	if err != nil || res.Content != "" || res.Provider != providers.DeepSeek {
		t.Fatalf("Generate = %+v, %v", res, err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty prompt", Request{Prompt: "   "}},
		{"temperature high", Request{Prompt: "p", Temperature: 1.5}},
		{"temperature negative", Request{Prompt: "p", Temperature: -0.1}},
		{"negative tokens", Request{Prompt: "p", MaxTokens: -1}},
		{"unknown provider", Request{Provider: "mistral", Prompt: "p"}},
	}

	f := newFakeProviders()
	o := New(f.dispatch(nil), WithResolver(allKeys()), WithSleeper(f.sleeper()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Generate(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
	for _, id := range providers.Order {
		if f.count(id) != 0 {
			t.Errorf("%s called for invalid request", id)
		}
	}
}

func TestExplicitWithoutKeyUsesResolver(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.Anthropic: reply("ok"),
	}), WithResolver(credentials.Static{providers.Anthropic: "resolved"}), WithSleeper(f.sleeper()))

	if _, err := o.Generate(context.Background(), Request{Provider: providers.Anthropic, Prompt: "p"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := f.calls[providers.Anthropic][0].APIKey; got != "resolved" {
		t.Errorf("key = %q", got)
	}

	_, err := o.Generate(context.Background(), Request{Provider: providers.XAI, Prompt: "p"})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Attempts != 0 || !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Fatalf("missing key err = %#v", err)
	}
	if !classifier.IsPermanent(err.Error()) {
		t.Errorf("missing key message not permanent: %q", err.Error())
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFakeProviders()
	o := New(f.dispatch(nil), WithResolver(allKeys()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Generate(ctx, Request{Prompt: "p"})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	f := newFakeProviders()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeper := func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.OpenAI:    fail("503 service unavailable"),
		providers.Anthropic: reply("never"),
	}), WithResolver(allKeys()), WithSleeper(sleeper))

	_, err := o.Generate(ctx, Request{Prompt: "p"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if f.count(providers.OpenAI) != 1 || f.count(providers.Anthropic) != 0 {
		t.Errorf("calls after cancel: openai=%d anthropic=%d", f.count(providers.OpenAI), f.count(providers.Anthropic))
	}
}

func TestCancelDuringCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := llm.Dispatch{
		providers.OpenAI: llm.TransportFunc(func(ctx context.Context, _ llm.Call) (llm.Completion, error) {
			cancel()
			<-ctx.Done()
			return llm.Completion{}, ctx.Err()
		}),
	}
	o := New(d)

	_, err := o.Generate(ctx, Request{Provider: providers.OpenAI, Prompt: "p", APIKey: "k"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestCallTimeoutIsTransient(t *testing.T) {
	f := newFakeProviders()
	d := llm.Dispatch{
		providers.OpenAI: llm.TransportFunc(func(ctx context.Context, _ llm.Call) (llm.Completion, error) {
			<-ctx.Done()
			return llm.Completion{}, ctx.Err()
		}),
	}
	o := New(d,
		WithConfig(Config{MaxAttempts: 2, CallTimeout: 20 * time.Millisecond}),
		WithSleeper(f.sleeper()),
	)

	_, err := o.Generate(context.Background(), Request{Provider: providers.OpenAI, Prompt: "p", APIKey: "k"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProviderError, got %v", err)
	}
	if perr.Kind != classifier.Transient || perr.Attempts != 2 {
		t.Errorf("unexpected ProviderError: %+v", perr)
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("per-call timeout reported as cancellation")
	}
}

func TestGenerateUsesCache(t *testing.T) {
	f := newFakeProviders()
	c := cache.New(cache.NewMemoryStore())
	o := New(f.dispatch(map[providers.ID]func(llm.Call) (llm.Completion, error){
		providers.OpenAI: reply("cached chapter"),
	}), WithResolver(allKeys()), WithCache(c), WithSleeper(f.sleeper()))
	ctx := context.Background()
	req := Request{Prompt: "chapter one", Temperature: 0.7}

	first, err := o.Generate(ctx, req)
	if err != nil || first.Cached {
		t.Fatalf("first Generate = %+v, %v", first, err)
	}
	second, err := o.Generate(ctx, req)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if !second.Cached || second.Content != "cached chapter" || second.Provider != providers.OpenAI {
		t.Errorf("second result = %+v", second)
	}
	if f.count(providers.OpenAI) != 1 {
		t.Errorf("provider called %d times, want 1", f.count(providers.OpenAI))
	}

	req.NoCache = true
	if res, _ := o.Generate(ctx, req); res.Cached {
		t.Error("NoCache request served from cache")
	}
	if f.count(providers.OpenAI) != 2 {
		t.Errorf("NoCache did not reach provider")
	}

	other := Request{Prompt: "chapter one", Temperature: 0.2}
	if res, _ := o.Generate(ctx, other); res.Cached {
		t.Error("different temperature shared a cache entry")
	}
}

func TestConfigEffective(t *testing.T) {
	got := Config{MaxAttempts: 5}.Effective()
	if got.MaxAttempts != 5 || got.BaseDelay != DefaultBaseDelay || got.CallTimeout != DefaultCallTimeout {
		t.Errorf("Effective = %+v", got)
	}
	o := New(nil, WithConfig(Config{}))
	if o.Config().MaxAttempts != DefaultMaxAttempts {
		t.Errorf("zero config not defaulted: %+v", o.Config())
	}
}
