package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CallRecord captures latency and outcome of one provider call.
type CallRecord struct {
	Provider  string
	Model     string
	Latency   time.Duration
	Streaming bool
	Err       error
}

// Facade presents a chain of providers as one. Calls go to the primary
// provider; on rate-limit or quota errors the next provider in
// priority order is tried. Any other error surfaces immediately.
// A shared limiter paces outgoing calls across the whole process.
type Facade struct {
	chain    []Provider
	limiter  *rate.Limiter
	onRecord func(CallRecord)

	mu       sync.Mutex
	failures map[string]int
}

// NewFacade builds a facade over providers in priority order. The
// first entry is the primary. onRecord may be nil.
func NewFacade(chain []Provider, rps float64, onRecord func(CallRecord)) (*Facade, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("providers: facade needs at least one provider")
	}
	if rps <= 0 {
		rps = 5
	}
	return &Facade{
		chain:    chain,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		onRecord: onRecord,
		failures: make(map[string]int),
	}, nil
}

func (f *Facade) Name() string         { return f.chain[0].Name() }
func (f *Facade) DefaultModel() string { return f.chain[0].DefaultModel() }

// Primary returns the highest-priority provider.
func (f *Facade) Primary() Provider { return f.chain[0] }

func (f *Facade) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f.call(ctx, req, false, nil)
}

func (f *Facade) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return f.call(ctx, req, true, onChunk)
}

func (f *Facade) call(ctx context.Context, req ChatRequest, streaming bool, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for i, p := range f.chain {
		// Model names are provider-specific; only the primary gets the
		// caller's override, fallbacks use their own default.
		callReq := req
		if i > 0 {
			callReq.Model = ""
		}

		start := time.Now()
		var resp *ChatResponse
		var err error
		if streaming {
			resp, err = p.ChatStream(ctx, callReq, onChunk)
		} else {
			resp, err = p.Chat(ctx, callReq)
		}
		f.record(CallRecord{
			Provider:  p.Name(),
			Model:     callReq.Model,
			Latency:   time.Since(start),
			Streaming: streaming,
			Err:       err,
		})

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if !IsQuota(err) {
			return nil, err
		}
		if i+1 < len(f.chain) {
			slog.Warn("provider quota exhausted, failing over",
				"from", p.Name(), "to", f.chain[i+1].Name(), "error", err)
		}
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (f *Facade) record(rec CallRecord) {
	f.mu.Lock()
	if rec.Err != nil {
		f.failures[rec.Provider]++
	}
	f.mu.Unlock()
	if f.onRecord != nil {
		f.onRecord(rec)
	}
}

// FailureCount returns how many calls to the named provider failed
// since process start.
func (f *Facade) FailureCount(provider string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[provider]
}
