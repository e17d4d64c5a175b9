package providers

import (
	"context"
	"errors"
	"testing"
)

// stubProvider returns canned responses or errors in order.
type stubProvider struct {
	name  string
	errs  []error
	calls int
	models []string // model seen per call
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.models = append(s.models, req.Model)
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ChatResponse{Content: "from " + s.name, FinishReason: "stop"}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := s.Chat(ctx, req)
	if err == nil && onChunk != nil {
		onChunk(StreamChunk{Content: resp.Content})
	}
	return resp, err
}

func (s *stubProvider) DefaultModel() string { return s.name + "-default" }
func (s *stubProvider) Name() string         { return s.name }

func quotaErr(name string) error {
	return &HTTPError{Provider: name, Status: 429, Body: "rate limited"}
}

func TestFacade_QuotaFailover(t *testing.T) {
	primary := &stubProvider{name: "anthropic", errs: []error{quotaErr("anthropic")}}
	fallback := &stubProvider{name: "openai"}
	f, err := NewFacade([]Provider{primary, fallback}, 100, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := f.Chat(context.Background(), ChatRequest{Model: "claude-x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from openai" {
		t.Errorf("response %q, want fallback answer", resp.Content)
	}
	// The caller's model override belongs to the primary only.
	if primary.models[0] != "claude-x" {
		t.Errorf("primary saw model %q", primary.models[0])
	}
	if fallback.models[0] != "" {
		t.Errorf("fallback saw foreign model %q", fallback.models[0])
	}
	if f.FailureCount("anthropic") != 1 {
		t.Errorf("FailureCount = %d", f.FailureCount("anthropic"))
	}
}

func TestFacade_HardErrorNoFailover(t *testing.T) {
	primary := &stubProvider{name: "anthropic",
		errs: []error{&HTTPError{Provider: "anthropic", Status: 400, Body: "bad request"}}}
	fallback := &stubProvider{name: "openai"}
	f, _ := NewFacade([]Provider{primary, fallback}, 100, nil)

	_, err := f.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("hard error swallowed")
	}
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 400 {
		t.Errorf("error %v", err)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times on a non-quota error", fallback.calls)
	}
}

func TestFacade_AllProvidersExhausted(t *testing.T) {
	a := &stubProvider{name: "a", errs: []error{quotaErr("a")}}
	b := &stubProvider{name: "b", errs: []error{quotaErr("b")}}
	f, _ := NewFacade([]Provider{a, b}, 100, nil)

	_, err := f.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("exhausted chain returned success")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("call counts a=%d b=%d", a.calls, b.calls)
	}
}

func TestFacade_RecordsCalls(t *testing.T) {
	var records []CallRecord
	p := &stubProvider{name: "anthropic"}
	f, _ := NewFacade([]Provider{p}, 100, func(r CallRecord) { records = append(records, r) })

	if _, err := f.ChatStream(context.Background(), ChatRequest{}, nil); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Provider != "anthropic" || !records[0].Streaming {
		t.Errorf("records %+v", records)
	}
}

func TestIsQuotaAndTransient(t *testing.T) {
	tests := []struct {
		status        int
		quota, transi bool
	}{
		{429, true, true},
		{402, true, false},
		{529, true, true},
		{500, false, true},
		{400, false, false},
	}
	for _, tt := range tests {
		err := &HTTPError{Provider: "p", Status: tt.status}
		if got := IsQuota(err); got != tt.quota {
			t.Errorf("IsQuota(%d) = %v", tt.status, got)
		}
		if got := IsTransient(err); got != tt.transi {
			t.Errorf("IsTransient(%d) = %v", tt.status, got)
		}
	}
	if IsQuota(errors.New("plain")) || IsTransient(errors.New("plain")) {
		t.Error("plain errors misclassified")
	}
}
