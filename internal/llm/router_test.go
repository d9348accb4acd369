package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
)

// stubProvider scripts completions per model name.
type stubProvider struct {
	name    string
	replies map[string]string
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, model, sys, user string) (string, error) {
	s.calls = append(s.calls, model)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err, ok := s.errs[model]; ok {
		return "", err
	}
	if reply, ok := s.replies[model]; ok {
		return reply, nil
	}
	return "", errors.New("no scripted reply")
}

func newTestRouter(cfg config.LLMConfig, providers ...*stubProvider) *Router {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.name] = p
	}
	return NewRouter(cfg, m, zerolog.Nop())
}

func chainConfig(budget time.Duration, refs ...config.ModelRef) config.LLMConfig {
	return config.LLMConfig{
		TaskMap:     map[string][]config.ModelRef{TaskStandard: refs},
		CallBudget:  budget,
		WorkerCount: 4,
	}
}

func TestCompleteFallsThroughChain(t *testing.T) {
	gemini := &stubProvider{name: "gemini", errs: map[string]error{"gemini-2.0-flash": errors.New("quota exceeded")}}
	deepseek := &stubProvider{name: "deepseek", replies: map[string]string{"deepseek-chat": "ok"}}

	r := newTestRouter(chainConfig(5*time.Second,
		config.ModelRef{Provider: "gemini", Model: "gemini-2.0-flash"},
		config.ModelRef{Provider: "deepseek", Model: "deepseek-chat"},
	), gemini, deepseek)

	res, err := r.Complete(context.Background(), TaskStandard, "sys", "user")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if res.Provider != "deepseek" || res.Model != "deepseek-chat" {
		t.Errorf("expected deepseek fallback, got %s/%s", res.Provider, res.Model)
	}
	if len(gemini.calls) != 1 {
		t.Errorf("gemini should have been tried once, got %d calls", len(gemini.calls))
	}
}

func TestCompleteAllProvidersFailed(t *testing.T) {
	gemini := &stubProvider{name: "gemini", errs: map[string]error{"gemini-2.0-flash": errors.New("down")}}

	r := newTestRouter(chainConfig(5*time.Second,
		config.ModelRef{Provider: "gemini", Model: "gemini-2.0-flash"},
	), gemini)

	_, err := r.Complete(context.Background(), TaskStandard, "sys", "user")
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
}

func TestCompleteHonorsCallBudget(t *testing.T) {
	slow := &stubProvider{name: "gemini", delay: 500 * time.Millisecond,
		replies: map[string]string{"gemini-2.0-flash": "too late"}}

	r := newTestRouter(chainConfig(50*time.Millisecond,
		config.ModelRef{Provider: "gemini", Model: "gemini-2.0-flash"},
	), slow)

	_, err := r.Complete(context.Background(), TaskStandard, "sys", "user")
	if !errors.Is(err, ErrAnalysisTimeout) {
		t.Fatalf("expected ErrAnalysisTimeout, got %v", err)
	}
}

func TestCompleteJSONTreatsMalformedReplyAsFailure(t *testing.T) {
	gemini := &stubProvider{name: "gemini", replies: map[string]string{"gemini-2.0-flash": "sorry, no JSON today"}}
	deepseek := &stubProvider{name: "deepseek", replies: map[string]string{
		"deepseek-chat": "```json\n{\"action\": \"buy\", \"confidence\": 0.8}\n```",
	}}

	r := newTestRouter(chainConfig(5*time.Second,
		config.ModelRef{Provider: "gemini", Model: "gemini-2.0-flash"},
		config.ModelRef{Provider: "deepseek", Model: "deepseek-chat"},
	), gemini, deepseek)

	var out struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}
	res, err := r.CompleteJSON(context.Background(), TaskStandard, "sys", "user", &out)
	if err != nil {
		t.Fatalf("CompleteJSON returned error: %v", err)
	}
	if res.Provider != "deepseek" {
		t.Errorf("malformed JSON should fall through, served by %s", res.Provider)
	}
	if out.Action != "buy" || out.Confidence != 0.8 {
		t.Errorf("decoded %+v", out)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"Here you go:\n```json\n{\"a\":1}\n```\nhope that helps", `{"a":1}`},
		{"prefix {\"a\":1} suffix", `{"a":1}`},
	}
	for _, c := range cases {
		if got := ExtractJSON(c.in); got != c.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUnknownTaskClass(t *testing.T) {
	r := newTestRouter(chainConfig(time.Second))
	if _, err := r.Complete(context.Background(), "nonexistent", "s", "u"); err == nil {
		t.Fatal("unknown task class must error")
	}
}
