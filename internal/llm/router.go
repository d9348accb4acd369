package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
)

// Task classes order models by capability and cost.
const (
	TaskLightweight = "lightweight"
	TaskStandard    = "standard"
	TaskComplex     = "complex"
)

// Result is one successful completion with its provenance.
type Result struct {
	Text     string
	Provider string
	Model    string
	Elapsed  time.Duration
}

// Router maps task classes onto provider/model chains and bounds every call
// by the shared wall-clock budget. A fixed-size worker pool caps concurrent
// in-flight calls across all pipelines.
type Router struct {
	chains     map[string][]config.ModelRef
	providers  map[string]Provider
	callBudget time.Duration
	sem        chan struct{}
	logger     zerolog.Logger
}

// NewRouter builds a router. providers maps provider names as they appear in
// the task map ("gemini", "deepseek", "groq") to clients.
func NewRouter(cfg config.LLMConfig, providers map[string]Provider, logger zerolog.Logger) *Router {
	budget := cfg.CallBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	return &Router{
		chains:     cfg.TaskMap,
		providers:  providers,
		callBudget: budget,
		sem:        make(chan struct{}, workers),
		logger:     logger.With().Str("component", "llm-router").Logger(),
	}
}

// Complete walks the task's model chain until one succeeds. The budget covers
// the whole chain, queueing included; exceeding it returns ErrAnalysisTimeout.
func (r *Router) Complete(ctx context.Context, task, systemPrompt, userPrompt string) (Result, error) {
	chain, ok := r.chains[task]
	if !ok || len(chain) == 0 {
		return Result{}, fmt.Errorf("no model chain for task class %q", task)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callBudget)
	defer cancel()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: queued past the call budget", ErrAnalysisTimeout)
	}

	start := time.Now()
	var lastErr error
	for _, ref := range chain {
		if ctx.Err() != nil {
			break
		}
		p, ok := r.providers[ref.Provider]
		if !ok {
			lastErr = fmt.Errorf("unknown provider %q", ref.Provider)
			continue
		}
		text, err := p.Complete(ctx, ref.Model, systemPrompt, userPrompt)
		if err != nil {
			lastErr = err
			r.logger.Warn().
				Str("task", task).
				Str("provider", ref.Provider).
				Str("model", ref.Model).
				Err(err).
				Msg("model call failed, trying next in chain")
			continue
		}
		return Result{
			Text:     text,
			Provider: ref.Provider,
			Model:    ref.Model,
			Elapsed:  time.Since(start),
		}, nil
	}

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: after %s", ErrAnalysisTimeout, time.Since(start).Round(time.Millisecond))
	}
	return Result{}, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// CompleteJSON runs the chain and decodes the reply into out. A model reply
// that is not the requested JSON counts as a provider failure, consistent
// with network errors.
func (r *Router) CompleteJSON(ctx context.Context, task, systemPrompt, userPrompt string, out any) (Result, error) {
	chain, ok := r.chains[task]
	if !ok || len(chain) == 0 {
		return Result{}, fmt.Errorf("no model chain for task class %q", task)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callBudget)
	defer cancel()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: queued past the call budget", ErrAnalysisTimeout)
	}

	start := time.Now()
	var lastErr error
	for _, ref := range chain {
		if ctx.Err() != nil {
			break
		}
		p, ok := r.providers[ref.Provider]
		if !ok {
			lastErr = fmt.Errorf("unknown provider %q", ref.Provider)
			continue
		}
		text, err := p.Complete(ctx, ref.Model, systemPrompt, userPrompt)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal([]byte(ExtractJSON(text)), out); err != nil {
			lastErr = fmt.Errorf("%s/%s returned malformed JSON: %w", ref.Provider, ref.Model, err)
			r.logger.Warn().Err(lastErr).Str("task", task).Msg("schema violation, trying next in chain")
			continue
		}
		return Result{
			Text:     text,
			Provider: ref.Provider,
			Model:    ref.Model,
			Elapsed:  time.Since(start),
		}, nil
	}

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: after %s", ErrAnalysisTimeout, time.Since(start).Round(time.Millisecond))
	}
	return Result{}, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// ExtractJSON strips markdown fences and surrounding prose, returning the
// outermost JSON object in the reply.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
