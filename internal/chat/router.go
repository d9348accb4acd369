// Package chat is the conversational front end: it classifies operator
// messages into a closed intent set, extracts slots and dispatches typed
// commands to the pipeline, the position tracker and the backtest engine.
package chat

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/llm"
)

// IntentKind is one element of the closed intent set.
type IntentKind string

const (
	IntentBuy             IntentKind = "buy"
	IntentSell            IntentKind = "sell"
	IntentAskAdvice       IntentKind = "ask_advice"
	IntentCheckPosition   IntentKind = "check_position"
	IntentPortfolioAdjust IntentKind = "portfolio_adjust"
	IntentMarketAnalysis  IntentKind = "market_analysis"
	IntentRunBacktest     IntentKind = "run_backtest"
	IntentChat            IntentKind = "chat"
)

var validIntents = map[IntentKind]bool{
	IntentBuy: true, IntentSell: true, IntentAskAdvice: true,
	IntentCheckPosition: true, IntentPortfolioAdjust: true,
	IntentMarketAnalysis: true, IntentRunBacktest: true, IntentChat: true,
}

// Slots are the typed arguments extracted from an utterance. Zero values
// mean "absent".
type Slots struct {
	Asset    *asset.Asset
	Quantity float64
	Price    float64
	Days     int // backtest range, e.g. "last 30 days"
	Strategy string
	Capital  float64
}

// Intent is one classified message.
type Intent struct {
	Kind       IntentKind
	Confidence float64
	Slots      Slots
	Via        string // rules | llm
}

// Router runs the hybrid rule/LLM classification.
type Router struct {
	aliases      *asset.Aliases
	llm          *llm.Router
	ruleMinConf  float64
	logger       zerolog.Logger
}

// NewRouter builds a classifier. llmRouter may be nil; then only the rule
// pass applies and low-confidence messages fall to chat.
func NewRouter(aliases *asset.Aliases, llmRouter *llm.Router, ruleMinConf float64, logger zerolog.Logger) *Router {
	if ruleMinConf <= 0 {
		ruleMinConf = 0.7
	}
	return &Router{
		aliases:     aliases,
		llm:         llmRouter,
		ruleMinConf: ruleMinConf,
		logger:      logger.With().Str("component", "chat-router").Logger(),
	}
}

// Intent vocabularies. Verbs cover English, Korean and Chinese forms the
// operators actually use.
var (
	buyVerbRe  = regexp.MustCompile(`(?i)\b(buy|long)\b|매수|사줘|사자|买入|买`)
	sellVerbRe = regexp.MustCompile(`(?i)\b(sell|short)\b|매도|팔아|팔자|卖出|卖`)
	adviceRe   = regexp.MustCompile(`(?i)\b(advice|recommend|should i)\b|추천|조언|建议`)
	positionRe = regexp.MustCompile(`(?i)\b(positions?|holdings?)\b|포지션|잔고|보유|持仓`)
	adjustRe   = regexp.MustCompile(`(?i)\b(rebalance|adjust|portfolio)\b|포트폴리오|리밸런싱|调仓`)
	marketRe   = regexp.MustCompile(`(?i)\b(market|analysis|trend)\b|시장|분석|시황|行情|分析`)
	backtestRe = regexp.MustCompile(`(?i)\b(backtest)\b|백테스트|回测`)

	quantityRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:주|股|개|shares?|units?|coins?)`)
	priceRe    = regexp.MustCompile(`(?i)(?:价格|가격|\bprice\b|@|\bat\b)\s*[: ]?\s*(\d+(?:\.\d+)?)`)
	daysRe     = regexp.MustCompile(`(?i)(?:last\s+)?(\d+)\s*(?:days?|일|天)`)
	capitalRe  = regexp.MustCompile(`(?i)(?:capital|자본|本金)\s*[: ]?\s*(\d+(?:\.\d+)?)`)
	bareNumRe  = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\b`)

	// Verb prefixes glued to asset names in CJK text ("买入三星电子").
	verbPrefixes = []string{"买入", "卖出", "매수", "매도", "buy", "sell"}
)

// Classify runs the rule pass and falls back to the LLM pass below the
// confidence threshold.
func (r *Router) Classify(ctx context.Context, text string) Intent {
	intent := r.rulePass(text)
	if intent.Confidence >= r.ruleMinConf {
		return intent
	}

	if r.llm != nil {
		if li, ok := r.llmPass(ctx, text); ok {
			// Keep rule-extracted slots the model missed.
			if li.Slots.Asset == nil {
				li.Slots.Asset = intent.Slots.Asset
			}
			if li.Slots.Quantity == 0 {
				li.Slots.Quantity = intent.Slots.Quantity
			}
			if li.Slots.Price == 0 {
				li.Slots.Price = intent.Slots.Price
			}
			return li
		}
	}

	if intent.Kind == IntentChat || intent.Confidence > 0 {
		return intent
	}
	return Intent{Kind: IntentChat, Confidence: 0.3, Via: "rules"}
}

// rulePass scores the message against the per-intent vocabulary.
func (r *Router) rulePass(text string) Intent {
	slots := r.extractSlots(text)

	kind := IntentChat
	conf := 0.2
	switch {
	case buyVerbRe.MatchString(text):
		kind, conf = IntentBuy, 0.5
	case sellVerbRe.MatchString(text):
		kind, conf = IntentSell, 0.5
	case backtestRe.MatchString(text):
		kind, conf = IntentRunBacktest, 0.8
	case adjustRe.MatchString(text):
		kind, conf = IntentPortfolioAdjust, 0.75
	case positionRe.MatchString(text):
		kind, conf = IntentCheckPosition, 0.75
	case adviceRe.MatchString(text):
		kind, conf = IntentAskAdvice, 0.7
	case marketRe.MatchString(text):
		kind, conf = IntentMarketAnalysis, 0.7
	}

	// Verb plus recognized asset is a strong signal; a numeric quantity
	// makes it decisive.
	if kind == IntentBuy || kind == IntentSell {
		if slots.Asset != nil {
			conf = 0.75
			if slots.Quantity > 0 {
				conf = 0.9
			}
		}
	}

	// A bare symbol mention without a trade verb leans toward advice.
	if kind == IntentChat && slots.Asset != nil {
		kind, conf = IntentAskAdvice, 0.6
	}

	return Intent{Kind: kind, Confidence: conf, Slots: slots, Via: "rules"}
}

// extractSlots pulls asset, quantity and price mentions out of the text.
func (r *Router) extractSlots(text string) Slots {
	var s Slots

	if m := quantityRe.FindStringSubmatch(text); m != nil {
		s.Quantity, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := priceRe.FindStringSubmatch(text); m != nil {
		s.Price, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := daysRe.FindStringSubmatch(text); m != nil {
		s.Days, _ = strconv.Atoi(m[1])
	}
	if m := capitalRe.FindStringSubmatch(text); m != nil {
		s.Capital, _ = strconv.ParseFloat(m[1], 64)
	}

	if r.aliases != nil {
		s.Asset = r.findAsset(text)
	}

	// A quantity-less message with exactly one bare number after the asset
	// is ambiguous; leave quantity absent and let the handler clarify.
	if s.Quantity == 0 && s.Asset != nil && s.Price == 0 {
		nums := bareNumRe.FindAllStringSubmatch(text, -1)
		if len(nums) == 1 {
			s.Quantity, _ = strconv.ParseFloat(nums[0][1], 64)
		}
	}
	return s
}

// findAsset scans tokens and verb-stripped variants against the alias table.
func (r *Router) findAsset(text string) *asset.Asset {
	fields := strings.FieldsFunc(text, func(c rune) bool {
		return c == ' ' || c == ',' || c == '?' || c == '!' || c == '.' || c == '\n'
	})

	candidates := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		candidates = append(candidates, f)
		for _, v := range verbPrefixes {
			if stripped := strings.TrimPrefix(strings.ToLower(f), v); stripped != strings.ToLower(f) {
				candidates = append(candidates, f[len(v):])
			}
		}
	}
	// Adjacent bigrams catch names like "samsung electronics".
	for i := 0; i+1 < len(fields); i++ {
		candidates = append(candidates, fields[i]+" "+fields[i+1])
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if a, ok := r.aliases.Resolve(c); ok {
			return &a
		}
	}
	return nil
}

// llmPass asks the lightweight model tier for a classification. Anything
// outside the closed intent set is coerced to chat.
func (r *Router) llmPass(ctx context.Context, text string) (Intent, bool) {
	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Asset      string  `json:"asset"`
		Quantity   float64 `json:"quantity"`
		Price      float64 `json:"price"`
	}
	_, err := r.llm.CompleteJSON(ctx, llm.TaskLightweight, llm.SystemPromptIntent, text, &out)
	if err != nil {
		r.logger.Warn().Err(err).Msg("intent LLM pass failed, staying with rule result")
		return Intent{}, false
	}

	kind := IntentKind(out.Intent)
	if !validIntents[kind] {
		kind = IntentChat
	}
	intent := Intent{Kind: kind, Confidence: out.Confidence, Via: "llm"}
	if out.Asset != "" && r.aliases != nil {
		if a, ok := r.aliases.Resolve(out.Asset); ok {
			intent.Slots.Asset = &a
		}
	}
	intent.Slots.Quantity = out.Quantity
	intent.Slots.Price = out.Price
	return intent, true
}

// DateRange converts the days slot into a concrete range ending now.
func (s Slots) DateRange(now time.Time) (time.Time, time.Time) {
	days := s.Days
	if days <= 0 {
		days = 30
	}
	return now.AddDate(0, 0, -days), now
}
