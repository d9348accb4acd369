package llm

import (
	"fmt"
	"sort"
	"strings"
)

// System prompts for the analysis and conversation tasks.
const (
	// SystemPromptTradeAdvice asks for a structured trade recommendation.
	SystemPromptTradeAdvice = `You are an expert multi-asset trading analyst covering Korean equities, US equities and crypto. Analyze the provided market snapshot and give a clear recommendation.

Your response must be in valid JSON format with the following structure:
{
  "action": "buy" | "sell" | "hold",
  "confidence": 0.0-1.0,
  "entry_price": number or null,
  "stop_loss": number or null,
  "take_profit_tiers": [numbers] or null,
  "reasoning": "brief explanation",
  "risk_level": "low" | "medium" | "high"
}

Be conservative with confidence scores. Only suggest high confidence (>0.7) when multiple indicators align.
Focus on risk management - always suggest a stop loss level for buy recommendations.`

	// SystemPromptIntent classifies an operator message into a closed intent set.
	SystemPromptIntent = `You are the intent classifier of a trading assistant. The user writes in English, Korean or Chinese.

Classify the message into exactly one intent:
"buy" | "sell" | "ask_advice" | "check_position" | "portfolio_adjust" | "market_analysis" | "run_backtest" | "chat"

Extract slots where present. Your response must be valid JSON:
{
  "intent": "string",
  "confidence": 0.0-1.0,
  "asset": "string or null",
  "quantity": number or null,
  "price": number or null,
  "reasoning": "brief explanation"
}

If the message is small talk or does not fit any operational intent, use "chat".
Never invent an asset, quantity or price the user did not state.`

	// SystemPromptMarketSummary is for free-form market commentary replies.
	SystemPromptMarketSummary = `You are a concise trading assistant. Summarize the provided market state for an operator in 3-5 sentences. Mention concrete numbers. Do not give financial guarantees.`
)

// AdviceContext is the market state block rendered into an advice prompt.
type AdviceContext struct {
	AssetID     string
	AssetName   string
	Class       string
	Price       float64
	ChangePct   float64
	Indicators  map[string]float64
	Anomalies   []string
	NewsHeads   []string
	OpenSummary string
}

// RenderAdvicePrompt builds the user prompt for a trade advice call.
func RenderAdvicePrompt(c AdviceContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Asset: %s (%s, %s)\n", c.AssetID, c.AssetName, c.Class)
	fmt.Fprintf(&b, "Price: %.6g  24h change: %.2f%%\n", c.Price, c.ChangePct*100)

	if len(c.Indicators) > 0 {
		b.WriteString("\nIndicators:\n")
		for _, k := range sortedKeys(c.Indicators) {
			fmt.Fprintf(&b, "  %s: %.6g\n", k, c.Indicators[k])
		}
	}
	if len(c.Anomalies) > 0 {
		b.WriteString("\nDetected anomalies:\n")
		for _, a := range c.Anomalies {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}
	if len(c.NewsHeads) > 0 {
		b.WriteString("\nRecent headlines:\n")
		for _, h := range c.NewsHeads {
			fmt.Fprintf(&b, "  - %s\n", h)
		}
	}
	if c.OpenSummary != "" {
		fmt.Fprintf(&b, "\nOpen position: %s\n", c.OpenSummary)
	}
	b.WriteString("\nProvide your recommendation as JSON.")
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
