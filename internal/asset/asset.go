// Package asset defines tradable instruments and their class-dependent rules.
package asset

import (
	"fmt"
	"regexp"
	"strings"
)

// Class is the broad category of a tradable instrument. The class decides
// which market adapter serves it, its native currency and its quantity rules.
type Class string

const (
	ClassEquity Class = "equity"
	ClassCrypto Class = "crypto"
)

// Asset identifies one monitored instrument.
type Asset struct {
	ID    string `json:"id" yaml:"id"`       // "005930", "AAPL", "BTCUSDT"
	Class Class  `json:"class" yaml:"class"` // equity | crypto
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Key returns the map key used for per-asset state.
func (a Asset) Key() string {
	return string(a.Class) + ":" + a.ID
}

func (a Asset) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s (%s)", a.ID, a.Name)
	}
	return a.ID
}

var koreanCodeRe = regexp.MustCompile(`^\d{6}$`)

// Scope refines the adapter routing inside a class: Korean equities, US
// equities and spot crypto use different upstreams.
type Scope string

const (
	ScopeKoreanEquity Scope = "kr_equity"
	ScopeUSEquity     Scope = "us_equity"
	ScopeSpotCrypto   Scope = "spot_crypto"
)

// ScopeOf returns the instrument scope for adapter routing.
func ScopeOf(a Asset) Scope {
	if a.Class == ClassCrypto {
		return ScopeSpotCrypto
	}
	if koreanCodeRe.MatchString(a.ID) {
		return ScopeKoreanEquity
	}
	return ScopeUSEquity
}

// NativeCurrency returns the currency quotes for this asset are denominated in.
func NativeCurrency(a Asset) string {
	switch ScopeOf(a) {
	case ScopeKoreanEquity:
		return "KRW"
	case ScopeSpotCrypto:
		return "USD"
	default:
		return "USD"
	}
}

// QuantityStep returns the minimum quantity increment for orders in this
// class. Equities trade whole shares, crypto down to 1e-8.
func QuantityStep(c Class) float64 {
	if c == ClassCrypto {
		return 1e-8
	}
	return 1
}

// ValidQuantity reports whether qty is positive and aligned to the class step.
func ValidQuantity(c Class, qty float64) bool {
	if qty <= 0 {
		return false
	}
	if c == ClassEquity {
		return qty == float64(int64(qty))
	}
	return true
}

// Aliases maps user-facing names to canonical assets. Lookups are
// case-insensitive and whitespace-tolerant so chat messages can reference
// instruments by Korean name, English name, ticker or code.
type Aliases struct {
	byAlias map[string]Asset
}

// NewAliases builds an alias table from the monitored asset list plus the
// built-in name table.
func NewAliases(monitored []Asset) *Aliases {
	t := &Aliases{byAlias: make(map[string]Asset)}
	for _, a := range monitored {
		t.Add(a, a.ID)
		if a.Name != "" {
			t.Add(a, a.Name)
		}
	}
	for alias, a := range builtinAliases {
		if _, ok := t.byAlias[normalizeAlias(alias)]; !ok {
			t.Add(a, alias)
		}
	}
	return t
}

// Add registers one alias for an asset.
func (t *Aliases) Add(a Asset, alias string) {
	t.byAlias[normalizeAlias(alias)] = a
}

// Resolve looks up an asset by any known alias.
func (t *Aliases) Resolve(s string) (Asset, bool) {
	a, ok := t.byAlias[normalizeAlias(s)]
	return a, ok
}

func normalizeAlias(s string) string {
	s = strings.TrimSpace(strings.ToUpper(s))
	return strings.Join(strings.Fields(s), " ")
}

// builtinAliases covers the names users actually type in chat. Extend via
// config rather than here.
var builtinAliases = map[string]Asset{
	"삼성전자":                {ID: "005930", Class: ClassEquity, Name: "삼성전자"},
	"三星电子":                {ID: "005930", Class: ClassEquity, Name: "삼성전자"},
	"SAMSUNG":             {ID: "005930", Class: ClassEquity, Name: "삼성전자"},
	"SAMSUNG ELECTRONICS": {ID: "005930", Class: ClassEquity, Name: "삼성전자"},
	"SK하이닉스":              {ID: "000660", Class: ClassEquity, Name: "SK하이닉스"},
	"SK HYNIX":            {ID: "000660", Class: ClassEquity, Name: "SK하이닉스"},
	"현대차":                 {ID: "005380", Class: ClassEquity, Name: "현대차"},
	"HYUNDAI":             {ID: "005380", Class: ClassEquity, Name: "현대차"},
	"APPLE":               {ID: "AAPL", Class: ClassEquity, Name: "Apple"},
	"AAPL":                {ID: "AAPL", Class: ClassEquity, Name: "Apple"},
	"TESLA":               {ID: "TSLA", Class: ClassEquity, Name: "Tesla"},
	"TSLA":                {ID: "TSLA", Class: ClassEquity, Name: "Tesla"},
	"NVIDIA":              {ID: "NVDA", Class: ClassEquity, Name: "Nvidia"},
	"NVDA":                {ID: "NVDA", Class: ClassEquity, Name: "Nvidia"},
	"비트코인":                {ID: "BTCUSDT", Class: ClassCrypto, Name: "Bitcoin"},
	"比特币":                 {ID: "BTCUSDT", Class: ClassCrypto, Name: "Bitcoin"},
	"BITCOIN":             {ID: "BTCUSDT", Class: ClassCrypto, Name: "Bitcoin"},
	"BTC":                 {ID: "BTCUSDT", Class: ClassCrypto, Name: "Bitcoin"},
	"BTCUSDT":             {ID: "BTCUSDT", Class: ClassCrypto, Name: "Bitcoin"},
	"이더리움":                {ID: "ETHUSDT", Class: ClassCrypto, Name: "Ethereum"},
	"ETHEREUM":            {ID: "ETHUSDT", Class: ClassCrypto, Name: "Ethereum"},
	"ETH":                 {ID: "ETHUSDT", Class: ClassCrypto, Name: "Ethereum"},
	"ETHUSDT":             {ID: "ETHUSDT", Class: ClassCrypto, Name: "Ethereum"},
	"솔라나":                 {ID: "SOLUSDT", Class: ClassCrypto, Name: "Solana"},
	"SOLANA":              {ID: "SOLUSDT", Class: ClassCrypto, Name: "Solana"},
	"SOL":                 {ID: "SOLUSDT", Class: ClassCrypto, Name: "Solana"},
}
