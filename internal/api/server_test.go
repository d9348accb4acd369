package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/pipeline"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

var btc = asset.Asset{ID: "BTCUSDT", Class: asset.ClassCrypto, Name: "Bitcoin"}

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		StopLossPct:   -0.10,
		TakeProfitPct: 0.20,
		MaxHold:       10 * time.Hour,
		FeeRate:       0.001,
	}
}

func newTestServer(t *testing.T, secret string) (*Server, *position.Tracker, *pipeline.History) {
	t.Helper()
	tracker := position.NewTracker(testRisk(), zerolog.Nop())
	history := pipeline.NewHistory(24*time.Hour, nil)
	s := NewServer(config.ServerConfig{JWTSecret: secret}, Deps{
		Tracker: tracker,
		History: history,
		Aliases: asset.NewAliases(nil),
		Risk:    testRisk(),
	}, zerolog.Nop())
	return s, tracker, history
}

func get(s *Server, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	w := get(s, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	s, tracker, _ := newTestServer(t, "")
	if _, err := tracker.Open(btc, 2, 50000, position.SideLong, position.OpenParams{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	w := get(s, "/api/positions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Positions []map[string]interface{} `json:"positions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Positions) != 1 || body.Positions[0]["asset"] != "BTCUSDT" {
		t.Errorf("positions = %v", body.Positions)
	}
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	s, _, _ := newTestServer(t, "test-secret")

	if w := get(s, "/api/positions", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := get(s, "/api/positions", "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}
	if w := get(s, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health must stay open, got %d", w.Code)
	}
}

func TestAuthAcceptsSignedToken(t *testing.T) {
	s, _, _ := newTestServer(t, "test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if w := get(s, "/api/positions", signed); w.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAdviceEndpoint(t *testing.T) {
	s, _, history := newTestServer(t, "")

	if w := get(s, "/api/advice/DOGE", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown asset: status = %d, want 404", w.Code)
	}
	if w := get(s, "/api/advice/BTC", ""); w.Code != http.StatusNotFound {
		t.Errorf("no advice yet: status = %d, want 404", w.Code)
	}

	history.Add(pipeline.Advice{
		Asset: btc, Action: pipeline.ActionBuy, Confidence: 0.8,
		Source: "rules", GeneratedAt: time.Now(),
	})
	w := get(s, "/api/advice/BTC", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"action":"buy"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestBacktestUnavailableWithoutEngine(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/backtest", strings.NewReader(`{"asset":"BTC"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
