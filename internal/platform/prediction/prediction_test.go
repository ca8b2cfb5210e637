package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHeuristic_Predict(t *testing.T) {
	tests := []struct {
		name     string
		features Features
		level    string
		prob     float64
		rec      string
	}{
		{"elderly", Features{"anchor_age": int64(72), "admission_count": int64(1)}, RiskHigh, 0.75, RecommendationHigh},
		{"frequent", Features{"anchor_age": int32(40), "admission_count": float64(3)}, RiskHigh, 0.75, RecommendationHigh},
		{"boundary age", Features{"anchor_age": 65, "admission_count": 2}, RiskLow, 0.25, RecommendationLow},
		{"string values", Features{"anchor_age": "66"}, RiskHigh, 0.75, RecommendationHigh},
		{"no features", Features{}, RiskLow, 0.25, RecommendationLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Heuristic{}.Predict(context.Background(), 1, tt.features)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.RiskLevel != tt.level || p.Probability != tt.prob {
				t.Errorf("expected %s/%v, got %s/%v", tt.level, tt.prob, p.RiskLevel, p.Probability)
			}
			if p.Recommendation != tt.rec {
				t.Errorf("unexpected recommendation %q", p.Recommendation)
			}
			if p.Source != "heuristic" {
				t.Errorf("expected source heuristic, got %s", p.Source)
			}
			if len(p.TopFeatures) != 2 {
				t.Errorf("expected 2 top features, got %d", len(p.TopFeatures))
			}
		})
	}
}

func TestHeuristic_TopFeatureOrder(t *testing.T) {
	p, _ := Heuristic{}.Predict(context.Background(), 1, Features{"anchor_age": 30, "admission_count": 4})
	if p.TopFeatures[0].Feature != "admission_count" {
		t.Errorf("expected triggering feature first, got %+v", p.TopFeatures)
	}
}

func TestNormalize(t *testing.T) {
	p, err := normalize(&Prediction{Probability: 0.8}, "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RiskLevel != RiskHigh || p.Prediction != 1 || p.Recommendation != RecommendationHigh {
		t.Errorf("unexpected normalized prediction: %+v", p)
	}
	if p.TopFeatures == nil {
		t.Error("expected empty top_features slice, got nil")
	}

	p, err = normalize(&Prediction{Probability: 0.1, RiskLevel: "low"}, "x")
	if err != nil || p.RiskLevel != RiskLow || p.Prediction != 0 {
		t.Errorf("expected case-insensitive Low, got %+v (%v)", p, err)
	}

	if _, err := normalize(&Prediction{Probability: 1.5}, "x"); err == nil {
		t.Error("expected error for out of range probability")
	}
	if _, err := normalize(&Prediction{Probability: 0.5, RiskLevel: "Extreme"}, "x"); err == nil {
		t.Error("expected error for unknown risk level")
	}
}

type stubProvider struct {
	name  string
	pred  *Prediction
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Predict(context.Context, int64, Features) (*Prediction, error) {
	s.calls++
	return s.pred, s.err
}

func TestChain_FallsBackInOrder(t *testing.T) {
	failing := &stubProvider{name: "http", err: errors.New("connection refused")}
	ok := &stubProvider{name: "heuristic", pred: &Prediction{RiskLevel: RiskLow, Source: "heuristic"}}
	never := &stubProvider{name: "gemini", pred: &Prediction{}}

	p, err := NewChain(zerolog.Nop(), failing, ok, never).Predict(context.Background(), 7, Features{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Source != "heuristic" {
		t.Errorf("expected heuristic result, got %s", p.Source)
	}
	if failing.calls != 1 || never.calls != 0 {
		t.Errorf("unexpected call counts: failing=%d never=%d", failing.calls, never.calls)
	}
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(zerolog.Nop(),
		&stubProvider{name: "a", err: errors.New("down")},
		&stubProvider{name: "b", err: errors.New("also down")},
	)
	_, err := c.Predict(context.Background(), 7, Features{})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if !strings.Contains(err.Error(), "also down") {
		t.Errorf("expected joined causes, got %v", err)
	}
}

type recordingObserver struct{ results []string }

func (r *recordingObserver) ProviderResult(provider string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "err"
	}
	r.results = append(r.results, provider+":"+outcome)
}

func TestChain_ReportsAttempts(t *testing.T) {
	obs := &recordingObserver{}
	c := NewChain(zerolog.Nop(),
		&stubProvider{name: "http", err: errors.New("down")},
		&stubProvider{name: "heuristic", pred: &Prediction{}},
	)
	c.Observe(obs)
	if _, err := c.Predict(context.Background(), 7, Features{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(obs.results, ","); got != "http:err,heuristic:ok" {
		t.Errorf("expected http:err,heuristic:ok, got %s", got)
	}
}

func TestChain_Empty(t *testing.T) {
	if _, err := NewChain(zerolog.Nop()).Predict(context.Background(), 1, nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestHTTPProvider_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID != 42 {
			t.Errorf("unexpected request body: %+v (%v)", req, err)
		}
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"prediction":1,"probability":0.91,"risk_level":"High","top_features":[{"Feature":"los","Importance":0.4}]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, WithRetry(3, time.Millisecond))
	pred, err := p.Predict(context.Background(), 42, Features{"anchor_age": 70})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if pred.Probability != 0.91 || pred.RiskLevel != RiskHigh || pred.Source != "http" {
		t.Errorf("unexpected prediction: %+v", pred)
	}
	if pred.Recommendation != RecommendationHigh {
		t.Errorf("expected default recommendation, got %q", pred.Recommendation)
	}
	if len(pred.TopFeatures) != 1 || pred.TopFeatures[0].Feature != "los" {
		t.Errorf("unexpected top features: %+v", pred.TopFeatures)
	}
}

func TestHTTPProvider_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"No data found for the provided subject_id"}`)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL, time.Second, WithRetry(3, time.Millisecond)).Predict(context.Background(), 1, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestHTTPProvider_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPProvider(srv.URL, time.Second, WithRetry(2, time.Millisecond)).Predict(context.Background(), 1, nil); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d", calls)
	}
}

func geminiServer(t *testing.T, texts ...string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("expected api key header")
		}
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query string, got %q", r.URL.RawQuery)
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) != 1 {
			t.Errorf("unexpected request: %v", err)
		}
		text := texts[int(n-1)%len(texts)]
		resp := map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGemini_Predict(t *testing.T) {
	srv, _ := geminiServer(t, "```json\n{\"probability\":0.64,\"risk_level\":\"high\",\"top_features\":[{\"Feature\":\"anchor_age\",\"Importance\":0.7}]}\n```")

	g := NewGemini("k", "gemini-test", srv.URL+"/", time.Second, WithGeminiRetry(0, time.Millisecond))
	p, err := g.Predict(context.Background(), 5, Features{"anchor_age": 80})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RiskLevel != RiskHigh || p.Prediction != 1 || p.Probability != 0.64 || p.Source != "gemini" {
		t.Errorf("unexpected prediction: %+v", p)
	}
}

func TestGemini_Narrate(t *testing.T) {
	srv, calls := geminiServer(t, "**Overview**\nElderly patient.\nMultiple admissions.\n**Risk Factors**\n* Age\nOver 65\n* Diabetes\nType 2")

	g := NewGemini("k", "gemini-test", srv.URL, time.Second, WithGeminiRetry(0, time.Millisecond))
	n, err := g.Narrate(context.Background(), PatientContext{SubjectID: 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(calls) != 3 {
		t.Errorf("expected one call per section, got %d", *calls)
	}
	if n.Summary["Overview"] != "Elderly patient. Multiple admissions." {
		t.Errorf("unexpected overview: %v", n.Summary["Overview"])
	}
	risk, ok := n.CarePlan["Risk Factors"].(map[string]string)
	if !ok || risk["Age"] != "Over 65" || risk["Diabetes"] != "Type 2" {
		t.Errorf("unexpected bullet section: %#v", n.CarePlan["Risk Factors"])
	}
}

func TestGemini_TransportErrorOmitsAPIKey(t *testing.T) {
	const key = "SECRET-KEY-123"
	g := NewGemini(key, "gemini-1.5-flash", "http://127.0.0.1:1", time.Second, WithGeminiRetry(0, time.Millisecond))

	_, err := NewChain(zerolog.Nop(), g).Predict(context.Background(), 1, Features{"anchor_age": 70})
	if err == nil {
		t.Fatal("expected error from unreachable provider")
	}
	if strings.Contains(err.Error(), key) {
		t.Errorf("error leaks api key: %v", err)
	}

	_, err = g.Narrate(context.Background(), PatientContext{SubjectID: 1})
	if err == nil || strings.Contains(err.Error(), key) {
		t.Errorf("expected narrate error without api key, got %v", err)
	}
}

func TestStripFence(t *testing.T) {
	if got := stripFence("```json\n{}\n```"); got != "{}" {
		t.Errorf("got %q", got)
	}
	if got := stripFence(" {\"a\":1} "); got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
}
