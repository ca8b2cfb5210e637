package patient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/readmission/dashboard/internal/platform/prediction"
)

// -- Mock Repository --

type mockRepo struct {
	mu          sync.Mutex
	features    map[int64]prediction.Features
	contexts    map[int64]*prediction.PatientContext
	vitals      map[int64][]VitalSample
	predictions []RiskPrediction
	analyses    []LLMAnalysis
	listErr     error
	createErr   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		features: map[int64]prediction.Features{},
		contexts: map[int64]*prediction.PatientContext{},
		vitals:   map[int64][]VitalSample{},
	}
}

func (m *mockRepo) PredictionFeatures(_ context.Context, id int64) (prediction.Features, error) {
	f, ok := m.features[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

func (m *mockRepo) Context(_ context.Context, id int64) (*prediction.PatientContext, error) {
	pc, ok := m.contexts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pc, nil
}

func (m *mockRepo) VitalSeries(_ context.Context, id int64) ([]VitalSample, error) {
	return m.vitals[id], nil
}

func (m *mockRepo) CreatePrediction(_ context.Context, p *RiskPrediction) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = int64(len(m.predictions) + 1)
	// newest first
	m.predictions = append([]RiskPrediction{*p}, m.predictions...)
	return nil
}

func (m *mockRepo) ListPredictions(_ context.Context, id int64) ([]RiskPrediction, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RiskPrediction
	for _, p := range m.predictions {
		if p.SubjectID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateAnalysis(_ context.Context, a *LLMAnalysis) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.analyses) + 1)
	m.analyses = append([]LLMAnalysis{*a}, m.analyses...)
	return nil
}

func (m *mockRepo) ListAnalyses(_ context.Context, id int64) ([]LLMAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LLMAnalysis
	for _, a := range m.analyses {
		if a.SubjectID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

// -- Stub narrator --

type stubNarrator struct {
	err  error
	seen prediction.PatientContext
}

func (s *stubNarrator) Narrate(_ context.Context, pc prediction.PatientContext) (*prediction.Narrative, error) {
	s.seen = pc
	if s.err != nil {
		return nil, s.err
	}
	return &prediction.Narrative{
		Summary:          map[string]any{"Overview": "Stable after discharge."},
		CarePlan:         map[string]any{"Follow-up": map[string]any{"Cardiology": "within 7 days"}},
		AdditionalFields: map[string]any{},
	}, nil
}

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Predict(context.Context, int64, prediction.Features) (*prediction.Prediction, error) {
	return nil, errors.New("model offline")
}

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	}
}

func newTestService(repo Repository, narrator prediction.Narrator) *Service {
	chain := prediction.NewChain(zerolog.Nop(), prediction.Heuristic{})
	return NewService(repo, chain, narrator, zerolog.Nop())
}

func TestService_Predict_StoresResult(t *testing.T) {
	repo := newMockRepo()
	repo.features[10001] = prediction.Features{"anchor_age": 72, "admission_count": 1}
	svc := newTestService(repo, nil)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(at)

	p, err := svc.Predict(context.Background(), 10001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RiskLevel != prediction.RiskHigh || p.Recommendation != prediction.RecommendationHigh {
		t.Errorf("expected high risk, got %+v", p)
	}
	if len(repo.predictions) != 1 {
		t.Fatalf("expected one stored prediction, got %d", len(repo.predictions))
	}
	stored := repo.predictions[0]
	if stored.SubjectID != 10001 || !stored.Timestamp.Equal(at) || stored.Source != "heuristic" {
		t.Errorf("unexpected stored row: %+v", stored)
	}
	var features []prediction.FeatureImportance
	if err := json.Unmarshal(stored.TopFeatures, &features); err != nil || len(features) == 0 {
		t.Errorf("expected stored top features, got %s (%v)", stored.TopFeatures, err)
	}
}

func TestService_Predict_NotFound(t *testing.T) {
	svc := newTestService(newMockRepo(), nil)
	if _, err := svc.Predict(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Predict_AllProvidersFail(t *testing.T) {
	repo := newMockRepo()
	repo.features[1] = prediction.Features{}
	svc := NewService(repo, prediction.NewChain(zerolog.Nop(), failingProvider{}), nil, zerolog.Nop())

	_, err := svc.Predict(context.Background(), 1)
	if !IsUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
	if len(repo.predictions) != 0 {
		t.Error("nothing should be stored when prediction fails")
	}
}

func TestService_Analyze(t *testing.T) {
	repo := newMockRepo()
	repo.contexts[7] = &prediction.PatientContext{SubjectID: 7}
	narrator := &stubNarrator{}
	svc := newTestService(repo, narrator)

	n, err := svc.Analyze(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Summary["Overview"] != "Stable after discharge." {
		t.Errorf("unexpected summary: %v", n.Summary)
	}
	if narrator.seen.SubjectID != 7 {
		t.Errorf("narrator got wrong context: %+v", narrator.seen)
	}
	if len(repo.analyses) != 1 {
		t.Fatalf("expected stored analysis, got %d", len(repo.analyses))
	}
	back, err := repo.analyses[0].Narrative()
	if err != nil || back.Summary["Overview"] != "Stable after discharge." {
		t.Errorf("stored narrative did not round-trip: %+v (%v)", back, err)
	}
}

func TestService_Analyze_NoNarrator(t *testing.T) {
	svc := newTestService(newMockRepo(), nil)
	if _, err := svc.Analyze(context.Background(), 7); !errors.Is(err, prediction.ErrNoNarrator) {
		t.Errorf("expected ErrNoNarrator, got %v", err)
	}
}

func TestService_Analyze_NoAdmission(t *testing.T) {
	svc := newTestService(newMockRepo(), &stubNarrator{})
	if _, err := svc.Analyze(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func seedDetails(t *testing.T) (*Service, *mockRepo, time.Time, time.Time) {
	t.Helper()
	repo := newMockRepo()
	repo.features[42] = prediction.Features{"anchor_age": 40, "admission_count": 1}
	repo.contexts[42] = &prediction.PatientContext{SubjectID: 42}
	hr := 88.0
	repo.vitals[42] = []VitalSample{{ChartTime: time.Date(2150, 1, 1, 8, 0, 0, 0, time.UTC), HeartRate: &hr}}

	first := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	svc := newTestService(repo, &stubNarrator{})
	svc.now = fixedClock(first, first, second, second)

	ctx := context.Background()
	for range 2 {
		if _, err := svc.Predict(ctx, 42); err != nil {
			t.Fatalf("predict: %v", err)
		}
		if _, err := svc.Analyze(ctx, 42); err != nil {
			t.Fatalf("analyze: %v", err)
		}
	}
	// The second prediction reads as high risk.
	repo.predictions[0].Probability = 0.8
	repo.predictions[0].RiskLevel = prediction.RiskHigh
	return svc, repo, first, second
}

func TestService_Details_Latest(t *testing.T) {
	svc, _, _, second := seedDetails(t)

	d, err := svc.Details(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.RiskPrediction.Timestamp.Equal(second) {
		t.Errorf("expected latest prediction, got %s", d.RiskPrediction.Timestamp)
	}
	if d.RiskScore != 80 || d.RiskChartData.Data[0] != 80 || d.RiskChartData.Data[1] != 20 {
		t.Errorf("unexpected risk score/chart: %v %v", d.RiskScore, d.RiskChartData)
	}
	if d.RiskChartData.Labels[0] != "Risk" || d.RiskChartData.Labels[1] != "Safe" {
		t.Errorf("unexpected chart labels: %v", d.RiskChartData.Labels)
	}
	if len(d.RiskPredictions) != 2 || len(d.LLMAnalyses) != 2 {
		t.Errorf("expected full history, got %d/%d", len(d.RiskPredictions), len(d.LLMAnalyses))
	}
	if len(d.VisualizationData.Labels) != 1 || *d.VisualizationData.HeartRate[0] != 88 {
		t.Errorf("unexpected visualization data: %+v", d.VisualizationData)
	}
	if d.Summary["Overview"] != "Stable after discharge." {
		t.Errorf("unexpected summary: %v", d.Summary)
	}
}

func TestService_Details_AtTimestamp(t *testing.T) {
	svc, _, first, _ := seedDetails(t)

	d, err := svc.Details(context.Background(), 42, &first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.RiskPrediction.Timestamp.Equal(first) || !d.LLMAnalysis.Timestamp.Equal(first) {
		t.Errorf("expected entries at %s, got %s / %s", first, d.RiskPrediction.Timestamp, d.LLMAnalysis.Timestamp)
	}
	if d.RiskLevel != prediction.RiskLow {
		t.Errorf("expected the older low-risk prediction, got %s", d.RiskLevel)
	}
}

func TestService_Details_UnknownTimestampFallsBack(t *testing.T) {
	svc, _, _, second := seedDetails(t)
	other := second.Add(24 * time.Hour)

	d, err := svc.Details(context.Background(), 42, &other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.RiskPrediction.Timestamp.Equal(second) {
		t.Errorf("expected fallback to latest, got %s", d.RiskPrediction.Timestamp)
	}
}

func TestService_Details_NotFound(t *testing.T) {
	svc, repo, _, _ := seedDetails(t)
	delete(repo.vitals, 42)

	if _, err := svc.Details(context.Background(), 42, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound without vitals, got %v", err)
	}
	if _, err := svc.Details(context.Background(), 99, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown subject, got %v", err)
	}
}

func TestService_Details_StoreError(t *testing.T) {
	svc, repo, _, _ := seedDetails(t)
	repo.listErr = errors.New("connection reset")

	_, err := svc.Details(context.Background(), 42, nil)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected store error, got %v", err)
	}
}
