package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/readmission/dashboard/internal/platform/prediction"
)

type Service struct {
	repo      Repository
	predictor prediction.Provider
	narrator  prediction.Narrator
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the patient operations. narrator may be nil, in which
// case Analyze returns prediction.ErrNoNarrator.
func NewService(repo Repository, predictor prediction.Provider, narrator prediction.Narrator, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		predictor: predictor,
		narrator:  narrator,
		logger:    logger,
		now:       time.Now,
	}
}

// stamp truncates to the store's microsecond precision so a timestamp read
// back compares equal to the one returned.
func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Predict runs the configured provider on the subject's features and stores
// the outcome.
func (s *Service) Predict(ctx context.Context, subjectID int64) (*prediction.Prediction, error) {
	if s.predictor == nil {
		return nil, prediction.ErrNoProvider
	}
	features, err := s.repo.PredictionFeatures(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	p, err := s.predictor.Predict(ctx, subjectID, features)
	if err != nil {
		return nil, fmt.Errorf("predict subject %d: %w", subjectID, err)
	}

	row, err := newRiskPrediction(subjectID, p, s.stamp())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreatePrediction(ctx, row); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("subject_id", subjectID).
		Str("source", p.Source).
		Str("risk_level", p.RiskLevel).
		Float64("probability", p.Probability).
		Msg("risk prediction stored")
	return p, nil
}

// Analyze generates and stores the narrative sections for the subject.
func (s *Service) Analyze(ctx context.Context, subjectID int64) (*prediction.Narrative, error) {
	if s.narrator == nil {
		return nil, prediction.ErrNoNarrator
	}
	pc, err := s.repo.Context(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	n, err := s.narrator.Narrate(ctx, *pc)
	if err != nil {
		return nil, fmt.Errorf("narrate subject %d: %w", subjectID, err)
	}

	row, err := newLLMAnalysis(subjectID, n, s.stamp())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateAnalysis(ctx, row); err != nil {
		return nil, err
	}

	s.logger.Info().Int64("subject_id", subjectID).Msg("llm analysis stored")
	return n, nil
}

// Details assembles the composite view. With at set, the prediction and the
// analysis stored at exactly that instant are selected; otherwise, or when
// nothing matches, the latest of each.
func (s *Service) Details(ctx context.Context, subjectID int64, at *time.Time) (*Details, error) {
	var (
		predictions []RiskPrediction
		analyses    []LLMAnalysis
		vitals      []VitalSample
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		predictions, err = s.repo.ListPredictions(gctx, subjectID)
		return err
	})
	g.Go(func() (err error) {
		analyses, err = s.repo.ListAnalyses(gctx, subjectID)
		return err
	})
	g.Go(func() (err error) {
		vitals, err = s.repo.VitalSeries(gctx, subjectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(predictions) == 0 || len(analyses) == 0 || len(vitals) == 0 {
		return nil, ErrNotFound
	}

	rp := selectAt(predictions, at, func(p RiskPrediction) time.Time { return p.Timestamp })
	la := selectAt(analyses, at, func(a LLMAnalysis) time.Time { return a.Timestamp })

	narrative, err := la.Narrative()
	if err != nil {
		return nil, err
	}

	riskScore := rp.Probability * 100
	return &Details{
		RiskPrediction:    rp,
		LLMAnalysis:       la,
		VisualizationData: newVisualizationData(vitals),
		RiskChartData:     newRiskChartData(riskScore),
		Probability:       rp.Probability,
		RiskScore:         riskScore,
		RiskLevel:         rp.RiskLevel,
		Recommendation:    rp.Recommendation,
		Summary:           orEmpty(narrative.Summary),
		CarePlan:          orEmpty(narrative.CarePlan),
		AdditionalFields:  orEmpty(narrative.AdditionalFields),
		RiskPredictions:   predictions,
		LLMAnalyses:       analyses,
	}, nil
}

// selectAt returns the entry stamped exactly at, falling back to the first
// (latest) entry. items must not be empty.
func selectAt[T any](items []T, at *time.Time, ts func(T) time.Time) T {
	if at != nil {
		for _, it := range items {
			if ts(it).Equal(*at) {
				return it
			}
		}
	}
	return items[0]
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IsUnavailable reports whether err means no provider could serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, prediction.ErrNoProvider) || errors.Is(err, prediction.ErrNoNarrator)
}
