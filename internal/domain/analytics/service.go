package analytics

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// AnalysisData loads both series concurrently. Either failing fails the call.
func (s *Service) AnalysisData(ctx context.Context) (*AnalysisData, error) {
	out := &AnalysisData{
		PatientVisits:        []VisitPoint{},
		ReadmissionsOverTime: []ReadmissionPoint{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.repo.PatientVisits(gctx, SeriesLimit)
		if err != nil {
			return err
		}
		if len(rows) > SeriesLimit {
			rows = rows[:SeriesLimit]
		}
		out.PatientVisits = append(out.PatientVisits, rows...)
		return nil
	})
	g.Go(func() error {
		rows, err := s.repo.ReadmissionsOverTime(gctx, SeriesLimit)
		if err != nil {
			return err
		}
		if len(rows) > SeriesLimit {
			rows = rows[:SeriesLimit]
		}
		out.ReadmissionsOverTime = append(out.ReadmissionsOverTime, rows...)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
