package risk

import (
	"context"
	"fmt"
	"math"
)

// MaxRiskFactorLimit caps the ?limit override of the raw row listing.
const MaxRiskFactorLimit = 100

type Service struct {
	repo          Repository
	defaultLimit  int
	notifiedLimit int
}

func NewService(repo Repository, defaultLimit, notifiedLimit int) *Service {
	if defaultLimit < 1 {
		defaultLimit = 10
	}
	if notifiedLimit < 1 {
		notifiedLimit = 50
	}
	return &Service{repo: repo, defaultLimit: defaultLimit, notifiedLimit: notifiedLimit}
}

// RiskFactors returns raw rows with their derived bucket. A limit of 0 means
// the configured default.
func (s *Service) RiskFactors(ctx context.Context, limit int) ([]RiskFactor, error) {
	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit < 0 || limit > MaxRiskFactorLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d", MaxRiskFactorLimit)
	}

	rows, err := s.repo.ListRiskFactors(ctx, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []RiskFactor{}
	}
	for i := range rows {
		rows[i].classify()
	}
	return rows, nil
}

func (s *Service) Notified(ctx context.Context) ([]NotifiedPatient, error) {
	rows, err := s.repo.ListNotified(ctx, s.notifiedLimit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []NotifiedPatient{}
	}
	return rows, nil
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	avg, err := s.repo.AverageReadmissionRisk(ctx)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(avg) {
		avg = 0
	}
	return &Summary{AvgReadmissionRisk: math.Round(avg*100) / 100}, nil
}
