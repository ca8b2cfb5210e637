package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDivisionUndefined is returned by the readmission rate when there are
	// no admissions to divide by.
	ErrDivisionUndefined = errors.New("readmission rate undefined: no admissions")

	// ErrStoreUnavailable means no connection could be obtained before any
	// sub-query ran, so no partial snapshot is possible.
	ErrStoreUnavailable = errors.New("data store unavailable")
)

// Options bound the work done per dashboard request.
type Options struct {
	TrendMonths             int
	MonthlyAdmissionsMonths int
	QueryTimeout            time.Duration
	Concurrency             int
	PatientSatisfactionRate float64
}

func (o Options) withDefaults() Options {
	if o.TrendMonths < 1 {
		o.TrendMonths = 10
	}
	if o.MonthlyAdmissionsMonths < 1 {
		o.MonthlyAdmissionsMonths = 7
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	return o
}

// Recorder is notified of every sub-aggregate that degrades.
type Recorder interface {
	AggregateDegraded(name string)
}

// Service computes dashboard aggregates. It keeps no state between requests.
type Service struct {
	repo     Repository
	opts     Options
	logger   zerolog.Logger
	recorder Recorder
}

func NewService(repo Repository, opts Options, logger zerolog.Logger) *Service {
	return &Service{repo: repo, opts: opts.withDefaults(), logger: logger}
}

// SetRecorder attaches a metrics recorder. A nil recorder disables it.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

func (s *Service) Options() Options { return s.opts }

func (s *Service) ReadmissionTrend(ctx context.Context, months int) ([]MonthlyReadmissions, error) {
	return s.repo.ReadmissionTrend(ctx, months)
}

func (s *Service) RiskDistribution(ctx context.Context) ([]BucketCount, error) {
	return s.repo.RiskDistribution(ctx)
}

func (s *Service) MonthlyAdmissions(ctx context.Context, months int) ([]MonthlyAdmissions, error) {
	return s.repo.MonthlyAdmissions(ctx, months)
}

// ReadmissionRate is the percentage of admissions flagged as readmissions,
// rounded to two decimals.
func (s *Service) ReadmissionRate(ctx context.Context) (float64, error) {
	c, err := s.repo.AdmissionCounts(ctx)
	if err != nil {
		return 0, err
	}
	return RateFromCounts(c)
}

func (s *Service) HighRiskPatientCount(ctx context.Context) (int64, error) {
	n, err := s.repo.HighRiskPatientCount(ctx)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// RateFromCounts returns ErrDivisionUndefined when there are no admissions.
func RateFromCounts(c *AdmissionCounts) (float64, error) {
	if c == nil || !c.Admissions.Valid || c.Admissions.Int64 == 0 {
		return 0, ErrDivisionUndefined
	}
	r := float64(c.Readmissions.Int64) * 100 / float64(c.Admissions.Int64)
	return math.Round(r*100) / 100, nil
}

type task struct {
	name string
	run  func(ctx context.Context) error
	// fields are the snapshot keys that fall back to defaults on failure;
	// defaults to name.
	fields []string
}

// assign stores the result in dst only when fn succeeds, so a failed
// sub-query always leaves the zero value behind.
func assign[T any](dst *T, fn func(context.Context) (T, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// Collect runs every sub-query concurrently. A failing sub-query leaves its
// field empty and is listed in Degraded. Only a store that cannot hand out a
// connection at all fails the whole call.
func (s *Service) Collect(ctx context.Context) (*Aggregates, error) {
	if err := s.repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	agg := &Aggregates{}
	tasks := []task{
		{name: "readmissionTrends", run: assign(&agg.Trend, func(ctx context.Context) ([]MonthlyReadmissions, error) {
			return s.repo.ReadmissionTrend(ctx, s.opts.TrendMonths)
		})},
		{name: "riskDistribution", run: assign(&agg.Distribution, s.repo.RiskDistribution)},
		{name: "monthlyAdmissions", run: assign(&agg.Monthly, func(ctx context.Context) ([]MonthlyAdmissions, error) {
			return s.repo.MonthlyAdmissions(ctx, s.opts.MonthlyAdmissionsMonths)
		})},
		{name: "admissionCounts", run: assign(&agg.Counts, s.repo.AdmissionCounts), fields: []string{"readmissionRate", "totalAdmissions"}},
		{name: "highRiskCount", run: assign(&agg.HighRisk, s.repo.HighRiskPatientCount)},
		{name: "demographics", run: assign(&agg.Demographics, s.repo.Demographics)},
		{name: "medicationUsage", run: assign(&agg.Medications, s.repo.MedicationUsage)},
		{name: "lengthOfStay", run: assign(&agg.LengthOfStay, s.repo.LengthOfStay)},
		{name: "vitalSigns", run: assign(&agg.Vitals, s.repo.VitalSigns)},
	}

	failed := make([]bool, len(tasks))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			if err := s.runTask(ctx, t); err != nil {
				s.logger.Warn().Err(err).Str("aggregate", t.name).Msg("dashboard sub-query degraded")
				mu.Lock()
				failed[i] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range tasks {
		if !failed[i] {
			continue
		}
		if s.recorder != nil {
			s.recorder.AggregateDegraded(t.name)
		}
		if len(t.fields) == 0 {
			agg.Degraded = append(agg.Degraded, t.name)
		} else {
			agg.Degraded = append(agg.Degraded, t.fields...)
		}
	}
	return agg, nil
}

// runTask applies the per-query timeout and turns a panic into an error.
func (s *Service) runTask(parent context.Context, t task) (err error) {
	ctx, cancel := context.WithTimeout(parent, s.opts.QueryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", t.name, r)
		}
	}()
	return t.run(ctx)
}

// Snapshot collects and presents the dashboard in one call.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	agg, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return Present(agg, s.opts), nil
}
