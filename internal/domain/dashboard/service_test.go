package dashboard

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockRepo struct {
	pingErr error
	fail    map[string]error
	panics  map[string]bool
	block   map[string]bool

	trend        []MonthlyReadmissions
	distribution []BucketCount
	monthly      []MonthlyAdmissions
	counts       *AdmissionCounts
	highRisk     pgtype.Int8
	demographics []CategoryCount
	medications  []CategoryCount
	los          []CategoryCount
	vitals       *VitalSigns

	inFlight      int32
	maxInFlight   int32
	trendMonths   int32
	monthlyMonths int32
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		fail:   map[string]error{},
		panics: map[string]bool{},
		block:  map[string]bool{},
	}
}

func (m *mockRepo) enter(ctx context.Context, name string) error {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&m.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxInFlight, cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if m.panics[name] {
		panic("boom in " + name)
	}
	if m.block[name] {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.fail[name]
}

func (m *mockRepo) Ping(context.Context) error { return m.pingErr }

func (m *mockRepo) ReadmissionTrend(ctx context.Context, months int) ([]MonthlyReadmissions, error) {
	atomic.StoreInt32(&m.trendMonths, int32(months))
	if err := m.enter(ctx, "trend"); err != nil {
		return nil, err
	}
	return m.trend, nil
}

func (m *mockRepo) RiskDistribution(ctx context.Context) ([]BucketCount, error) {
	if err := m.enter(ctx, "distribution"); err != nil {
		return nil, err
	}
	return m.distribution, nil
}

func (m *mockRepo) MonthlyAdmissions(ctx context.Context, months int) ([]MonthlyAdmissions, error) {
	atomic.StoreInt32(&m.monthlyMonths, int32(months))
	if err := m.enter(ctx, "monthly"); err != nil {
		return nil, err
	}
	return m.monthly, nil
}

func (m *mockRepo) AdmissionCounts(ctx context.Context) (*AdmissionCounts, error) {
	if err := m.enter(ctx, "counts"); err != nil {
		return nil, err
	}
	return m.counts, nil
}

func (m *mockRepo) HighRiskPatientCount(ctx context.Context) (pgtype.Int8, error) {
	if err := m.enter(ctx, "highRisk"); err != nil {
		return pgtype.Int8{}, err
	}
	return m.highRisk, nil
}

func (m *mockRepo) Demographics(ctx context.Context) ([]CategoryCount, error) {
	if err := m.enter(ctx, "demographics"); err != nil {
		return nil, err
	}
	return m.demographics, nil
}

func (m *mockRepo) MedicationUsage(ctx context.Context) ([]CategoryCount, error) {
	if err := m.enter(ctx, "medications"); err != nil {
		return nil, err
	}
	return m.medications, nil
}

func (m *mockRepo) LengthOfStay(ctx context.Context) ([]CategoryCount, error) {
	if err := m.enter(ctx, "los"); err != nil {
		return nil, err
	}
	return m.los, nil
}

func (m *mockRepo) VitalSigns(ctx context.Context) (*VitalSigns, error) {
	if err := m.enter(ctx, "vitals"); err != nil {
		return nil, err
	}
	return m.vitals, nil
}

func date(y int, mo time.Month) pgtype.Date {
	return pgtype.Date{Time: time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC), Valid: true}
}

func count(v int64) pgtype.Int8 { return pgtype.Int8{Int64: v, Valid: true} }

func txt(s string) pgtype.Text { return pgtype.Text{String: s, Valid: true} }

func seededRepo() *mockRepo {
	m := newMockRepo()
	m.trend = []MonthlyReadmissions{{Month: date(2150, 1), Readmissions: count(2)}}
	m.distribution = []BucketCount{{Bucket: txt("High"), Patients: count(4)}}
	m.monthly = []MonthlyAdmissions{{Month: date(2150, 1), Total: count(10), Readmissions: count(3)}}
	m.counts = &AdmissionCounts{Admissions: count(10), Readmissions: count(3)}
	m.highRisk = count(6)
	m.demographics = []CategoryCount{{Category: txt("F"), Count: count(5)}}
	m.medications = []CategoryCount{{Category: txt("Insulin"), Count: count(9)}}
	m.los = []CategoryCount{{Category: txt("1-3 days"), Count: count(7)}}
	m.vitals = &VitalSigns{HeartRate: pgtype.Float8{Float64: 82.5, Valid: true}}
	return m
}

func newTestService(repo Repository) *Service {
	return NewService(repo, Options{QueryTimeout: time.Second, PatientSatisfactionRate: 95}, zerolog.Nop())
}

func TestService_Snapshot_AllSucceed(t *testing.T) {
	snap, err := newTestService(seededRepo()).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ReadmissionRate != 30 {
		t.Errorf("expected rate 30.00, got %v", snap.ReadmissionRate)
	}
	if snap.TotalAdmissions != 10 || snap.HighRiskCount != 6 {
		t.Errorf("unexpected counts: total=%d high=%d", snap.TotalAdmissions, snap.HighRiskCount)
	}
	if len(snap.Degraded) != 0 {
		t.Errorf("expected no degraded aggregates, got %v", snap.Degraded)
	}
	if snap.PatientSatisfaction != 95 {
		t.Errorf("expected satisfaction 95, got %v", snap.PatientSatisfaction)
	}
}

func TestService_Snapshot_PassesWindowLimits(t *testing.T) {
	repo := seededRepo()
	if _, err := newTestService(repo).Snapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.trendMonths != 10 || repo.monthlyMonths != 7 {
		t.Errorf("expected default windows 10/7, got %d/%d", repo.trendMonths, repo.monthlyMonths)
	}
}

func TestService_Snapshot_DegradesFailingQuery(t *testing.T) {
	repo := seededRepo()
	repo.fail["demographics"] = errors.New("relation \"gender_distribution\" does not exist")

	snap, err := newTestService(repo).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Demographics == nil || len(snap.Demographics) != 0 {
		t.Errorf("expected empty demographics, got %v", snap.Demographics)
	}
	if len(snap.MedicationUsage) != 1 || snap.ReadmissionRate != 30 {
		t.Error("sibling aggregates should be unaffected")
	}
	if len(snap.Degraded) != 1 || snap.Degraded[0] != "demographics" {
		t.Errorf("expected [demographics] degraded, got %v", snap.Degraded)
	}
}

func TestService_Snapshot_CountsFailureDegradesRateAndTotal(t *testing.T) {
	repo := seededRepo()
	repo.fail["counts"] = errors.New("timeout")

	snap, _ := newTestService(repo).Snapshot(context.Background())
	if snap.ReadmissionRate != 0 || snap.TotalAdmissions != 0 {
		t.Errorf("expected zero rate and total, got %v/%d", snap.ReadmissionRate, snap.TotalAdmissions)
	}
	got := append([]string(nil), snap.Degraded...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "readmissionRate" || got[1] != "totalAdmissions" {
		t.Errorf("unexpected degraded list: %v", snap.Degraded)
	}
}

type recorder struct{ names []string }

func (r *recorder) AggregateDegraded(name string) { r.names = append(r.names, name) }

func TestService_Snapshot_NotifiesRecorder(t *testing.T) {
	repo := seededRepo()
	repo.fail["counts"] = errors.New("timeout")
	repo.fail["demographics"] = errors.New("relation does not exist")

	rec := &recorder{}
	svc := newTestService(repo)
	svc.SetRecorder(rec)
	if _, err := svc.Snapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sort.Strings(rec.names)
	if len(rec.names) != 2 || rec.names[0] != "admissionCounts" || rec.names[1] != "demographics" {
		t.Errorf("expected admissionCounts and demographics recorded, got %v", rec.names)
	}
}

func TestService_Snapshot_EveryQueryFails(t *testing.T) {
	repo := seededRepo()
	for _, n := range []string{"trend", "distribution", "monthly", "counts", "highRisk", "demographics", "medications", "los", "vitals"} {
		repo.fail[n] = errors.New("down")
	}

	snap, err := newTestService(repo).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("sub-query failures must not fail the snapshot: %v", err)
	}
	if len(snap.RiskDistribution) != 3 {
		t.Errorf("expected three buckets even when degraded, got %v", snap.RiskDistribution)
	}
	if len(snap.Degraded) != 10 {
		t.Errorf("expected 10 degraded keys, got %v", snap.Degraded)
	}
}

func TestService_Snapshot_RecoversPanic(t *testing.T) {
	repo := seededRepo()
	repo.panics["los"] = true

	snap, err := newTestService(repo).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.LengthOfStay) != 0 || len(snap.Degraded) != 1 || snap.Degraded[0] != "lengthOfStay" {
		t.Errorf("expected lengthOfStay degraded, got %v / %v", snap.LengthOfStay, snap.Degraded)
	}
}

func TestService_Snapshot_PerQueryTimeout(t *testing.T) {
	repo := seededRepo()
	repo.block["vitals"] = true

	svc := NewService(repo, Options{QueryTimeout: 30 * time.Millisecond}, zerolog.Nop())
	start := time.Now()
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("slow sub-query should be cut off by the query timeout")
	}
	if snap.VitalSigns.HeartRate != nil {
		t.Error("expected empty vital signs after timeout")
	}
	if len(snap.Degraded) != 1 || snap.Degraded[0] != "vitalSigns" {
		t.Errorf("expected vitalSigns degraded, got %v", snap.Degraded)
	}
}

func TestService_Snapshot_BoundedConcurrency(t *testing.T) {
	repo := seededRepo()
	svc := NewService(repo, Options{Concurrency: 2, QueryTimeout: time.Second}, zerolog.Nop())

	if _, err := svc.Snapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak := atomic.LoadInt32(&repo.maxInFlight); peak > 2 {
		t.Errorf("expected at most 2 concurrent sub-queries, saw %d", peak)
	}
}

func TestService_Snapshot_StoreUnavailable(t *testing.T) {
	repo := seededRepo()
	repo.pingErr = errors.New("too many clients")

	_, err := newTestService(repo).Snapshot(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&repo.maxInFlight) != 0 {
		t.Error("no sub-query should run when the store is unavailable")
	}
}

func TestService_ReadmissionRate(t *testing.T) {
	repo := newMockRepo()
	repo.counts = &AdmissionCounts{Admissions: count(10), Readmissions: count(3)}
	svc := newTestService(repo)

	rate, err := svc.ReadmissionRate(context.Background())
	if err != nil || rate != 30 {
		t.Errorf("expected 30, got %v (%v)", rate, err)
	}

	repo.counts = &AdmissionCounts{Admissions: count(0), Readmissions: count(0)}
	if _, err := svc.ReadmissionRate(context.Background()); !errors.Is(err, ErrDivisionUndefined) {
		t.Errorf("expected ErrDivisionUndefined, got %v", err)
	}
}

func TestRateFromCounts_Rounding(t *testing.T) {
	rate, err := RateFromCounts(&AdmissionCounts{Admissions: count(3), Readmissions: count(1)})
	if err != nil || rate != 33.33 {
		t.Errorf("expected 33.33, got %v (%v)", rate, err)
	}
	rate, _ = RateFromCounts(&AdmissionCounts{Admissions: count(7), Readmissions: count(7)})
	if rate != 100 {
		t.Errorf("expected 100, got %v", rate)
	}
	if _, err := RateFromCounts(nil); !errors.Is(err, ErrDivisionUndefined) {
		t.Error("expected ErrDivisionUndefined for nil counts")
	}
}

func TestService_HighRiskPatientCount(t *testing.T) {
	repo := newMockRepo()
	repo.highRisk = pgtype.Int8{}
	n, err := newTestService(repo).HighRiskPatientCount(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected 0 for NULL count, got %d (%v)", n, err)
	}
}
