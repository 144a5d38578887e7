package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/bus"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/events"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/providers"
	"github.com/ternarybob/colligo/internal/storage/memory"
)

type fakeOrchestrator struct {
	mu       sync.Mutex
	starts   []string
	startErr error
	resumed  map[string]bool
}

func (f *fakeOrchestrator) StartRun(ctx context.Context, tenantID int64, jobName string) (<-chan interfaces.RunResult, error) {
	f.mu.Lock()
	f.starts = append(f.starts, fmt.Sprintf("%d/%s", tenantID, jobName))
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	done := make(chan interfaces.RunResult, 1)
	done <- interfaces.RunResult{Overall: models.OverallFinished}
	close(done)
	return done, nil
}

func (f *fakeOrchestrator) Cancel(tenantID int64, jobName string) error { return nil }

func (f *fakeOrchestrator) Status(ctx context.Context, tenantID int64, jobName string) (*models.JobStatus, error) {
	return nil, interfaces.ErrNotFound
}

func (f *fakeOrchestrator) ResumeCheckpoints(ctx context.Context) error { return nil }

func (f *fakeOrchestrator) Resumed(ctx context.Context) (map[string]bool, error) {
	if f.resumed == nil {
		return map[string]bool{}, nil
	}
	return f.resumed, nil
}

func (f *fakeOrchestrator) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// stubRawStorage serves a fixed pending set so sweep tests can control
// record age.
type stubRawStorage struct {
	interfaces.RawStorage
	records []*models.RawExtractionRecord
}

func (s *stubRawStorage) ListPendingRaw(ctx context.Context, tenantID int64, limit int) ([]*models.RawExtractionRecord, error) {
	return s.records, nil
}

type fixture struct {
	config    *common.Config
	tenants   *memory.TenantStore
	schedules *memory.ScheduleStore
	raw       interfaces.RawStorage
	orch      *fakeOrchestrator
	events    *events.Service
	bus       *bus.MemoryBus
	service   *Service

	tenant   *models.Tenant
	schedule *models.JobSchedule
}

func newFixture(t *testing.T, mutate func(f *fixture)) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := common.GetLogger()

	f := &fixture{
		config:    common.DefaultConfig(),
		tenants:   memory.NewTenantStore(),
		schedules: memory.NewScheduleStore(),
		raw:       memory.NewRawStore(),
		orch:      &fakeOrchestrator{},
		events:    events.NewService(logger),
		bus:       bus.NewMemoryBus(5, logger),
	}

	f.tenant = &models.Tenant{Name: "acme", Tier: models.TierFree, Active: true}
	require.NoError(t, f.tenants.SaveTenant(ctx, f.tenant))

	f.schedule = &models.JobSchedule{
		TenantID:                f.tenant.ID,
		JobName:                 "github-sync",
		Provider:                providers.ProviderGitHub,
		ScheduleIntervalMinutes: 60,
		Active:                  true,
	}
	require.NoError(t, f.schedules.SaveSchedule(ctx, f.schedule))

	if mutate != nil {
		mutate(f)
	}

	f.service = NewService(f.config, f.tenants, f.schedules, f.raw, f.orch, f.events, f.bus, logger)
	t.Cleanup(func() {
		_ = f.service.Stop()
		_ = f.bus.Close()
		_ = f.events.Close()
	})
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func runningStatus(t *testing.T) *models.JobStatus {
	t.Helper()
	doc := models.NewJobStatus(providers.GitHubSteps)
	doc.Overall = models.OverallRunning
	return doc
}

func setStatus(t *testing.T, f *fixture, doc *models.JobStatus) {
	t.Helper()
	_, err := f.schedules.UpdateStatus(context.Background(), f.tenant.ID, f.schedule.JobName, func(s *models.JobSchedule) error {
		s.Status = doc
		return nil
	})
	require.NoError(t, err)
}

func TestStartResetsStuckScheduleToIdle(t *testing.T) {
	f := newFixture(t, nil)
	setStatus(t, f, runningStatus(t))

	require.NoError(t, f.service.Start(context.Background()))
	assert.True(t, f.service.IsRunning())

	schedule, err := f.schedules.GetSchedule(context.Background(), f.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallIdle, schedule.Overall())
}

func TestStartResetsStuckScheduleToFailedWhenConfigured(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.config.Scheduler.StartupReset = "failed"
	})
	setStatus(t, f, runningStatus(t))

	require.NoError(t, f.service.Start(context.Background()))

	schedule, err := f.schedules.GetSchedule(context.Background(), f.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallFailed, schedule.Overall())
}

func TestStartLeavesResumedSchedulesRunning(t *testing.T) {
	f := newFixture(t, nil)
	setStatus(t, f, runningStatus(t))
	f.orch.resumed = map[string]bool{
		fmt.Sprintf("%d/%d", f.tenant.ID, f.schedule.ID): true,
	}

	require.NoError(t, f.service.Start(context.Background()))

	schedule, err := f.schedules.GetSchedule(context.Background(), f.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallRunning, schedule.Overall())
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.service.Start(ctx))
	require.NoError(t, f.service.Start(ctx))
	require.NoError(t, f.service.Stop())
	assert.False(t, f.service.IsRunning())
	require.NoError(t, f.service.Stop())
}

func TestDueScheduleFires(t *testing.T) {
	f := newFixture(t, nil)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, f.schedules.SetNextRun(context.Background(), f.tenant.ID, "github-sync", past))

	require.NoError(t, f.service.Start(context.Background()))
	waitFor(t, 5*time.Second, func() bool { return f.orch.startCount() >= 1 })

	// next_run advanced one interval past the fire, never stacked.
	schedule, err := f.schedules.GetSchedule(context.Background(), f.tenant.ID, "github-sync")
	require.NoError(t, err)
	require.NotNil(t, schedule.NextRun)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *schedule.NextRun, 10*time.Second)
}

func TestFireAdvancesNextRunWhenSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.startErr = interfaces.ErrAlreadyRunning

	f.service.fire(context.Background(), f.tenant.ID, "github-sync", 30*time.Minute, time.UTC)

	assert.Equal(t, 1, f.orch.startCount())
	schedule, err := f.schedules.GetSchedule(context.Background(), f.tenant.ID, "github-sync")
	require.NoError(t, err)
	require.NotNil(t, schedule.NextRun)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *schedule.NextRun, 10*time.Second)
}

func TestFireDefaultsMissingInterval(t *testing.T) {
	f := newFixture(t, nil)

	f.service.fire(context.Background(), f.tenant.ID, "github-sync", 0, time.UTC)

	schedule, err := f.schedules.GetSchedule(context.Background(), f.tenant.ID, "github-sync")
	require.NoError(t, err)
	require.NotNil(t, schedule.NextRun)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *schedule.NextRun, 10*time.Second)
}

func TestRunNowDelegatesToOrchestrator(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.service.RunNow(context.Background(), f.tenant.ID, "github-sync"))
	assert.Equal(t, 1, f.orch.startCount())

	f.orch.startErr = interfaces.ErrAlreadyRunning
	err := f.service.RunNow(context.Background(), f.tenant.ID, "github-sync")
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRunning)
}

func TestStaleSweepFailsWedgedRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	doc := runningStatus(t)
	startedAt := time.Now().Add(-3 * time.Hour)
	_, err := f.schedules.UpdateStatus(ctx, f.tenant.ID, "github-sync", func(s *models.JobSchedule) error {
		s.Status = doc
		s.LastRunStartedAt = &startedAt
		return nil
	})
	require.NoError(t, err)

	finished := make(chan interfaces.Event, 1)
	require.NoError(t, f.events.Subscribe(interfaces.EventRunFinished, func(ctx context.Context, e interfaces.Event) error {
		finished <- e
		return nil
	}))

	f.service.staleSweep(ctx)

	schedule, err := f.schedules.GetSchedule(ctx, f.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallFailed, schedule.Overall())

	select {
	case e := <-finished:
		payload, ok := e.Payload.(interfaces.RunFinishedPayload)
		require.True(t, ok)
		assert.Equal(t, models.OverallFailed, payload.Overall)
	case <-time.After(5 * time.Second):
		t.Fatal("run_finished event not published")
	}
}

func TestStaleSweepIgnoresRecentRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	doc := runningStatus(t)
	startedAt := time.Now().Add(-30 * time.Minute)
	_, err := f.schedules.UpdateStatus(ctx, f.tenant.ID, "github-sync", func(s *models.JobSchedule) error {
		s.Status = doc
		s.LastRunStartedAt = &startedAt
		return nil
	})
	require.NoError(t, err)

	f.service.staleSweep(ctx)

	schedule, err := f.schedules.GetSchedule(ctx, f.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallRunning, schedule.Overall())
}

func TestRequeueSweepRepublishesStuckPendingRecords(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.raw = &stubRawStorage{}
	})
	ctx := context.Background()
	setStatus(t, f, runningStatus(t))

	stub := f.raw.(*stubRawStorage)
	stub.records = []*models.RawExtractionRecord{
		{
			ID:        1,
			TenantID:  f.tenant.ID,
			JobID:     f.schedule.ID,
			StepName:  "repositories",
			Status:    models.RawPending,
			CreatedAt: time.Now().Add(-10 * time.Minute),
		},
		{
			// Too young to requeue.
			ID:        2,
			TenantID:  f.tenant.ID,
			JobID:     f.schedule.ID,
			StepName:  "repositories",
			Status:    models.RawPending,
			CreatedAt: time.Now(),
		},
		{
			// Unknown job: never requeued.
			ID:        3,
			TenantID:  f.tenant.ID,
			JobID:     f.schedule.ID + 99,
			StepName:  "repositories",
			Status:    models.RawPending,
			CreatedAt: time.Now().Add(-10 * time.Minute),
		},
	}

	f.service.requeueSweep(ctx)

	depth, err := f.bus.QueueDepth(ctx, models.TransformQueue(f.tenant.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRequeueSweepSkipsFinishedJobs(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.raw = &stubRawStorage{}
	})
	ctx := context.Background()

	stub := f.raw.(*stubRawStorage)
	stub.records = []*models.RawExtractionRecord{
		{
			ID:        1,
			TenantID:  f.tenant.ID,
			JobID:     f.schedule.ID,
			StepName:  "repositories",
			Status:    models.RawPending,
			CreatedAt: time.Now().Add(-10 * time.Minute),
		},
	}

	f.service.requeueSweep(ctx)

	depth, err := f.bus.QueueDepth(ctx, models.TransformQueue(f.tenant.ID))
	require.NoError(t, err)
	assert.Zero(t, depth)
}
