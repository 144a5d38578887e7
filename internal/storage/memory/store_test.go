package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

func TestTenantScopingEnforced(t *testing.T) {
	ctx := context.Background()

	tenants := NewTenantStore()
	_, err := tenants.GetTenant(ctx, 0)
	assert.ErrorIs(t, err, interfaces.ErrTenantRequired)

	schedules := NewScheduleStore()
	_, err = schedules.GetSchedule(ctx, 0, "job")
	assert.ErrorIs(t, err, interfaces.ErrTenantRequired)

	raw := NewRawStore()
	assert.ErrorIs(t, raw.CreateRaw(ctx, &models.RawExtractionRecord{}), interfaces.ErrTenantRequired)

	domain := NewDomainStore()
	_, err = domain.Upsert(ctx, &models.Project{ExternalID: "p1"})
	assert.ErrorIs(t, err, interfaces.ErrTenantRequired)

	vectors := NewVectorStore()
	_, _, err = vectors.EnqueueItem(ctx, &models.VectorizationQueueItem{Table: "projects"})
	assert.ErrorIs(t, err, interfaces.ErrTenantRequired)

	checkpoints := NewCheckpointStore()
	assert.ErrorIs(t, checkpoints.PutCheckpoint(ctx, &models.JobCheckpoint{JobID: 1}), interfaces.ErrTenantRequired)
}

func TestTenantRowsIsolated(t *testing.T) {
	ctx := context.Background()

	raw := NewRawStore()
	record := &models.RawExtractionRecord{TenantID: 1, JobID: 1, StepName: "projects", Payload: []byte("{}")}
	require.NoError(t, raw.CreateRaw(ctx, record))

	// The row exists for its own tenant and is invisible to any other.
	_, err := raw.GetRaw(ctx, 1, record.ID)
	require.NoError(t, err)
	_, err = raw.GetRaw(ctx, 2, record.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	count, err := raw.CountRaw(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, count)

	domain := NewDomainStore()
	_, err = domain.Upsert(ctx, &models.Project{TenantID: 1, ExternalID: "PROJ-1", Name: "one"})
	require.NoError(t, err)
	_, err = domain.Get(ctx, 2, "projects", "PROJ-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// Same external id under a different tenant is a distinct row.
	created, err := domain.Upsert(ctx, &models.Project{TenantID: 2, ExternalID: "PROJ-1", Name: "two"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDomainUpsertConverges(t *testing.T) {
	ctx := context.Background()
	domain := NewDomainStore()

	created, err := domain.Upsert(ctx, &models.WorkItem{TenantID: 1, ExternalID: "ISSUE-1", Title: "first"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = domain.Upsert(ctx, &models.WorkItem{TenantID: 1, ExternalID: "ISSUE-1", Title: "second"})
	require.NoError(t, err)
	assert.False(t, created)

	record, err := domain.Get(ctx, 1, "work_items", "ISSUE-1")
	require.NoError(t, err)
	item, ok := record.(*models.WorkItem)
	require.True(t, ok)
	assert.Equal(t, "second", item.Title)

	count, err := domain.Count(ctx, 1, "work_items")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestVectorEnqueueUniqueConstraint(t *testing.T) {
	ctx := context.Background()
	vectors := NewVectorStore()

	item := &models.VectorizationQueueItem{
		TenantID:   1,
		Table:      "work_items",
		ExternalID: "ISSUE-1",
		Operation:  models.VectorInsert,
		JobID:      10,
		StepName:   "issues_with_changelogs",
	}
	first, created, err := vectors.EnqueueItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	// Same (table, external_id, operation, tenant) row: no duplicate.
	second, created, err := vectors.EnqueueItem(ctx, &models.VectorizationQueueItem{
		TenantID:   1,
		Table:      "work_items",
		ExternalID: "ISSUE-1",
		Operation:  models.VectorInsert,
		JobID:      10,
		StepName:   "issues_with_changelogs",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different operation is separate pending work.
	_, created, err = vectors.EnqueueItem(ctx, &models.VectorizationQueueItem{
		TenantID:   1,
		Table:      "work_items",
		ExternalID: "ISSUE-1",
		Operation:  models.VectorDelete,
		JobID:      10,
		StepName:   "issues_with_changelogs",
	})
	require.NoError(t, err)
	assert.True(t, created)

	outstanding, err := vectors.CountOutstanding(ctx, 1, 10, "issues_with_changelogs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), outstanding)

	require.NoError(t, vectors.MarkItem(ctx, 1, first.ID, models.VectorItemCompleted, ""))
	outstanding, err = vectors.CountOutstanding(ctx, 1, 10, "issues_with_changelogs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), outstanding)
}

func TestVectorEnqueueRevivesSettledItem(t *testing.T) {
	ctx := context.Background()
	vectors := NewVectorStore()

	item := &models.VectorizationQueueItem{
		TenantID:   1,
		Table:      "projects",
		ExternalID: "P-1",
		Operation:  models.VectorUpdate,
		JobID:      1,
		StepName:   "projects",
	}
	stored, _, err := vectors.EnqueueItem(ctx, item)
	require.NoError(t, err)
	require.NoError(t, vectors.MarkItem(ctx, 1, stored.ID, models.VectorItemCompleted, ""))

	// Re-enqueueing the settled row resets it to pending for the new run.
	revived, created, err := vectors.EnqueueItem(ctx, &models.VectorizationQueueItem{
		TenantID:   1,
		Table:      "projects",
		ExternalID: "P-1",
		Operation:  models.VectorUpdate,
		JobID:      2,
		StepName:   "projects",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, revived.ID)
	assert.Equal(t, models.VectorItemPending, revived.Status)
	assert.Equal(t, int64(2), revived.JobID)
}

func TestBridgeLifecycle(t *testing.T) {
	ctx := context.Background()
	vectors := NewVectorStore()

	_, _, ok, err := vectors.TenantModel(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	bridge := &models.VectorBridge{
		TenantID:            1,
		Table:               "projects",
		ExternalID:          "P-1",
		EmbeddingModel:      "gemini-embedding-001",
		EmbeddingDimensions: 768,
		Active:              true,
	}
	require.NoError(t, vectors.UpsertBridge(ctx, bridge))

	model, dims, ok, err := vectors.TenantModel(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gemini-embedding-001", model)
	assert.Equal(t, 768, dims)

	count, err := vectors.CountBridges(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, vectors.DeactivateBridge(ctx, 1, "projects", "P-1"))
	count, err = vectors.CountBridges(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	stored, err := vectors.GetBridge(ctx, 1, "projects", "P-1")
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestScheduleUpdateStatusAtomic(t *testing.T) {
	ctx := context.Background()
	schedules := NewScheduleStore()

	schedule := &models.JobSchedule{
		TenantID: 1,
		JobName:  "github-sync",
		Provider: "github",
		Active:   true,
		Status: models.NewJobStatus([]models.StepDef{
			{Name: "repositories"},
		}),
	}
	require.NoError(t, schedules.SaveSchedule(ctx, schedule))

	// A failed mutation leaves the stored document untouched.
	_, err := schedules.UpdateStatus(ctx, 1, "github-sync", func(s *models.JobSchedule) error {
		s.Status.Overall = models.OverallRunning
		return assert.AnError
	})
	require.Error(t, err)

	stored, err := schedules.GetSchedule(ctx, 1, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallIdle, stored.Overall())

	doc, err := schedules.UpdateStatus(ctx, 1, "github-sync", func(s *models.JobSchedule) error {
		s.Status.Overall = models.OverallRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.OverallRunning, doc.Overall)

	// The returned document is a copy, not the stored one.
	doc.Overall = models.OverallFailed
	stored, err = schedules.GetSchedule(ctx, 1, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallRunning, stored.Overall())
}

func TestScheduleNextRunFields(t *testing.T) {
	ctx := context.Background()
	schedules := NewScheduleStore()

	require.NoError(t, schedules.SaveSchedule(ctx, &models.JobSchedule{
		TenantID:                1,
		JobName:                 "jira-sync",
		Provider:                "jira",
		ScheduleIntervalMinutes: 60,
		Active:                  true,
	}))

	next := time.Now().Add(time.Hour)
	require.NoError(t, schedules.SetNextRun(ctx, 1, "jira-sync", next))
	require.NoError(t, schedules.MarkRunStarted(ctx, 1, "jira-sync", time.Now()))

	stored, err := schedules.GetSchedule(ctx, 1, "jira-sync")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.WithinDuration(t, next, *stored.NextRun, time.Second)
	assert.NotNil(t, stored.LastRunStartedAt)
	assert.Equal(t, time.Hour, stored.Interval())
}

func TestCheckpointUpsertByKey(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewCheckpointStore()

	cp := &models.JobCheckpoint{TenantID: 1, JobID: 2, StepName: "projects", CursorToken: "page-1"}
	require.NoError(t, checkpoints.PutCheckpoint(ctx, cp))
	firstID := cp.ID

	require.NoError(t, checkpoints.PutCheckpoint(ctx, &models.JobCheckpoint{
		TenantID: 1, JobID: 2, StepName: "projects", CursorToken: "page-2", PrimaryDone: true,
	}))

	stored, err := checkpoints.GetCheckpoint(ctx, 1, 2, "projects")
	require.NoError(t, err)
	assert.Equal(t, firstID, stored.ID)
	assert.Equal(t, "page-2", stored.CursorToken)
	assert.True(t, stored.PrimaryDone)

	all, err := checkpoints.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, checkpoints.DeleteCheckpoint(ctx, 1, 2, "projects"))
	_, err = checkpoints.GetCheckpoint(ctx, 1, 2, "projects")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	credentials := NewCredentialStore()

	_, err := credentials.GetCredential(ctx, "tenant-1-jira")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, credentials.StoreCredential(ctx, "tenant-1-jira", "token-abc"))
	token, err := credentials.GetCredential(ctx, "tenant-1-jira")
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)

	require.NoError(t, credentials.DeleteCredential(ctx, "tenant-1-jira"))
	_, err = credentials.GetCredential(ctx, "tenant-1-jira")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
