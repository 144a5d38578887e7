package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/bus"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/embedder"
	"github.com/ternarybob/colligo/internal/events"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/pool"
	"github.com/ternarybob/colligo/internal/providers"
	"github.com/ternarybob/colligo/internal/stages/embedding"
	"github.com/ternarybob/colligo/internal/stages/extraction"
	"github.com/ternarybob/colligo/internal/stages/transform"
	"github.com/ternarybob/colligo/internal/storage/memory"
	"github.com/ternarybob/colligo/internal/vectorindex"
)

// fakeExtractor scripts one step's pages. It records every request it sees
// so tests can assert cursor progression and retry counts.
type fakeExtractor struct {
	provider string
	step     string
	extract  func(call int, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error)

	mu       sync.Mutex
	calls    int
	requests []interfaces.ExtractRequest
}

func (f *fakeExtractor) Provider() string { return f.provider }
func (f *fakeExtractor) Step() string     { return f.step }

func (f *fakeExtractor) Extract(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.extract(call, req)
}

func (f *fakeExtractor) seen() []interfaces.ExtractRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interfaces.ExtractRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// fakeTransformer parses the test payload form {"ids": [...]} into one
// domain row per id.
type fakeTransformer struct {
	provider string
	step     string
	build    func(id string) models.DomainRecord
}

func (f *fakeTransformer) Provider() string { return f.provider }
func (f *fakeTransformer) Step() string     { return f.step }

func (f *fakeTransformer) Transform(ctx context.Context, raw *models.RawExtractionRecord) (*interfaces.TransformResult, error) {
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, models.SchemaError("failed to parse test payload", err)
	}
	records := make([]models.DomainRecord, 0, len(payload.IDs))
	for _, id := range payload.IDs {
		record := f.build(id)
		record.SetTenantID(raw.TenantID)
		records = append(records, record)
	}
	return &interfaces.TransformResult{Records: records}, nil
}

func pageOf(ids ...string) interfaces.RawBatch {
	body, _ := json.Marshal(map[string][]string{"ids": ids})
	return interfaces.RawBatch{Type: "test_page", Payload: body}
}

func singlePage(batches ...interfaces.RawBatch) func(int, interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	return func(int, interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
		return &interfaces.ExtractResult{Batches: batches, LastPage: true}, nil
	}
}

// harness wires the full pipeline against in-memory backends: stores, bus,
// vector index and offline embedder, with fake provider steps registered
// under the github step names.
type harness struct {
	tenants     *memory.TenantStore
	schedules   *memory.ScheduleStore
	raw         *memory.RawStore
	domain      *memory.DomainStore
	vectors     *memory.VectorStore
	checkpoints *memory.CheckpointStore
	credentials *memory.CredentialStore
	bus         *bus.MemoryBus
	events      *events.Service
	index       *vectorindex.MemoryIndex
	engine      *Engine
	pool        *pool.Pool

	tenant   *models.Tenant
	schedule *models.JobSchedule
}

func newHarness(t *testing.T, repositories, pullRequests *fakeExtractor) *harness {
	t.Helper()
	ctx := context.Background()
	logger := common.GetLogger()

	h := &harness{
		tenants:     memory.NewTenantStore(),
		schedules:   memory.NewScheduleStore(),
		raw:         memory.NewRawStore(),
		domain:      memory.NewDomainStore(),
		vectors:     memory.NewVectorStore(),
		checkpoints: memory.NewCheckpointStore(),
		credentials: memory.NewCredentialStore(),
		bus:         bus.NewMemoryBus(5, logger),
		events:      events.NewService(logger),
		index:       vectorindex.NewMemoryIndex(),
	}

	h.tenant = &models.Tenant{Name: "acme", Tier: models.TierFree, Active: true}
	require.NoError(t, h.tenants.SaveTenant(ctx, h.tenant))

	integration := &models.Integration{
		TenantID:      h.tenant.ID,
		Provider:      providers.ProviderGitHub,
		BaseURL:       "https://api.github.test",
		CredentialKey: "acme-github",
		Active:        true,
	}
	require.NoError(t, h.tenants.SaveIntegration(ctx, integration))
	require.NoError(t, h.credentials.StoreCredential(ctx, "acme-github", "token"))

	h.schedule = &models.JobSchedule{
		TenantID:                h.tenant.ID,
		JobName:                 "github-sync",
		Provider:                providers.ProviderGitHub,
		IntegrationID:           integration.ID,
		ScheduleIntervalMinutes: 60,
		Active:                  true,
	}
	require.NoError(t, h.schedules.SaveSchedule(ctx, h.schedule))

	registry := providers.NewRegistry()
	registry.RegisterExtractor(repositories)
	registry.RegisterExtractor(pullRequests)
	registry.RegisterTransformer(&fakeTransformer{
		provider: providers.ProviderGitHub,
		step:     "repositories",
		build: func(id string) models.DomainRecord {
			return &models.Repository{ExternalID: id, FullName: "acme/" + id}
		},
	})
	registry.RegisterTransformer(&fakeTransformer{
		provider: providers.ProviderGitHub,
		step:     "pull_requests",
		build: func(id string) models.DomainRecord {
			return &models.PullRequest{ExternalID: id, Title: "PR " + id}
		},
	})

	engine, err := NewEngine(
		h.tenants, h.schedules, h.raw, h.domain, h.vectors, h.checkpoints,
		h.bus, h.events, logger,
	)
	require.NoError(t, err)
	h.engine = engine

	extractionHandler := extraction.NewHandler(
		registry, h.tenants, h.schedules, h.raw, h.checkpoints,
		h.credentials, h.bus, h.events, engine, logger,
	)
	transformHandler := transform.NewHandler(
		registry, h.schedules, h.raw, h.domain, h.vectors,
		h.bus, h.events, engine, logger,
	)
	embeddingHandler := embedding.NewHandler(
		h.schedules, h.domain, h.vectors, h.index,
		embedder.NewOfflineClient("offline-test", 8),
		h.events, engine, nil, logger,
	)

	h.pool = pool.NewPool(common.DefaultConfig(), h.bus, h.tenants,
		extractionHandler, transformHandler, embeddingHandler, logger)
	require.NoError(t, h.pool.StartAll(ctx))

	t.Cleanup(func() {
		_ = h.pool.StopAll()
		_ = h.bus.Close()
		_ = h.events.Close()
	})
	return h
}

func awaitRun(t *testing.T, done <-chan interfaces.RunResult) interfaces.RunResult {
	t.Helper()
	select {
	case result := <-done:
		return result
	case <-time.After(15 * time.Second):
		t.Fatal("run did not finish in time")
		return interfaces.RunResult{}
	}
}

func TestRunWithNoDataFinishesCleanly(t *testing.T) {
	repositories := &fakeExtractor{provider: "github", step: "repositories", extract: singlePage()}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)

	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFinished, result.Overall)

	status, err := h.engine.Status(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallFinished, status.Overall)
	assert.True(t, status.AllFinished())

	domainCount, err := h.domain.CountAll(ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, domainCount)

	// One sentinel raw record per step carried the completion flag.
	rawCount, err := h.raw.CountRaw(ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rawCount)
}

func TestRunHappyPath(t *testing.T) {
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: singlePage(pageOf("api", "web")),
	}
	pullRequests := &fakeExtractor{
		provider: "github", step: "pull_requests",
		extract: singlePage(pageOf("api#1")),
	}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	completions := make(chan interfaces.Event, 4)
	require.NoError(t, h.events.Subscribe(interfaces.EventCompletion, func(ctx context.Context, e interfaces.Event) error {
		completions <- e
		return nil
	}))

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFinished, result.Overall)

	domainCount, err := h.domain.CountAll(ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), domainCount)

	// Every row has its vector and an active bridge.
	for _, key := range []struct{ table, id string }{
		{"repositories", "api"}, {"repositories", "web"}, {"pull_requests", "api#1"},
	} {
		vector, ok := h.index.Get(h.tenant.ID, key.table, key.id)
		assert.True(t, ok, "missing vector for %s/%s", key.table, key.id)
		assert.Len(t, vector, 8)

		bridge, err := h.vectors.GetBridge(ctx, h.tenant.ID, key.table, key.id)
		require.NoError(t, err)
		assert.True(t, bridge.Active)
		assert.Equal(t, "offline-test", bridge.EmbeddingModel)
	}

	select {
	case e := <-completions:
		payload, ok := e.Payload.(interfaces.CompletionPayload)
		require.True(t, ok)
		assert.Equal(t, models.OverallFinished, payload.Overall)
		assert.Equal(t, int64(3), payload.DomainRows)
	case <-time.After(5 * time.Second):
		t.Fatal("completion event not published")
	}

	// The second step never starts before the first fully finishes.
	repoRequests := repositories.seen()
	prRequests := pullRequests.seen()
	require.NotEmpty(t, repoRequests)
	require.NotEmpty(t, prRequests)

	assert.NotNil(t, h.events.LatestProgress(h.tenant.ID, h.schedule.ID))
}

func TestRunPaginatesWithCheckpoints(t *testing.T) {
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: func(call int, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
			switch call {
			case 1:
				return &interfaces.ExtractResult{Batches: []interfaces.RawBatch{pageOf("a")}, NextCursor: "c1"}, nil
			case 2:
				return &interfaces.ExtractResult{Batches: []interfaces.RawBatch{pageOf("b")}, NextCursor: "c2"}, nil
			default:
				return &interfaces.ExtractResult{Batches: []interfaces.RawBatch{pageOf("c")}, LastPage: true}, nil
			}
		},
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFinished, result.Overall)

	// Each page resumed from the cursor the previous page checkpointed.
	requests := repositories.seen()
	require.Len(t, requests, 3)
	assert.Equal(t, "", requests[0].Cursor)
	assert.Equal(t, "c1", requests[1].Cursor)
	assert.Equal(t, "c2", requests[2].Cursor)

	// Finished steps leave no checkpoint behind.
	_, err = h.checkpoints.GetCheckpoint(ctx, h.tenant.ID, h.schedule.ID, "repositories")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	domainCount, err := h.domain.Count(ctx, h.tenant.ID, "repositories")
	require.NoError(t, err)
	assert.Equal(t, int64(3), domainCount)
}

func TestRunRetriesTransientExtractionFailures(t *testing.T) {
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: func(call int, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
			if call < 3 {
				return nil, models.Retryable("upstream 503", nil)
			}
			return &interfaces.ExtractResult{Batches: []interfaces.RawBatch{pageOf("a")}, LastPage: true}, nil
		},
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result := awaitRun(t, done)

	assert.Equal(t, models.OverallFinished, result.Overall)
	assert.Len(t, repositories.seen(), 3)
}

func TestRunFailsOnProviderAuthError(t *testing.T) {
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: func(int, interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
			return nil, models.AuthError("401 from provider", nil)
		},
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	exceptions := make(chan interfaces.Event, 4)
	require.NoError(t, h.events.Subscribe(interfaces.EventException, func(ctx context.Context, e interfaces.Event) error {
		exceptions <- e
		return nil
	}))

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFailed, result.Overall)

	status, err := h.engine.Status(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallFailed, status.Overall)
	step, err := status.Step("repositories")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, step.Extraction)

	// The second step was never reached.
	assert.Empty(t, pullRequests.seen())

	select {
	case e := <-exceptions:
		payload, ok := e.Payload.(interfaces.ExceptionPayload)
		require.True(t, ok)
		assert.Equal(t, "error", payload.Level)
		assert.Equal(t, "repositories", payload.Step)
	case <-time.After(5 * time.Second):
		t.Fatal("exception event not published")
	}
}

func TestRunCancellation(t *testing.T) {
	// Endless pagination: only cancellation can end the run.
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: func(call int, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &interfaces.ExtractResult{
				Batches:    []interfaces.RawBatch{pageOf(fmt.Sprintf("r%d", call))},
				NextCursor: fmt.Sprintf("c%d", call),
			}, nil
		},
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(h.tenant.ID, "github-sync"))
	assert.True(t, h.engine.Cancelled(h.tenant.ID, h.schedule.ID))

	result := awaitRun(t, done)
	assert.Equal(t, models.OverallCancelled, result.Overall)

	status, err := h.engine.Status(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	assert.Equal(t, models.OverallCancelled, status.Overall)

	// Cancelling a job that is not running is an error.
	assert.Error(t, h.engine.Cancel(h.tenant.ID, "github-sync"))
}

func TestRunSingleFlight(t *testing.T) {
	block := make(chan struct{})
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: func(int, interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
			<-block
			return &interfaces.ExtractResult{LastPage: true}, nil
		},
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)

	_, err = h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRunning)

	close(block)
	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFinished, result.Overall)

	// A finished job can be started again.
	done, err = h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result = awaitRun(t, done)
	assert.Equal(t, models.OverallFinished, result.Overall)
}

func TestSecondaryExtractionsCarryCompletionFlag(t *testing.T) {
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: func(call int, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
			if req.Secondary {
				return &interfaces.ExtractResult{Batches: []interfaces.RawBatch{pageOf(req.ParentExternalID + "-detail")}}, nil
			}
			return &interfaces.ExtractResult{
				Batches:  []interfaces.RawBatch{pageOf("api", "web")},
				LastPage: true,
				Secondary: []interfaces.SecondaryExtraction{
					{StepType: "repo_detail", ParentExternalID: "api"},
					{StepType: "repo_detail", ParentExternalID: "web"},
				},
			}, nil
		},
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFinished, result.Overall)

	// Primary rows plus one detail row per secondary.
	domainCount, err := h.domain.Count(ctx, h.tenant.ID, "repositories")
	require.NoError(t, err)
	assert.Equal(t, int64(4), domainCount)

	// Exactly one raw record for the step carried the completion flag, and
	// it was a secondary page, not the primary one.
	pending, err := h.raw.ListPendingRaw(ctx, h.tenant.ID, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var lastItems int
	for id := int64(1); ; id++ {
		record, err := h.raw.GetRaw(ctx, h.tenant.ID, id)
		if errors.Is(err, interfaces.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		if record.StepName == "repositories" && record.LastItem {
			lastItems++
		}
	}
	assert.Equal(t, 1, lastItems)
}

func TestRunFailsOnEmbeddingModelMismatch(t *testing.T) {
	repositories := &fakeExtractor{
		provider: "github", step: "repositories",
		extract: singlePage(pageOf("api")),
	}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	// The tenant already has vectors from a different model.
	require.NoError(t, h.vectors.UpsertBridge(ctx, &models.VectorBridge{
		TenantID:            h.tenant.ID,
		Table:               "work_items",
		ExternalID:          "legacy",
		EmbeddingModel:      "other-model",
		EmbeddingDimensions: 1536,
		Active:              true,
	}))

	done, err := h.engine.StartRun(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	result := awaitRun(t, done)
	assert.Equal(t, models.OverallFailed, result.Overall)

	status, err := h.engine.Status(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	step, err := status.Step("repositories")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, step.Embedding)
}

func TestConcurrentDrainSignalsSeedNextStepOnce(t *testing.T) {
	repositories := &fakeExtractor{provider: "github", step: "repositories", extract: singlePage()}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	// Freeze the pipeline so seed messages stay on the queue.
	require.NoError(t, h.pool.StopAll())

	// First step mid-drain: transform finished, embedding running, no
	// outstanding items. The next drained signal closes the step.
	doc := models.NewJobStatus(providers.GitHubSteps)
	doc.Overall = models.OverallRunning
	step := doc.Steps["repositories"]
	require.NoError(t, step.SetStage(models.StageExtraction, models.StageRunning))
	require.NoError(t, step.SetStage(models.StageExtraction, models.StageFinished))
	require.NoError(t, step.SetStage(models.StageTransform, models.StageRunning))
	require.NoError(t, step.SetStage(models.StageTransform, models.StageFinished))
	require.NoError(t, step.SetStage(models.StageEmbedding, models.StageRunning))
	_, err := h.schedules.UpdateStatus(ctx, h.tenant.ID, "github-sync", func(s *models.JobSchedule) error {
		s.Status = doc
		return nil
	})
	require.NoError(t, err)

	// Two workers drain the last items at the same moment and both signal.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.events.PublishSync(ctx, interfaces.Event{
				Type:     interfaces.EventStepSignal,
				TenantID: h.tenant.ID,
				JobID:    h.schedule.ID,
				Payload: interfaces.StepSignalPayload{
					Step:   "repositories",
					Signal: interfaces.SignalEmbeddingDrained,
				},
			})
		}()
	}
	wg.Wait()

	status, err := h.engine.Status(ctx, h.tenant.ID, "github-sync")
	require.NoError(t, err)
	finished, err := status.Step("repositories")
	require.NoError(t, err)
	assert.Equal(t, models.StageFinished, finished.Embedding)

	// Exactly one seed message for the next step.
	depth, err := h.bus.QueueDepth(ctx, models.ExtractionQueue(models.TierFree))
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDuplicateTransformCompleteSignalIsIgnored(t *testing.T) {
	repositories := &fakeExtractor{provider: "github", step: "repositories", extract: singlePage()}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	require.NoError(t, h.pool.StopAll())

	doc := models.NewJobStatus(providers.GitHubSteps)
	doc.Overall = models.OverallRunning
	step := doc.Steps["repositories"]
	require.NoError(t, step.SetStage(models.StageExtraction, models.StageRunning))
	require.NoError(t, step.SetStage(models.StageExtraction, models.StageFinished))
	_, err := h.schedules.UpdateStatus(ctx, h.tenant.ID, "github-sync", func(s *models.JobSchedule) error {
		s.Status = doc
		return nil
	})
	require.NoError(t, err)

	// A requeued completion-flagged message replays the signal. The first
	// one advances; the replay must not seed the next step again.
	signal := interfaces.Event{
		Type:     interfaces.EventStepSignal,
		TenantID: h.tenant.ID,
		JobID:    h.schedule.ID,
		Payload: interfaces.StepSignalPayload{
			Step:   "repositories",
			Signal: interfaces.SignalTransformComplete,
		},
	}
	require.NoError(t, h.events.PublishSync(ctx, signal))
	require.NoError(t, h.events.PublishSync(ctx, signal))

	depth, err := h.bus.QueueDepth(ctx, models.ExtractionQueue(models.TierFree))
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestResumeRepublishesCheckpointedStep(t *testing.T) {
	repositories := &fakeExtractor{provider: "github", step: "repositories", extract: singlePage()}
	pullRequests := &fakeExtractor{provider: "github", step: "pull_requests", extract: singlePage()}
	h := newHarness(t, repositories, pullRequests)
	ctx := context.Background()

	// Freeze the pipeline so the republished message can be inspected.
	require.NoError(t, h.pool.StopAll())

	// A run was mid-pagination when the process stopped.
	doc := models.NewJobStatus(providers.GitHubSteps)
	doc.Overall = models.OverallRunning
	require.NoError(t, doc.Steps["repositories"].SetStage(models.StageExtraction, models.StageRunning))
	_, err := h.schedules.UpdateStatus(ctx, h.tenant.ID, "github-sync", func(s *models.JobSchedule) error {
		s.Status = doc
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.checkpoints.PutCheckpoint(ctx, &models.JobCheckpoint{
		TenantID:    h.tenant.ID,
		JobID:       h.schedule.ID,
		StepName:    "repositories",
		Stage:       models.StageExtraction,
		CursorToken: "c5",
	}))

	resumed, err := h.engine.Resumed(ctx)
	require.NoError(t, err)
	assert.True(t, resumed[fmt.Sprintf("%d/%d", h.tenant.ID, h.schedule.ID)])

	captured := make(chan models.ExtractionMessage, 1)
	stop, err := h.bus.Subscribe(ctx, models.ExtractionQueue(models.TierFree), func(ctx context.Context, d *interfaces.Delivery) {
		var msg models.ExtractionMessage
		if err := json.Unmarshal(d.Body, &msg); err == nil {
			captured <- msg
		}
		_ = d.Ack()
	})
	require.NoError(t, err)
	defer stop()

	select {
	case msg := <-captured:
		assert.Equal(t, "repositories", msg.StepName)
		assert.Equal(t, "c5", msg.Cursor)
		assert.Equal(t, h.tenant.ID, msg.TenantID)
	case <-time.After(5 * time.Second):
		t.Fatal("continuation message not republished")
	}
}
