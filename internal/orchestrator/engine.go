// Package orchestrator drives job runs: it seeds extraction messages,
// consumes stage signals from the handlers, advances the status document
// step by step, and reports run completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/providers"
)

type run struct {
	jobName   string
	startedAt time.Time
	done      chan interfaces.RunResult
	once      sync.Once
}

// Engine implements interfaces.Orchestrator and interfaces.CancelToken. It
// holds no pipeline state of its own: the status document on the schedule
// row is canonical, and the engine only ever mutates it under the row lock.
type Engine struct {
	tenants     interfaces.TenantStorage
	schedules   interfaces.ScheduleStorage
	raw         interfaces.RawStorage
	domain      interfaces.DomainStorage
	vectors     interfaces.VectorStorage
	checkpoints interfaces.CheckpointStorage
	bus         interfaces.MessageBus
	events      interfaces.EventService
	logger      arbor.ILogger

	mu        sync.Mutex
	runs      map[string]*run
	cancelled sync.Map // "tenant/job" -> struct{}
}

// NewEngine wires the orchestrator and subscribes it to step signals.
func NewEngine(
	tenants interfaces.TenantStorage,
	schedules interfaces.ScheduleStorage,
	raw interfaces.RawStorage,
	domain interfaces.DomainStorage,
	vectors interfaces.VectorStorage,
	checkpoints interfaces.CheckpointStorage,
	bus interfaces.MessageBus,
	events interfaces.EventService,
	logger arbor.ILogger,
) (*Engine, error) {
	e := &Engine{
		tenants:     tenants,
		schedules:   schedules,
		raw:         raw,
		domain:      domain,
		vectors:     vectors,
		checkpoints: checkpoints,
		bus:         bus,
		events:      events,
		logger:      logger,
		runs:        make(map[string]*run),
	}
	if err := events.Subscribe(interfaces.EventStepSignal, e.handleSignal); err != nil {
		return nil, fmt.Errorf("subscribe to step signals: %w", err)
	}
	return e, nil
}

func runKey(tenantID, jobID int64) string {
	return fmt.Sprintf("%d/%d", tenantID, jobID)
}

// Cancelled implements interfaces.CancelToken.
func (e *Engine) Cancelled(tenantID, jobID int64) bool {
	_, ok := e.cancelled.Load(runKey(tenantID, jobID))
	return ok
}

// StartRun begins a run for the schedule. Single-flight is enforced on the
// status document itself, under the row lock, so two schedulers cannot both
// start the same job.
func (e *Engine) StartRun(ctx context.Context, tenantID int64, jobName string) (<-chan interfaces.RunResult, error) {
	schedule, err := e.schedules.GetSchedule(ctx, tenantID, jobName)
	if err != nil {
		return nil, err
	}
	steps, err := providers.Steps(schedule.Provider)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	_, err = e.schedules.UpdateStatus(ctx, tenantID, jobName, func(s *models.JobSchedule) error {
		if s.Overall() == models.OverallRunning {
			return interfaces.ErrAlreadyRunning
		}
		doc := models.NewJobStatus(steps)
		doc.Overall = models.OverallRunning
		s.Status = doc
		t := startedAt
		s.LastRunStartedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.cancelled.Delete(runKey(tenantID, schedule.ID))

	// Fresh run: cursors from any previous attempt no longer apply.
	for _, def := range steps {
		if err := e.checkpoints.DeleteCheckpoint(ctx, tenantID, schedule.ID, def.Name); err != nil {
			e.logger.Warn().Err(err).Str("step", def.Name).Msg("Failed to clear checkpoint")
		}
	}

	r := &run{
		jobName:   jobName,
		startedAt: startedAt,
		done:      make(chan interfaces.RunResult, 1),
	}
	e.mu.Lock()
	e.runs[runKey(tenantID, schedule.ID)] = r
	e.mu.Unlock()

	if err := e.seedStep(ctx, schedule, steps[0].Name); err != nil {
		e.finishRun(ctx, tenantID, schedule.ID, models.OverallFailed, err)
		return r.done, nil
	}

	e.logger.Info().
		Int64("tenant_id", tenantID).
		Str("job", jobName).
		Str("step", steps[0].Name).
		Msg("Run started")
	return r.done, nil
}

// seedStep publishes the first-page extraction message for a step.
func (e *Engine) seedStep(ctx context.Context, schedule *models.JobSchedule, stepName string) error {
	tenant, err := e.tenants.GetTenant(ctx, schedule.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	msg := models.ExtractionMessage{
		Envelope: models.Envelope{
			TenantID:      schedule.TenantID,
			JobID:         schedule.ID,
			IntegrationID: schedule.IntegrationID,
			Type:          models.TypeExtraction,
			FirstItem:     true,
		},
		Provider: schedule.Provider,
		StepName: stepName,
	}
	body, err := models.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, models.ExtractionQueue(tenant.Tier), body); err != nil {
		return fmt.Errorf("publish seed message: %w", err)
	}
	return nil
}

// Cancel sets the cooperative flag and settles the run. In-flight handlers
// observe the flag at their next page boundary and drop their work.
func (e *Engine) Cancel(tenantID int64, jobName string) error {
	ctx := context.Background()
	schedule, err := e.schedules.GetSchedule(ctx, tenantID, jobName)
	if err != nil {
		return err
	}
	if schedule.Overall() != models.OverallRunning {
		return fmt.Errorf("job %s is not running", jobName)
	}

	e.cancelled.Store(runKey(tenantID, schedule.ID), struct{}{})

	_, err = e.schedules.UpdateStatus(ctx, tenantID, jobName, func(s *models.JobSchedule) error {
		if s.Overall() == models.OverallRunning {
			s.Status.Overall = models.OverallCancelled
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.finishRun(ctx, tenantID, schedule.ID, models.OverallCancelled, nil)
	return nil
}

// Status returns the canonical status document, treating a missing one as
// all idle.
func (e *Engine) Status(ctx context.Context, tenantID int64, jobName string) (*models.JobStatus, error) {
	schedule, err := e.schedules.GetSchedule(ctx, tenantID, jobName)
	if err != nil {
		return nil, err
	}
	if schedule.Status == nil {
		steps, err := providers.Steps(schedule.Provider)
		if err != nil {
			return nil, err
		}
		return models.NewJobStatus(steps), nil
	}
	return schedule.Status.Clone(), nil
}

// ResumeCheckpoints republishes continuation messages for jobs still marked
// running, picking up where the stored cursor left off. Returns the set of
// (tenant, job) pairs it resumed so startup recovery can reset the rest.
func (e *Engine) ResumeCheckpoints(ctx context.Context) error {
	_, err := e.resume(ctx)
	return err
}

// Resumed is the startup contract between engine and scheduler: jobs listed
// here were mid-pagination and continue; other running jobs get reset.
func (e *Engine) Resumed(ctx context.Context) (map[string]bool, error) {
	return e.resume(ctx)
}

func (e *Engine) resume(ctx context.Context) (map[string]bool, error) {
	cps, err := e.checkpoints.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	resumed := make(map[string]bool)
	for _, cp := range cps {
		schedule, err := e.schedules.GetScheduleByID(ctx, cp.TenantID, cp.JobID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if schedule.Overall() != models.OverallRunning {
			continue
		}
		step, err := schedule.Status.Step(cp.StepName)
		if err != nil || step.Extraction != models.StageRunning {
			continue
		}

		tenant, err := e.tenants.GetTenant(ctx, cp.TenantID)
		if err != nil {
			return nil, err
		}
		msg := models.ExtractionMessage{
			Envelope: models.Envelope{
				TenantID:      cp.TenantID,
				JobID:         cp.JobID,
				IntegrationID: schedule.IntegrationID,
				Type:          models.TypeExtraction,
				Cursor:        cp.CursorToken,
			},
			Provider: schedule.Provider,
			StepName: cp.StepName,
		}
		body, err := models.EncodeMessage(msg)
		if err != nil {
			return nil, err
		}
		if err := e.bus.Publish(ctx, models.ExtractionQueue(tenant.Tier), body); err != nil {
			return nil, fmt.Errorf("republish continuation: %w", err)
		}

		key := runKey(cp.TenantID, cp.JobID)
		if !resumed[key] {
			resumed[key] = true
			e.mu.Lock()
			if _, ok := e.runs[key]; !ok {
				e.runs[key] = &run{
					jobName:   schedule.JobName,
					startedAt: time.Now(),
					done:      make(chan interfaces.RunResult, 1),
				}
			}
			e.mu.Unlock()
		}
		e.logger.Info().
			Int64("tenant_id", cp.TenantID).
			Str("job", schedule.JobName).
			Str("step", cp.StepName).
			Msg("Resumed checkpointed step")
	}
	return resumed, nil
}

// handleSignal consumes stage signals emitted by the handlers.
func (e *Engine) handleSignal(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(interfaces.StepSignalPayload)
	if !ok {
		return fmt.Errorf("unexpected step signal payload %T", event.Payload)
	}

	schedule, err := e.schedules.GetScheduleByID(ctx, event.TenantID, event.JobID)
	if err != nil {
		return err
	}

	switch payload.Signal {
	case interfaces.SignalTransformComplete:
		return e.onTransformComplete(ctx, schedule, payload.Step)
	case interfaces.SignalEmbeddingDrained:
		return e.onEmbeddingDrained(ctx, schedule, payload.Step)
	case interfaces.SignalStageFailed:
		return e.onStageFailed(ctx, schedule, payload)
	}
	return nil
}

func (e *Engine) onTransformComplete(ctx context.Context, schedule *models.JobSchedule, stepName string) error {
	_, err := e.schedules.UpdateStatus(ctx, schedule.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
		step, err := s.Status.Step(stepName)
		if err != nil {
			return err
		}
		if step.Transform == models.StageIdle {
			if err := step.SetStage(models.StageTransform, models.StageRunning); err != nil {
				return err
			}
		}
		return step.SetStage(models.StageTransform, models.StageFinished)
	})
	if err != nil {
		return err
	}
	return e.maybeFinishEmbedding(ctx, schedule, stepName)
}

func (e *Engine) onEmbeddingDrained(ctx context.Context, schedule *models.JobSchedule, stepName string) error {
	return e.maybeFinishEmbedding(ctx, schedule, stepName)
}

// maybeFinishEmbedding closes out a step's embedding stage once transform
// is finished and no vectorization items remain, then advances the run.
// Both the transform-complete and embedding-drained paths funnel here, so
// whichever signal arrives last completes the step.
func (e *Engine) maybeFinishEmbedding(ctx context.Context, schedule *models.JobSchedule, stepName string) error {
	outstanding, err := e.vectors.CountOutstanding(ctx, schedule.TenantID, schedule.ID, stepName)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	// Only the caller whose closure performs the running->finished
	// transition advances the run. Concurrent drained/complete signals all
	// funnel here; the row lock serializes the closures, so exactly one
	// observes the transition and the rest see an already-finished stage.
	advanced := false
	var doc *models.JobStatus
	doc, err = e.schedules.UpdateStatus(ctx, schedule.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
		advanced = false
		step, err := s.Status.Step(stepName)
		if err != nil {
			return err
		}
		if step.Transform != models.StageFinished {
			return nil
		}
		if step.Embedding == models.StageIdle {
			if err := step.SetStage(models.StageEmbedding, models.StageRunning); err != nil {
				return err
			}
		}
		if step.Embedding == models.StageRunning {
			if err := step.SetStage(models.StageEmbedding, models.StageFinished); err != nil {
				return err
			}
			advanced = step.Finished()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	if err := e.checkpoints.DeleteCheckpoint(ctx, schedule.TenantID, schedule.ID, stepName); err != nil {
		e.logger.Warn().Err(err).Str("step", stepName).Msg("Failed to clear checkpoint")
	}

	next := doc.NextStep(stepName)
	if next != "" {
		e.logger.Info().
			Int64("tenant_id", schedule.TenantID).
			Str("job", schedule.JobName).
			Str("step", next).
			Msg("Advancing to next step")
		return e.seedStep(ctx, schedule, next)
	}

	if doc.AllFinished() {
		_, err = e.schedules.UpdateStatus(ctx, schedule.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
			if s.Overall() == models.OverallRunning {
				s.Status.Overall = models.OverallFinished
			}
			t := time.Now()
			s.LastSuccessAt = &t
			return nil
		})
		if err != nil {
			return err
		}
		e.finishRun(ctx, schedule.TenantID, schedule.ID, models.OverallFinished, nil)
	}
	return nil
}

func (e *Engine) onStageFailed(ctx context.Context, schedule *models.JobSchedule, payload interfaces.StepSignalPayload) error {
	overall := models.OverallFailed
	if payload.Kind == models.KindCancelled {
		overall = models.OverallCancelled
	}

	_, err := e.schedules.UpdateStatus(ctx, schedule.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
		if payload.Step != "" && payload.Stage != "" {
			if step, stepErr := s.Status.Step(payload.Step); stepErr == nil {
				if step.Stage(payload.Stage) != models.StageFailed {
					_ = step.SetStage(payload.Stage, models.StageFailed)
				}
			}
		}
		if s.Overall() == models.OverallRunning {
			s.Status.Overall = overall
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = e.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventException,
		TenantID: schedule.TenantID,
		JobID:    schedule.ID,
		Payload: interfaces.ExceptionPayload{
			Level:   "error",
			Step:    payload.Step,
			Stage:   string(payload.Stage),
			Message: fmt.Sprintf("%s stage failed (%s)", payload.Stage, payload.Kind),
			Details: payload.Reason,
		},
	})

	e.finishRun(ctx, schedule.TenantID, schedule.ID, overall, nil)
	return nil
}

// finishRun settles the run's done channel exactly once and broadcasts the
// run-finished and completion events.
func (e *Engine) finishRun(ctx context.Context, tenantID, jobID int64, overall models.OverallState, cause error) {
	key := runKey(tenantID, jobID)

	e.mu.Lock()
	r := e.runs[key]
	delete(e.runs, key)
	e.mu.Unlock()

	duration := 0.0
	if r != nil {
		duration = time.Since(r.startedAt).Seconds()
		r.once.Do(func() {
			r.done <- interfaces.RunResult{Overall: overall, Err: cause}
			close(r.done)
		})
	}

	rawCount, _ := e.raw.CountRaw(ctx, tenantID)
	domainCount, _ := e.domain.CountAll(ctx, tenantID)
	bridgeCount, _ := e.vectors.CountBridges(ctx, tenantID)

	_ = e.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventCompletion,
		TenantID: tenantID,
		JobID:    jobID,
		Payload: interfaces.CompletionPayload{
			Overall:     overall,
			RawRecords:  rawCount,
			DomainRows:  domainCount,
			BridgeRows:  bridgeCount,
			DurationSec: duration,
		},
	})
	_ = e.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventRunFinished,
		TenantID: tenantID,
		JobID:    jobID,
		Payload:  interfaces.RunFinishedPayload{Overall: overall},
	})

	e.logger.Info().
		Int64("tenant_id", tenantID).
		Int64("job_id", jobID).
		Str("overall", string(overall)).
		Msg("Run finished")
}
