// Package scheduler owns one timer per active schedule plus the cron
// maintenance sweeps. Timers fire in the tenant's time zone; a fire that
// finds the job already running is skipped, never queued behind it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// resumer is the startup contract with the orchestrator: Resumed reports
// which (tenant, job) pairs continued from checkpoints and therefore must
// not be reset.
type resumer interface {
	Resumed(ctx context.Context) (map[string]bool, error)
}

// Service implements interfaces.SchedulerService.
type Service struct {
	config    *common.Config
	tenants   interfaces.TenantStorage
	schedules interfaces.ScheduleStorage
	raw       interfaces.RawStorage
	orch      interfaces.Orchestrator
	events    interfaces.EventService
	bus       interfaces.MessageBus
	logger    arbor.ILogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewService wires the scheduler.
func NewService(
	config *common.Config,
	tenants interfaces.TenantStorage,
	schedules interfaces.ScheduleStorage,
	raw interfaces.RawStorage,
	orch interfaces.Orchestrator,
	events interfaces.EventService,
	bus interfaces.MessageBus,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:    config,
		tenants:   tenants,
		schedules: schedules,
		raw:       raw,
		orch:      orch,
		events:    events,
		bus:       bus,
		logger:    logger,
	}
}

// Start recovers interrupted runs, launches one timer goroutine per active
// schedule, and registers the maintenance sweeps.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	resumed := map[string]bool{}
	if r, ok := s.orch.(resumer); ok {
		var err error
		resumed, err = r.Resumed(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("resume checkpoints: %w", err)
		}
	} else if err := s.orch.ResumeCheckpoints(ctx); err != nil {
		cancel()
		return fmt.Errorf("resume checkpoints: %w", err)
	}

	schedules, err := s.schedules.ListActiveSchedules(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("list active schedules: %w", err)
	}

	for _, schedule := range schedules {
		if schedule.Overall() == models.OverallRunning && !resumed[fmt.Sprintf("%d/%d", schedule.TenantID, schedule.ID)] {
			if err := s.resetStuck(ctx, schedule); err != nil {
				s.logger.Warn().Err(err).Str("job", schedule.JobName).Msg("Startup reset failed")
			}
		}
		s.wg.Add(1)
		go s.scheduleLoop(runCtx, schedule.TenantID, schedule.JobName)
	}

	s.cron = cron.New()
	if expr := s.config.Scheduler.StaleSweepSchedule; expr != "" {
		if _, err := s.cron.AddFunc(expr, func() { s.staleSweep(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("register stale sweep: %w", err)
		}
	}
	if expr := s.config.Scheduler.RequeueSweepSchedule; expr != "" {
		if _, err := s.cron.AddFunc(expr, func() { s.requeueSweep(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("register requeue sweep: %w", err)
		}
	}
	s.cron.Start()

	s.running = true
	s.logger.Info().Int("schedules", len(schedules)).Msg("Scheduler started")
	return nil
}

// resetStuck recovers a schedule left running by an unclean shutdown with
// no checkpoint to resume from.
func (s *Service) resetStuck(ctx context.Context, schedule *models.JobSchedule) error {
	target := models.OverallIdle
	if s.config.Scheduler.StartupReset == "failed" {
		target = models.OverallFailed
	}
	_, err := s.schedules.UpdateStatus(ctx, schedule.TenantID, schedule.JobName, func(sch *models.JobSchedule) error {
		if sch.Overall() == models.OverallRunning {
			sch.Status.Overall = target
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = s.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventException,
		TenantID: schedule.TenantID,
		JobID:    schedule.ID,
		Payload: interfaces.ExceptionPayload{
			Level:   "warning",
			Message: fmt.Sprintf("run interrupted by restart, status reset to %s", target),
		},
	})
	s.logger.Warn().
		Int64("tenant_id", schedule.TenantID).
		Str("job", schedule.JobName).
		Str("reset_to", string(target)).
		Msg("Recovered interrupted run")
	return nil
}

// scheduleLoop sleeps until the schedule's next_run and fires it. next_run
// always advances from the run's start time, so a slow run delays the next
// fire rather than stacking behind it.
func (s *Service) scheduleLoop(ctx context.Context, tenantID int64, jobName string) {
	defer s.wg.Done()
	for {
		schedule, err := s.schedules.GetSchedule(ctx, tenantID, jobName)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
				continue
			}
		}
		if !schedule.Active {
			return
		}

		loc := s.tenantLocation(ctx, tenantID)
		now := time.Now().In(loc)

		next := now
		if schedule.NextRun != nil {
			next = schedule.NextRun.In(loc)
		} else {
			if err := s.schedules.SetNextRun(ctx, tenantID, jobName, next); err != nil {
				s.logger.Warn().Err(err).Str("job", jobName).Msg("Failed to persist next run")
			}
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		s.fire(ctx, tenantID, jobName, schedule.Interval(), loc)
	}
}

// fire starts one run and advances next_run from the start time.
func (s *Service) fire(ctx context.Context, tenantID int64, jobName string, interval time.Duration, loc *time.Location) {
	startedAt := time.Now().In(loc)
	_, err := s.orch.StartRun(ctx, tenantID, jobName)
	switch {
	case errors.Is(err, interfaces.ErrAlreadyRunning):
		// Skipped, not queued: the next window opens one interval from now.
		s.logger.Info().
			Int64("tenant_id", tenantID).
			Str("job", jobName).
			Msg("Scheduled fire skipped, job still running")
	case err != nil:
		s.logger.Error().
			Int64("tenant_id", tenantID).
			Str("job", jobName).
			Err(err).
			Msg("Scheduled run failed to start")
	}

	if interval <= 0 {
		interval = time.Hour
	}
	if err := s.schedules.SetNextRun(ctx, tenantID, jobName, startedAt.Add(interval)); err != nil {
		s.logger.Warn().Err(err).Str("job", jobName).Msg("Failed to advance next run")
	}
}

func (s *Service) tenantLocation(ctx context.Context, tenantID int64) *time.Location {
	zone := s.config.Scheduler.TenantTimeZone
	if tenant, err := s.tenants.GetTenant(ctx, tenantID); err == nil && tenant.TimeZone != "" {
		zone = tenant.TimeZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RunNow forces a run outside the timer, respecting single-flight.
func (s *Service) RunNow(ctx context.Context, tenantID int64, jobName string) error {
	_, err := s.orch.StartRun(ctx, tenantID, jobName)
	return err
}

// staleSweep fails runs that have been running far past their interval
// with no live progress, so a lost completion signal cannot wedge a
// schedule forever.
func (s *Service) staleSweep(ctx context.Context) {
	schedules, err := s.schedules.ListActiveSchedules(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale sweep failed to list schedules")
		return
	}
	for _, schedule := range schedules {
		if schedule.Overall() != models.OverallRunning || schedule.LastRunStartedAt == nil {
			continue
		}
		limit := 2 * schedule.Interval()
		if limit < time.Hour {
			limit = time.Hour
		}
		if time.Since(*schedule.LastRunStartedAt) < limit {
			continue
		}

		_, err := s.schedules.UpdateStatus(ctx, schedule.TenantID, schedule.JobName, func(sch *models.JobSchedule) error {
			if sch.Overall() == models.OverallRunning {
				sch.Status.Overall = models.OverallFailed
			}
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("job", schedule.JobName).Msg("Stale sweep reset failed")
			continue
		}
		_ = s.events.Publish(ctx, interfaces.Event{
			Type:     interfaces.EventException,
			TenantID: schedule.TenantID,
			JobID:    schedule.ID,
			Payload: interfaces.ExceptionPayload{
				Level:   "error",
				Message: "run marked failed by stale-run detector",
			},
		})
		_ = s.events.Publish(ctx, interfaces.Event{
			Type:     interfaces.EventRunFinished,
			TenantID: schedule.TenantID,
			JobID:    schedule.ID,
			Payload:  interfaces.RunFinishedPayload{Overall: models.OverallFailed},
		})
		s.logger.Warn().
			Int64("tenant_id", schedule.TenantID).
			Str("job", schedule.JobName).
			Msg("Stale run marked failed")
	}
}

// requeueSweep republishes transform messages for raw records stuck in
// pending, covering messages lost between persist and publish.
func (s *Service) requeueSweep(ctx context.Context) {
	tenants, err := s.tenants.ListActiveTenants(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Requeue sweep failed to list tenants")
		return
	}
	for _, tenant := range tenants {
		records, err := s.raw.ListPendingRaw(ctx, tenant.ID, 500)
		if err != nil {
			s.logger.Warn().Err(err).Int64("tenant_id", tenant.ID).Msg("Requeue sweep failed to list raw records")
			continue
		}
		for _, record := range records {
			// Only records from runs still in flight are requeued.
			schedule, err := s.schedules.GetScheduleByID(ctx, record.TenantID, record.JobID)
			if err != nil || schedule.Overall() != models.OverallRunning {
				continue
			}
			if time.Since(record.CreatedAt) < 5*time.Minute {
				continue
			}
			msg := models.TransformMessage{
				Envelope: models.Envelope{
					TenantID:      record.TenantID,
					JobID:         record.JobID,
					IntegrationID: record.IntegrationID,
					Type:          models.TypeTransform,
					FirstItem:     record.FirstItem,
					LastItem:      record.LastItem,
				},
				Provider: schedule.Provider,
				StepName: record.StepName,
				RawID:    record.ID,
			}
			body, err := models.EncodeMessage(msg)
			if err != nil {
				continue
			}
			if err := s.bus.Publish(ctx, models.TransformQueue(record.TenantID), body); err != nil {
				s.logger.Warn().Err(err).Int64("raw_id", record.ID).Msg("Requeue sweep publish failed")
				continue
			}
			s.logger.Info().
				Int64("tenant_id", record.TenantID).
				Int64("raw_id", record.ID).
				Msg("Requeued pending raw record")
		}
	}
}

// IsRunning reports whether the scheduler has been started.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts the timers and sweeps. Running jobs are not interrupted.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}
