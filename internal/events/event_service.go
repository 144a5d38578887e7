package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// Service implements EventService with a pub/sub pattern. Async publishes
// fan out on goroutines; PublishSync waits for every handler. The latest
// progress event per (tenant, job) is retained so a subscriber attaching
// mid-run gets an immediate snapshot.
type Service struct {
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	progress    map[string]interfaces.Event
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service.
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		progress:    make(map[string]interfaces.Event),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// Publish sends an event to all subscribers asynchronously.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers := s.prepare(&event)

	for _, handler := range handlers {
		go func(h interfaces.EventHandler) {
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		}(handler)
	}

	return nil
}

// PublishSync sends an event to all subscribers and waits for completion.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers := s.prepare(&event)
	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
				errChan <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errChan)

	failed := 0
	for range errChan {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}
	return nil
}

// LatestProgress returns the retained progress snapshot for a job, or nil.
func (s *Service) LatestProgress(tenantID, jobID int64) *interfaces.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.progress[progressKey(tenantID, jobID)]
	if !ok {
		return nil
	}
	return &event
}

// Close shuts down the event service.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.progress = make(map[string]interfaces.Event)
	s.logger.Info().Msg("Event service closed")

	return nil
}

// prepare stamps the event, retains progress snapshots, and returns the
// handler list under the read lock.
func (s *Service) prepare(event *interfaces.Event) []interfaces.EventHandler {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	if event.Type == interfaces.EventProgress {
		s.progress[progressKey(event.TenantID, event.JobID)] = *event
	}
	handlers := s.subscribers[event.Type]
	s.mu.Unlock()

	return handlers
}

func progressKey(tenantID, jobID int64) string {
	return fmt.Sprintf("%d/%d", tenantID, jobID)
}
