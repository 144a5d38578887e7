// Package pool supervises the queue consumer groups: one group per
// (tier, extraction) and per (tenant, transform|embedding) pairing. Groups
// restart crashed workers with exponential backoff once crashes cluster.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Processor is one stage handler. The returned error drives the ack policy.
type Processor interface {
	Process(ctx context.Context, delivery *interfaces.Delivery) error
}

type group struct {
	key     string
	stage   models.Stage
	queue   string
	proc    Processor
	count   int
	stops   []interfaces.StopFunc
	running bool

	mu        sync.Mutex
	heartbeat time.Time
	crashes   []time.Time
	backoff   time.Duration
}

// Pool implements interfaces.WorkerPool.
type Pool struct {
	config     *common.Config
	bus        interfaces.MessageBus
	tenants    interfaces.TenantStorage
	extraction Processor
	transform  Processor
	embedding  Processor
	logger     arbor.ILogger

	mu     sync.Mutex
	groups map[string]*group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool wires the worker pool.
func NewPool(
	config *common.Config,
	bus interfaces.MessageBus,
	tenants interfaces.TenantStorage,
	extraction Processor,
	transform Processor,
	embedding Processor,
	logger arbor.ILogger,
) *Pool {
	return &Pool{
		config:     config,
		bus:        bus,
		tenants:    tenants,
		extraction: extraction,
		transform:  transform,
		embedding:  embedding,
		logger:     logger,
		groups:     make(map[string]*group),
	}
}

// StartAll declares every queue and starts the tier extraction groups plus
// the per-tenant groups for all active tenants.
func (p *Pool) StartAll(ctx context.Context) error {
	p.mu.Lock()
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	p.mu.Unlock()

	for _, tier := range models.AllTiers {
		key := fmt.Sprintf("%s/extraction", tier)
		g := &group{
			key:   string(tier),
			stage: models.StageExtraction,
			queue: models.ExtractionQueue(tier),
			proc:  p.extraction,
			count: p.config.WorkerCount(key),
		}
		if err := p.startGroup(ctx, key, g); err != nil {
			return err
		}
	}

	tenants, err := p.tenants.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}
	for _, tenant := range tenants {
		if err := p.StartTenantWorkers(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

// StartTenantWorkers starts the tenant's transform and embedding groups.
// Idempotent: already-running groups are left alone.
func (p *Pool) StartTenantWorkers(ctx context.Context, tenant *models.Tenant) error {
	transformKey := fmt.Sprintf("tenant:%d/transform", tenant.ID)
	if err := p.startGroup(ctx, transformKey, &group{
		key:   fmt.Sprintf("tenant:%d", tenant.ID),
		stage: models.StageTransform,
		queue: models.TransformQueue(tenant.ID),
		proc:  p.transform,
		count: p.config.WorkerCount(transformKey),
	}); err != nil {
		return err
	}

	embeddingKey := fmt.Sprintf("tenant:%d/embedding", tenant.ID)
	return p.startGroup(ctx, embeddingKey, &group{
		key:   fmt.Sprintf("tenant:%d", tenant.ID),
		stage: models.StageEmbedding,
		queue: models.VectorizationQueue(tenant.ID),
		proc:  p.embedding,
		count: p.config.WorkerCount(embeddingKey),
	})
}

func (p *Pool) startGroup(ctx context.Context, id string, g *group) error {
	p.mu.Lock()
	if existing, ok := p.groups[id]; ok && existing.running {
		p.mu.Unlock()
		return nil
	}
	p.groups[id] = g
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	subCtx := p.ctx
	p.mu.Unlock()

	if err := p.bus.DeclareQueue(ctx, g.queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", g.queue, err)
	}

	handler := p.wrap(id, g)
	for i := 0; i < g.count; i++ {
		stop, err := p.bus.Subscribe(subCtx, g.queue, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s worker: %w", id, err)
		}
		g.stops = append(g.stops, stop)
	}
	g.running = true
	g.heartbeat = time.Now()

	p.logger.Info().
		Str("group", id).
		Str("queue", g.queue).
		Int("workers", g.count).
		Msg("Worker group started")
	return nil
}

// wrap applies the ack policy and crash accounting around a processor.
// Ack policy: nil acks, retryable nacks for requeue, poison dead-letters,
// anything fatal that leaks out is acked (the handler already signalled the
// failure).
func (p *Pool) wrap(id string, g *group) interfaces.DeliveryHandler {
	return func(ctx context.Context, delivery *interfaces.Delivery) {
		g.mu.Lock()
		g.heartbeat = time.Now()
		g.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("group", id).
					Str("queue", g.queue).
					Msg(fmt.Sprintf("Worker panic recovered: %v", r))
				_ = delivery.Nack(true)
				p.recordCrash(id, g)
			}
		}()

		err := g.proc.Process(ctx, delivery)
		switch {
		case err == nil:
			_ = delivery.Ack()
		case models.IsRetryable(err):
			p.logger.Warn().
				Str("group", id).
				Int("attempt", delivery.Attempt).
				Err(err).
				Msg("Delivery requeued")
			_ = delivery.Nack(true)
		case models.Classify(err) == models.KindPoisonMessage:
			p.logger.Warn().
				Str("group", id).
				Err(err).
				Msg("Delivery dead-lettered")
			_ = delivery.Nack(false)
		default:
			_ = delivery.Ack()
		}
	}
}

// recordCrash tracks crash times; when they cluster inside the window the
// group is paused and restarted with doubling backoff.
func (p *Pool) recordCrash(id string, g *group) {
	window := time.Duration(p.config.Workers.CrashWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	threshold := p.config.Workers.CrashThreshold
	if threshold <= 0 {
		threshold = 3
	}

	g.mu.Lock()
	now := time.Now()
	g.crashes = append(g.crashes, now)
	recent := g.crashes[:0]
	for _, t := range g.crashes {
		if now.Sub(t) <= window {
			recent = append(recent, t)
		}
	}
	g.crashes = recent
	trip := len(g.crashes) >= threshold
	if trip {
		if g.backoff == 0 {
			g.backoff = time.Second
		} else {
			g.backoff *= 2
		}
		if g.backoff > time.Minute {
			g.backoff = time.Minute
		}
	}
	backoff := g.backoff
	g.mu.Unlock()

	if !trip {
		return
	}

	p.logger.Error().
		Str("group", id).
		Str("backoff", backoff.String()).
		Msg("Worker group crashing repeatedly, backing off")

	p.stopGroup(g)
	time.AfterFunc(backoff, func() {
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		g.mu.Lock()
		g.crashes = nil
		g.mu.Unlock()
		if err := p.startGroup(ctx, id, g); err != nil {
			p.logger.Error().Str("group", id).Err(err).Msg("Worker group restart failed")
		}
	})
}

func (p *Pool) stopGroup(g *group) {
	for _, stop := range g.stops {
		_ = stop()
	}
	g.stops = nil
	g.running = false
}

// StopTenantWorkers stops the tenant's transform and embedding groups.
func (p *Pool) StopTenantWorkers(tenantID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range []string{
		fmt.Sprintf("tenant:%d/transform", tenantID),
		fmt.Sprintf("tenant:%d/embedding", tenantID),
	} {
		if g, ok := p.groups[id]; ok {
			p.stopGroup(g)
			delete(p.groups, id)
		}
	}
	return nil
}

// StopAll stops every group; in-flight handlers finish their current
// delivery before their subscription closes.
func (p *Pool) StopAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.ctx, p.cancel = nil, nil
	}
	for id, g := range p.groups {
		p.stopGroup(g)
		delete(p.groups, id)
	}
	return nil
}

// Status reports every group's health.
func (p *Pool) Status() []interfaces.WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interfaces.WorkerStatus, 0, len(p.groups))
	for _, g := range p.groups {
		g.mu.Lock()
		out = append(out, interfaces.WorkerStatus{
			Key:           g.key,
			Stage:         g.stage,
			Running:       g.running,
			ActiveWorkers: len(g.stops),
			LastHeartbeat: g.heartbeat,
		})
		g.mu.Unlock()
	}
	return out
}
