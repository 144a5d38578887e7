package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// CheckpointStore is the in-memory interfaces.CheckpointStorage.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*models.JobCheckpoint
	nextID      int64
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]*models.JobCheckpoint),
		nextID:      1,
	}
}

func checkpointKey(tenantID, jobID int64, stepName string) string {
	return fmt.Sprintf("%d/%d/%s", tenantID, jobID, stepName)
}

func (s *CheckpointStore) PutCheckpoint(ctx context.Context, cp *models.JobCheckpoint) error {
	if cp.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(cp.TenantID, cp.JobID, cp.StepName)
	if existing, ok := s.checkpoints[key]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = s.nextID
		s.nextID++
	}
	cp.UpdatedAt = time.Now()
	copied := *cp
	s.checkpoints[key] = &copied
	return nil
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, tenantID, jobID int64, stepName string) (*models.JobCheckpoint, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey(tenantID, jobID, stepName)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, tenantID, jobID int64, stepName string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointKey(tenantID, jobID, stepName))
	return nil
}

func (s *CheckpointStore) ListCheckpoints(ctx context.Context) ([]*models.JobCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.JobCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		copied := *cp
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
