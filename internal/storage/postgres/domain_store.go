package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DomainStore implements interfaces.DomainStorage. Rows upsert on the
// (tenant_id, external_id) unique index of each normalized table.
type DomainStore struct {
	db         *DB
	prototypes map[string]reflect.Type
}

// NewDomainStore creates a domain store covering every registered table.
func NewDomainStore(db *DB) *DomainStore {
	prototypes := make(map[string]reflect.Type, len(models.DomainTables))
	for _, proto := range models.DomainTables {
		prototypes[proto.TableName()] = reflect.TypeOf(proto).Elem()
	}
	return &DomainStore{db: db, prototypes: prototypes}
}

func (s *DomainStore) newRecord(tableName string) (models.DomainRecord, error) {
	t, ok := s.prototypes[tableName]
	if !ok {
		return nil, fmt.Errorf("unknown domain table %q", tableName)
	}
	return reflect.New(t).Interface().(models.DomainRecord), nil
}

func (s *DomainStore) Upsert(ctx context.Context, record models.DomainRecord) (bool, error) {
	if record.GetTenantID() == 0 {
		return false, interfaces.ErrTenantRequired
	}

	created := false
	err := withTransientRetry(ctx, s.db.logger, func() error {
		return s.db.RW.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			err := tx.Table(record.TableName()).
				Where("tenant_id = ? AND external_id = ?", record.GetTenantID(), record.GetExternalID()).
				Count(&count).Error
			if err != nil {
				return err
			}
			created = count == 0

			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
				UpdateAll: true,
			}).Create(record).Error
			if err != nil {
				return fmt.Errorf("upsert %s: %w", record.TableName(), err)
			}
			return nil
		})
	})
	return created, err
}

func (s *DomainStore) Get(ctx context.Context, tenantID int64, tableName, externalID string) (models.DomainRecord, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	record, err := s.newRecord(tableName)
	if err != nil {
		return nil, err
	}
	err = s.db.RO.WithContext(ctx).Table(tableName).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		First(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s row: %w", tableName, err)
	}
	return record, nil
}

func (s *DomainStore) Count(ctx context.Context, tenantID int64, tableName string) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	if _, ok := s.prototypes[tableName]; !ok {
		return 0, fmt.Errorf("unknown domain table %q", tableName)
	}
	var count int64
	err := s.db.RO.WithContext(ctx).Table(tableName).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count %s rows: %w", tableName, err)
	}
	return count, nil
}

func (s *DomainStore) CountAll(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	var total int64
	for tableName := range s.prototypes {
		count, err := s.Count(ctx, tenantID, tableName)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}
