package repository

import (
	"context"
	"fmt"
	"time"

	"casepilot/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CaseRepository handles test-case data operations. All field mutations go
// through UpdateFields so the history-append discipline cannot be bypassed.
type CaseRepository struct {
	db *gorm.DB
}

// NewCaseRepository creates a new CaseRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *CaseRepository: repository instance bound to db.
func NewCaseRepository(db *gorm.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// Create inserts a new test case record.
func (r *CaseRepository) Create(ctx context.Context, tc *domain.TestCase) error {
	return r.db.WithContext(ctx).Create(tc).Error
}

// GetByID retrieves a test case by its ID.
func (r *CaseRepository) GetByID(ctx context.Context, id string) (*domain.TestCase, error) {
	var tc domain.TestCase
	if err := r.db.WithContext(ctx).First(&tc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tc, nil
}

// GetByKey retrieves a test case by its match key (project, module, name).
// The lookup is exact and case-sensitive.
func (r *CaseRepository) GetByKey(ctx context.Context, project, module, name string) (*domain.TestCase, error) {
	var tc domain.TestCase
	if err := r.db.WithContext(ctx).
		First(&tc, "project = ? AND module = ? AND name = ?", project, module, name).Error; err != nil {
		return nil, err
	}
	return &tc, nil
}

// ListByTask retrieves the cases produced or last touched by a task, in
// creation order.
func (r *CaseRepository) ListByTask(ctx context.Context, taskID string) ([]domain.TestCase, error) {
	var cases []domain.TestCase
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC, id ASC").
		Find(&cases).Error; err != nil {
		return nil, err
	}
	return cases, nil
}

// List retrieves test cases with optional filters.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - project: project name to filter by; empty means all.
//   - module: module name to filter by; empty means all.
//   - level: case level to filter by; empty means all.
//
// Returns:
//   - []domain.TestCase: matching case records in creation order.
//   - error: non-nil if the query fails.
func (r *CaseRepository) List(ctx context.Context, project, module, level string) ([]domain.TestCase, error) {
	query := r.db.WithContext(ctx)
	if project != "" {
		query = query.Where("project = ?", project)
	}
	if module != "" {
		query = query.Where("module = ?", module)
	}
	if level != "" {
		query = query.Where("level = ?", level)
	}
	var cases []domain.TestCase
	if err := query.Order("created_at ASC, id ASC").Find(&cases).Error; err != nil {
		return nil, err
	}
	return cases, nil
}

// UpdateFields applies a selective field update to a case and appends
// exactly one history entry describing the changed fields, in the same
// transaction. An empty update is a no-op and produces no history. Every
// tracked change must have a matching update; updates may additionally
// carry untracked columns such as task_id.
func (r *CaseRepository) UpdateFields(ctx context.Context, caseID string, updates map[string]interface{}, changes domain.ChangeSet) error {
	if len(updates) == 0 {
		return nil
	}
	if len(changes) == 0 {
		return fmt.Errorf("update of case %s carries no tracked changes", caseID)
	}
	for field := range changes {
		if _, ok := updates[field]; !ok {
			return fmt.Errorf("change for %q has no matching update", field)
		}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.TestCase{}).Where("id = ?", caseID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		history := &domain.TestCaseHistory{
			ID:        uuid.New().String(),
			CaseID:    caseID,
			Changes:   changes,
			CreatedAt: time.Now(),
		}
		return tx.Create(history).Error
	})
}

// ListHistories retrieves a case's history entries, most recent first.
func (r *CaseRepository) ListHistories(ctx context.Context, caseID string) ([]domain.TestCaseHistory, error) {
	var histories []domain.TestCaseHistory
	if err := r.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("created_at DESC, id DESC").
		Find(&histories).Error; err != nil {
		return nil, err
	}
	return histories, nil
}

// Delete removes a test case and its history entries.
func (r *CaseRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&domain.TestCaseHistory{}, "case_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.TestCase{}, "id = ?", id).Error
	})
}

// DeleteByTask removes every case (and history) belonging to a task.
// Used by the orchestrator's cascading task deletion.
func (r *CaseRepository) DeleteByTask(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.TestCase{}).
			Where("task_id = ?", taskID).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Delete(&domain.TestCaseHistory{}, "case_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.TestCase{}, "id IN ?", ids).Error
	})
}

// Count returns the total number of test cases.
func (r *CaseRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.TestCase{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountByLevel returns case counts grouped by level.
func (r *CaseRepository) CountByLevel(ctx context.Context) (map[string]int64, error) {
	return r.countGrouped(ctx, "level")
}

// CountByStatus returns case counts grouped by status.
func (r *CaseRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return r.countGrouped(ctx, "status")
}

func (r *CaseRepository) countGrouped(ctx context.Context, column string) (map[string]int64, error) {
	type row struct {
		Key string
		N   int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&domain.TestCase{}).
		Select(column + " as key, count(*) as n").
		Group(column).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[rw.Key] = rw.N
	}
	return out, nil
}
