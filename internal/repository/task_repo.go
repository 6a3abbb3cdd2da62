package repository

import (
	"context"

	"casepilot/internal/domain"
	"gorm.io/gorm"
)

// TaskRepository handles task data operations.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *TaskRepository: repository instance bound to db.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new task record.
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateProgress writes the task's counters, error list, and status as a
// single UPDATE so concurrent readers always observe a consistent snapshot.
// A task that already reached a terminal state is never overwritten; a
// progress write racing a cancellation loses.
func (r *TaskRepository) UpdateProgress(ctx context.Context, task *domain.Task) error {
	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", task.ID,
			[]domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled}).
		Updates(map[string]interface{}{
			"status":    task.Status,
			"total":     task.Total,
			"completed": task.Completed,
			"failed":    task.Failed,
			"errors":    task.Errors,
		}).Error
}

// UpdateStatus updates only the task status. Terminal states are final and
// cannot be replaced.
func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", id,
			[]domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled}).
		Update("status", status).Error
}

// Delete removes a task by ID. Associated cases are removed separately by
// the orchestrator's cascade.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Task{}, "id = ?", id).Error
}

// Count returns the total number of tasks.
func (r *TaskRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Task{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountByStatus returns task counts grouped by status.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&domain.Task{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}
