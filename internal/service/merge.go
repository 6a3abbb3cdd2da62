package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"casepilot/internal/domain"
	"casepilot/internal/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CaseStore is the persistence surface the aggregator needs. Implemented by
// repository.CaseRepository; faked in tests.
type CaseStore interface {
	Create(ctx context.Context, tc *domain.TestCase) error
	GetByKey(ctx context.Context, project, module, name string) (*domain.TestCase, error)
	UpdateFields(ctx context.Context, caseID string, updates map[string]interface{}, changes domain.ChangeSet) error
}

// MergeStats summarizes one merge batch.
type MergeStats struct {
	Created   int
	Updated   int
	Unchanged int
	Conflicts int
}

// Merger folds draft cases into the durable case set. Work on one match key
// (project, module, name) is serialized by a keyed mutex so concurrent
// workers of the same task cannot interleave the read-modify-write sequence.
type Merger struct {
	store CaseStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMerger creates a new merger backed by store.
func NewMerger(store CaseStore) *Merger {
	return &Merger{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Merge applies one unit's drafts to the durable case set.
// Behavior per draft:
//   - no existing case for the key: insert with status draft;
//   - identical level and content: no-op, no history entry;
//   - differing level or content: selective update plus exactly one history
//     entry naming only the fields that changed.
//
// Two drafts with the same key but materially different content inside the
// same batch conflict: the first wins and later ones are reported as
// non-fatal merge_conflict task errors. A store failure aborts the batch
// and is returned so the caller can fail the unit.
func (m *Merger) Merge(ctx context.Context, task *domain.Task, unit *domain.DocumentUnit, drafts []domain.DraftCase) (MergeStats, []domain.TaskError, error) {
	var stats MergeStats
	var taskErrs []domain.TaskError

	seen := make(map[string]domain.DraftCase, len(drafts))
	for _, draft := range drafts {
		key := matchKey(task.Project, draft.Module, draft.Name)

		if first, dup := seen[key]; dup {
			if draftEqual(first, draft) {
				// Exact duplicate inside the batch, nothing to add.
				continue
			}
			stats.Conflicts++
			taskErrs = append(taskErrs, domain.TaskError{
				UnitIndex: unit.Index,
				UnitName:  unit.Name,
				Stage:     "merge",
				Kind:      domain.ErrKindMergeConflict,
				Message:   fmt.Sprintf("duplicate case %q in module %q with different content, first occurrence kept", draft.Name, draft.Module),
			})
			continue
		}
		seen[key] = draft

		created, updated, err := m.apply(ctx, task, draft)
		if err != nil {
			return stats, taskErrs, fmt.Errorf("merge case %q: %w", draft.Name, err)
		}
		switch {
		case created:
			stats.Created++
		case updated:
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}

	logger.CtxDebug(ctx, "Merged unit drafts: unit=%d, created=%d, updated=%d, unchanged=%d, conflicts=%d",
		unit.Index, stats.Created, stats.Updated, stats.Unchanged, stats.Conflicts)
	return stats, taskErrs, nil
}

func (m *Merger) apply(ctx context.Context, task *domain.Task, draft domain.DraftCase) (created, updated bool, err error) {
	lock := m.keyLock(matchKey(task.Project, draft.Module, draft.Name))
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.GetByKey(ctx, task.Project, draft.Module, draft.Name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tc := &domain.TestCase{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			Project:   task.Project,
			Module:    draft.Module,
			Name:      draft.Name,
			Level:     draft.Level,
			Status:    domain.CaseStatusDraft,
			Content:   draft.Content,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := m.store.Create(ctx, tc); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	updates := map[string]interface{}{}
	changes := domain.ChangeSet{}
	if existing.Level != draft.Level {
		updates["level"] = draft.Level
		changes["level"] = domain.FieldChange{From: existing.Level, To: draft.Level}
	}
	if !existing.Content.Equal(draft.Content) {
		updates["content"] = draft.Content
		changes["content"] = domain.FieldChange{From: existing.Content, To: draft.Content}
	}
	if len(changes) == 0 {
		return false, false, nil
	}

	// The case now belongs to this task; task_id is not a tracked field.
	updates["task_id"] = task.ID
	if err := m.store.UpdateFields(ctx, existing.ID, updates, changes); err != nil {
		return false, false, err
	}
	return false, true, nil
}

func (m *Merger) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func matchKey(project, module, name string) string {
	return project + "\x00" + module + "\x00" + name
}

func draftEqual(a, b domain.DraftCase) bool {
	return a.Level == b.Level && a.Content.Equal(b.Content)
}
