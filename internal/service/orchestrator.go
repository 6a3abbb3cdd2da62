package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"casepilot/internal/domain"
	"casepilot/internal/logger"
	"casepilot/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTaskNotFound is returned for lookups of unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the persistence surface the orchestrator needs. Implemented
// by repository.TaskRepository; faked in tests.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	UpdateProgress(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	Delete(ctx context.Context, id string) error
}

// CaseCleaner removes the cases a task produced when the task is deleted.
type CaseCleaner interface {
	DeleteByTask(ctx context.Context, taskID string) error
}

// DraftMerger folds one unit's drafts into the durable case set.
type DraftMerger interface {
	Merge(ctx context.Context, task *domain.Task, unit *domain.DocumentUnit, drafts []domain.DraftCase) (MergeStats, []domain.TaskError, error)
}

// SubmitInput carries one upload into the pipeline.
type SubmitInput struct {
	Project  string
	FileName string
	Module   string   // optional override for inferred module hints
	Modules  []string // optional default filter for later projections
	Data     []byte
}

// Orchestrator owns the task lifecycle: it validates uploads synchronously,
// then runs analysis in the background over a fixed-size worker pool and
// applies every per-unit outcome as one atomic progress transition.
type Orchestrator struct {
	tasks     TaskStore
	cases     CaseCleaner
	store     storage.ObjectStorage
	extractor *Extractor
	analyzer  Analyzer
	merger    DraftMerger
	workers   int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator.
// Parameters:
//   - tasks: task persistence.
//   - cases: case cleanup for task deletion.
//   - store: object storage for uploaded bundles.
//   - extractor: upload-to-unit extraction.
//   - analyzer: per-unit AI analysis.
//   - merger: draft aggregation.
//   - workers: worker-pool size, minimum 1.
//
// Returns:
//   - *Orchestrator: initialized orchestrator.
func NewOrchestrator(tasks TaskStore, cases CaseCleaner, store storage.ObjectStorage,
	extractor *Extractor, analyzer Analyzer, merger DraftMerger, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		tasks:     tasks,
		cases:     cases,
		store:     store,
		extractor: extractor,
		analyzer:  analyzer,
		merger:    merger,
		workers:   workers,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit validates and extracts the upload synchronously, so malformed input
// is rejected before any task exists, then creates the task and launches the
// background run.
func (o *Orchestrator) Submit(ctx context.Context, in *SubmitInput) (*domain.Task, error) {
	if strings.TrimSpace(in.Project) == "" {
		return nil, errors.New("project is required")
	}
	units, err := o.extractor.Extract(in.FileName, in.Data)
	if err != nil {
		return nil, err
	}
	if in.Module != "" {
		// A submit-time module override beats the path-derived hint.
		for i := range units {
			units[i].ModuleHint = in.Module
		}
	}

	task := &domain.Task{
		ID:           uuid.New().String(),
		Project:      in.Project,
		FileName:     in.FileName,
		ModuleFilter: in.Modules,
		Status:       domain.TaskStatusPending,
		Total:        len(units),
		Errors:       domain.TaskErrorList{},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	task.BundleKey = fmt.Sprintf("bundles/%s/%s", task.ID, path.Base(in.FileName))
	contentType := mime.TypeByExtension(path.Ext(in.FileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := o.store.Upload(ctx, task.BundleKey, bytes.NewReader(in.Data), int64(len(in.Data)), contentType); err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	if err := o.tasks.Create(ctx, task); err != nil {
		// Keep storage consistent with the task table.
		_ = o.store.Delete(ctx, task.BundleKey)
		return nil, fmt.Errorf("create task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = logger.SetTaskID(runCtx, task.ID)
	o.mu.Lock()
	o.cancels[task.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(task.ID)
		o.run(runCtx, task, units)
	}()

	logger.CtxInfo(ctx, "Task submitted: task=%s, project=%s, units=%d", task.ID, task.Project, task.Total)
	return task, nil
}

// unitResult carries one worker outcome back to the applier.
type unitResult struct {
	unit   *domain.DocumentUnit
	errs   []domain.TaskError
	failed bool
}

// run drives the worker pool and is the only writer of the task's progress
// while the task is live.
func (o *Orchestrator) run(ctx context.Context, task *domain.Task, units []domain.DocumentUnit) {
	// Progress writes outlive ctx, which dies on cancellation.
	persistCtx := logger.SetTaskID(context.Background(), task.ID)

	task.Status = domain.TaskStatusRunning
	if err := o.tasks.UpdateStatus(persistCtx, task.ID, domain.TaskStatusRunning); err != nil {
		logger.CtxError(persistCtx, "Failed to mark task running: task=%s, error=%v", task.ID, err)
	}

	jobs := make(chan *domain.DocumentUnit)
	results := make(chan unitResult)

	var workerWg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for unit := range jobs {
				results <- o.analyzeUnit(ctx, task, unit)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range units {
			select {
			case jobs <- &units[i]:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		workerWg.Wait()
		close(results)
	}()

	// Single applier: counters, error list, and the terminal check move
	// together as one transition, never observed half-done.
	for result := range results {
		if ctx.Err() != nil {
			// Cancelled: discard in-flight outcomes, persist nothing.
			continue
		}
		if result.failed {
			task.Failed++
		} else {
			task.Completed++
		}
		task.Errors = append(task.Errors, result.errs...)
		if task.Completed+task.Failed == task.Total {
			if task.Completed > 0 {
				task.Status = domain.TaskStatusCompleted
			} else {
				task.Status = domain.TaskStatusFailed
			}
		}
		snapshot := *task

		if err := o.tasks.UpdateProgress(persistCtx, &snapshot); err != nil {
			logger.CtxError(persistCtx, "Failed to persist task progress: task=%s, error=%v", task.ID, err)
		}
	}

	if ctx.Err() != nil {
		logger.CtxInfo(persistCtx, "Task cancelled: task=%s, completed=%d, failed=%d", task.ID, task.Completed, task.Failed)
		return
	}
	logger.CtxInfo(persistCtx, "Task finished: task=%s, status=%s, completed=%d, failed=%d, errors=%d",
		task.ID, task.Status, task.Completed, task.Failed, len(task.Errors))
}

// analyzeUnit performs one gateway call and merges the resulting drafts. It
// never retries by itself; retry policy lives inside the gateway.
func (o *Orchestrator) analyzeUnit(ctx context.Context, task *domain.Task, unit *domain.DocumentUnit) unitResult {
	result := unitResult{unit: unit}

	analysis, err := o.analyzer.Analyze(ctx, unit)
	if err != nil {
		result.failed = true
		result.errs = append(result.errs, classifyUnitError(unit, "analyze", err))
		return result
	}

	drafts := toDrafts(unit, analysis)
	stats, mergeErrs, err := o.merger.Merge(ctx, task, unit, drafts)
	if err != nil {
		result.failed = true
		result.errs = append(result.errs, domain.TaskError{
			UnitIndex: unit.Index,
			UnitName:  unit.Name,
			Stage:     "merge",
			Kind:      domain.ErrKindPersistence,
			Message:   err.Error(),
		})
		return result
	}
	logger.CtxDebug(ctx, "Unit analyzed: unit=%d, drafts=%d, created=%d, updated=%d",
		unit.Index, len(drafts), stats.Created, stats.Updated)
	result.errs = mergeErrs
	return result
}

// toDrafts translates a validated analysis result into draft cases. The AI's
// own module wins; the unit hint fills blanks; a missing level defaults to P2.
func toDrafts(unit *domain.DocumentUnit, analysis *AnalysisResult) []domain.DraftCase {
	drafts := make([]domain.DraftCase, 0, len(analysis.Cases))
	for _, c := range analysis.Cases {
		module := c.Module
		if module == "" {
			module = unit.ModuleHint
		}
		if module == "" {
			module = "未分类"
		}
		level := domain.CaseLevel(c.Level)
		if !level.Valid() {
			level = domain.CaseLevelP2
		}
		drafts = append(drafts, domain.DraftCase{
			Module: module,
			Name:   c.Name,
			Level:  level,
			Content: domain.CaseContent{
				Precondition: c.Precondition,
				Steps:        c.Steps,
				Expected:     c.Expected,
			},
		})
	}
	return drafts
}

func classifyUnitError(unit *domain.DocumentUnit, stage string, err error) domain.TaskError {
	kind := domain.ErrKindFatal
	var ae *AnalysisError
	if errors.As(err, &ae) {
		kind = ae.Kind
	}
	return domain.TaskError{
		UnitIndex: unit.Index,
		UnitName:  unit.Name,
		Stage:     stage,
		Kind:      kind,
		Message:   err.Error(),
	}
}

// Get returns the current task snapshot.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Task, error) {
	task, err := o.tasks.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Cancel stops a running task. Cancelling a task that is already terminal is
// a no-op; in-flight unit results are discarded and nothing is persisted
// after the cancellation takes effect.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	task, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	if err := o.tasks.UpdateStatus(ctx, id, domain.TaskStatusCancelled); err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}

	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	logger.CtxInfo(ctx, "Task cancel requested: task=%s", id)
	return nil
}

// Delete removes a task and everything it produced: its cases with their
// histories, the stored bundle, then the task row. A running task is
// cancelled first. A bundle already gone from storage is not an error.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	task, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		if err := o.Cancel(ctx, id); err != nil {
			return err
		}
	}

	if err := o.cases.DeleteByTask(ctx, id); err != nil {
		return fmt.Errorf("delete task cases: %w", err)
	}
	if task.BundleKey != "" {
		if err := o.store.Delete(ctx, task.BundleKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete bundle: %w", err)
		}
	}
	if err := o.tasks.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	logger.CtxInfo(ctx, "Task deleted: task=%s", id)
	return nil
}

// Wait blocks until every background run has returned. Used by shutdown and
// tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
	o.mu.Unlock()
}
