package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"casepilot/internal/domain"
	"gorm.io/gorm"
)

// fakeCaseStore is an in-memory CaseStore that records history entries the
// way the real repository does.
type fakeCaseStore struct {
	mu        sync.Mutex
	cases     map[string]*domain.TestCase // by id
	histories map[string][]domain.ChangeSet
	failNext  error
}

func newFakeCaseStore() *fakeCaseStore {
	return &fakeCaseStore{
		cases:     make(map[string]*domain.TestCase),
		histories: make(map[string][]domain.ChangeSet),
	}
}

func (s *fakeCaseStore) Create(ctx context.Context, tc *domain.TestCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	cp := *tc
	s.cases[tc.ID] = &cp
	return nil
}

func (s *fakeCaseStore) GetByKey(ctx context.Context, project, module, name string) (*domain.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range s.cases {
		if tc.Project == project && tc.Module == module && tc.Name == name {
			cp := *tc
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *fakeCaseStore) UpdateFields(ctx context.Context, caseID string, updates map[string]interface{}, changes domain.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	tc, ok := s.cases[caseID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for field, v := range updates {
		switch field {
		case "module":
			tc.Module = v.(string)
		case "name":
			tc.Name = v.(string)
		case "level":
			tc.Level = v.(domain.CaseLevel)
		case "content":
			tc.Content = v.(domain.CaseContent)
		case "status":
			tc.Status = v.(domain.CaseStatus)
		case "task_id":
			tc.TaskID = v.(string)
		}
	}
	s.histories[caseID] = append(s.histories[caseID], changes)
	return nil
}

func (s *fakeCaseStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.histories {
		n += len(h)
	}
	return n
}

func (s *fakeCaseStore) byKey(t *testing.T, project, module, name string) *domain.TestCase {
	t.Helper()
	tc, err := s.GetByKey(context.Background(), project, module, name)
	if err != nil {
		t.Fatalf("case (%s,%s,%s) not found", project, module, name)
	}
	return tc
}

func mergeTask() *domain.Task {
	return &domain.Task{ID: "task-1", Project: "mall"}
}

func mergeUnit() *domain.DocumentUnit {
	return &domain.DocumentUnit{Index: 0, Name: "login/overview.png"}
}

func loginDraft() domain.DraftCase {
	return domain.DraftCase{
		Module: "登录",
		Name:   "正常登录",
		Level:  domain.CaseLevelP1,
		Content: domain.CaseContent{
			Precondition: "已注册账号",
			Steps:        []string{"打开登录页", "输入账号密码", "点击登录"},
			Expected:     "跳转到首页",
		},
	}
}

func TestMergeInsertsNewCase(t *testing.T) {
	store := newFakeCaseStore()
	m := NewMerger(store)

	stats, taskErrs, err := m.Merge(context.Background(), mergeTask(), mergeUnit(), []domain.DraftCase{loginDraft()})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if stats.Created != 1 || stats.Updated != 0 || stats.Unchanged != 0 {
		t.Errorf("stats = %+v, want one creation", stats)
	}
	if len(taskErrs) != 0 {
		t.Errorf("task errors = %v, want none", taskErrs)
	}

	tc := store.byKey(t, "mall", "登录", "正常登录")
	if tc.Status != domain.CaseStatusDraft {
		t.Errorf("new case status = %s, want draft", tc.Status)
	}
	if tc.TaskID != "task-1" {
		t.Errorf("new case task_id = %s, want task-1", tc.TaskID)
	}
	if store.historyCount() != 0 {
		t.Errorf("insert produced %d history entries, want 0", store.historyCount())
	}
}

func TestMergeIdenticalIsNoOp(t *testing.T) {
	store := newFakeCaseStore()
	m := NewMerger(store)
	ctx := context.Background()

	if _, _, err := m.Merge(ctx, mergeTask(), mergeUnit(), []domain.DraftCase{loginDraft()}); err != nil {
		t.Fatalf("first Merge() error = %v", err)
	}

	later := &domain.Task{ID: "task-2", Project: "mall"}
	stats, _, err := m.Merge(ctx, later, mergeUnit(), []domain.DraftCase{loginDraft()})
	if err != nil {
		t.Fatalf("second Merge() error = %v", err)
	}
	if stats.Unchanged != 1 || stats.Created != 0 || stats.Updated != 0 {
		t.Errorf("stats = %+v, want one unchanged", stats)
	}
	if store.historyCount() != 0 {
		t.Errorf("no-op merge produced %d history entries, want 0", store.historyCount())
	}
	// An untouched case keeps its original task linkage.
	if tc := store.byKey(t, "mall", "登录", "正常登录"); tc.TaskID != "task-1" {
		t.Errorf("task_id = %s, want task-1", tc.TaskID)
	}
}

func TestMergeSingleFieldChangeSingleHistory(t *testing.T) {
	store := newFakeCaseStore()
	m := NewMerger(store)
	ctx := context.Background()

	if _, _, err := m.Merge(ctx, mergeTask(), mergeUnit(), []domain.DraftCase{loginDraft()}); err != nil {
		t.Fatalf("seed Merge() error = %v", err)
	}

	bumped := loginDraft()
	bumped.Level = domain.CaseLevelP0

	later := &domain.Task{ID: "task-2", Project: "mall"}
	stats, _, err := m.Merge(ctx, later, mergeUnit(), []domain.DraftCase{bumped})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("stats = %+v, want one update", stats)
	}

	tc := store.byKey(t, "mall", "登录", "正常登录")
	if tc.Level != domain.CaseLevelP0 {
		t.Errorf("level = %s, want P0", tc.Level)
	}
	if tc.TaskID != "task-2" {
		t.Errorf("task_id = %s, want task-2 (last writer)", tc.TaskID)
	}

	histories := store.histories[tc.ID]
	if len(histories) != 1 {
		t.Fatalf("history entries = %d, want exactly 1", len(histories))
	}
	changes := histories[0]
	if len(changes) != 1 {
		t.Fatalf("changed fields = %v, want only level", changes)
	}
	ch, ok := changes["level"]
	if !ok {
		t.Fatalf("history names fields %v, want level", changes)
	}
	if ch.From != domain.CaseLevelP1 || ch.To != domain.CaseLevelP0 {
		t.Errorf("level transition = %v -> %v, want P1 -> P0", ch.From, ch.To)
	}
}

func TestMergeInBatchConflictFirstWins(t *testing.T) {
	store := newFakeCaseStore()
	m := NewMerger(store)

	first := loginDraft()
	second := loginDraft()
	second.Content.Expected = "弹出验证码"

	stats, taskErrs, err := m.Merge(context.Background(), mergeTask(), mergeUnit(), []domain.DraftCase{first, second})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if stats.Created != 1 || stats.Conflicts != 1 {
		t.Errorf("stats = %+v, want one creation and one conflict", stats)
	}
	if len(taskErrs) != 1 {
		t.Fatalf("task errors = %v, want one merge_conflict", taskErrs)
	}
	if taskErrs[0].Kind != domain.ErrKindMergeConflict || taskErrs[0].Stage != "merge" {
		t.Errorf("task error = %+v, want merge_conflict at merge stage", taskErrs[0])
	}

	tc := store.byKey(t, "mall", "登录", "正常登录")
	if tc.Content.Expected != "跳转到首页" {
		t.Errorf("expected = %q, first draft should win", tc.Content.Expected)
	}
}

func TestMergeDuplicateIdenticalDraftIsSilent(t *testing.T) {
	store := newFakeCaseStore()
	m := NewMerger(store)

	stats, taskErrs, err := m.Merge(context.Background(), mergeTask(), mergeUnit(),
		[]domain.DraftCase{loginDraft(), loginDraft()})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if stats.Created != 1 || stats.Conflicts != 0 {
		t.Errorf("stats = %+v, want one creation and no conflict", stats)
	}
	if len(taskErrs) != 0 {
		t.Errorf("task errors = %v, want none for identical duplicates", taskErrs)
	}
}

func TestMergeStoreFailureAbortsBatch(t *testing.T) {
	store := newFakeCaseStore()
	store.failNext = errors.New("disk full")
	m := NewMerger(store)

	_, _, err := m.Merge(context.Background(), mergeTask(), mergeUnit(), []domain.DraftCase{loginDraft()})
	if err == nil {
		t.Fatal("Merge() error = nil, want store failure surfaced")
	}
}
