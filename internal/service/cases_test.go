package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"casepilot/internal/domain"
	"gorm.io/gorm"
)

// The remaining CaseFullStore methods for fakeCaseStore (declared in
// merge_test.go).

func (s *fakeCaseStore) GetByID(ctx context.Context, id string) (*domain.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.cases[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *tc
	return &cp, nil
}

func (s *fakeCaseStore) List(ctx context.Context, project, module, level string) ([]domain.TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TestCase
	for _, tc := range s.cases {
		if project != "" && tc.Project != project {
			continue
		}
		if module != "" && tc.Module != module {
			continue
		}
		if level != "" && string(tc.Level) != level {
			continue
		}
		out = append(out, *tc)
	}
	return out, nil
}

func (s *fakeCaseStore) ListHistories(ctx context.Context, caseID string) ([]domain.TestCaseHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TestCaseHistory
	for _, ch := range s.histories[caseID] {
		out = append(out, domain.TestCaseHistory{CaseID: caseID, Changes: ch, CreatedAt: time.Now()})
	}
	return out, nil
}

func (s *fakeCaseStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(s.cases, id)
	delete(s.histories, id)
	return nil
}

func seedCase(t *testing.T, store *fakeCaseStore) *domain.TestCase {
	t.Helper()
	tc := &domain.TestCase{
		ID: "case-1", TaskID: "task-1", Project: "mall",
		Module: "登录", Name: "正常登录",
		Level: domain.CaseLevelP1, Status: domain.CaseStatusDraft,
		Content: domain.CaseContent{Steps: []string{"打开登录页"}, Expected: "成功"},
	}
	if err := store.Create(context.Background(), tc); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return tc
}

func TestCaseUpdateStatusOnly(t *testing.T) {
	store := newFakeCaseStore()
	seedCase(t, store)
	svc := NewCaseService(store)

	ready := domain.CaseStatusReady
	updated, err := svc.Update(context.Background(), "case-1", &CasePatch{Status: &ready})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != domain.CaseStatusReady {
		t.Errorf("status = %s, want ready", updated.Status)
	}
	if updated.Level != domain.CaseLevelP1 {
		t.Errorf("level changed to %s, patch did not touch it", updated.Level)
	}

	histories := store.histories["case-1"]
	if len(histories) != 1 {
		t.Fatalf("history entries = %d, want 1", len(histories))
	}
	if len(histories[0]) != 1 {
		t.Fatalf("changed fields = %v, want only status", histories[0])
	}
	if _, ok := histories[0]["status"]; !ok {
		t.Errorf("history fields = %v, want status", histories[0])
	}
}

func TestCaseUpdateNoOp(t *testing.T) {
	store := newFakeCaseStore()
	seedCase(t, store)
	svc := NewCaseService(store)

	sameLevel := domain.CaseLevelP1
	if _, err := svc.Update(context.Background(), "case-1", &CasePatch{Level: &sameLevel}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n := store.historyCount(); n != 0 {
		t.Errorf("no-op update produced %d history entries, want 0", n)
	}
}

func TestCaseUpdateRejectsBadValues(t *testing.T) {
	store := newFakeCaseStore()
	seedCase(t, store)
	svc := NewCaseService(store)
	ctx := context.Background()

	badLevel := domain.CaseLevel("P9")
	if _, err := svc.Update(ctx, "case-1", &CasePatch{Level: &badLevel}); err == nil {
		t.Error("Update(level=P9) error = nil, want rejection")
	}
	badStatus := domain.CaseStatus("archived")
	if _, err := svc.Update(ctx, "case-1", &CasePatch{Status: &badStatus}); err == nil {
		t.Error("Update(status=archived) error = nil, want rejection")
	}
	empty := ""
	if _, err := svc.Update(ctx, "case-1", &CasePatch{Name: &empty}); err == nil {
		t.Error("Update(name=\"\") error = nil, want rejection")
	}
	if n := store.historyCount(); n != 0 {
		t.Errorf("rejected updates produced %d history entries, want 0", n)
	}
}

func TestCaseUpdateRenameCollision(t *testing.T) {
	store := newFakeCaseStore()
	seedCase(t, store)
	other := &domain.TestCase{
		ID: "case-2", Project: "mall", Module: "登录", Name: "密码错误",
		Level: domain.CaseLevelP2, Status: domain.CaseStatusDraft,
	}
	if err := store.Create(context.Background(), other); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	svc := NewCaseService(store)

	taken := "密码错误"
	if _, err := svc.Update(context.Background(), "case-1", &CasePatch{Name: &taken}); err == nil {
		t.Error("Update() error = nil, want match-key collision rejection")
	}
}

func TestCaseGetAndDelete(t *testing.T) {
	store := newFakeCaseStore()
	seedCase(t, store)
	svc := NewCaseService(store)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrCaseNotFound", err)
	}
	if err := svc.Delete(ctx, "case-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := svc.Delete(ctx, "case-1"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("second Delete() error = %v, want ErrCaseNotFound", err)
	}
}

type staticCounters struct {
	taskTotal     int64
	tasksByStatus map[string]int64
	caseTotal     int64
	casesByLevel  map[string]int64
	casesByStatus map[string]int64
	err           error
}

func (c *staticCounters) Count(ctx context.Context) (int64, error) {
	return c.taskTotal, c.err
}

func (c *staticCounters) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return c.tasksByStatus, c.err
}

type staticCaseCounters struct{ *staticCounters }

func (c staticCaseCounters) Count(ctx context.Context) (int64, error) {
	return c.caseTotal, c.err
}

func (c staticCaseCounters) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return c.casesByStatus, c.err
}

func (c staticCaseCounters) CountByLevel(ctx context.Context) (map[string]int64, error) {
	return c.casesByLevel, c.err
}

func TestDashboardStats(t *testing.T) {
	base := &staticCounters{
		taskTotal:     4,
		tasksByStatus: map[string]int64{"completed": 3, "failed": 1},
		caseTotal:     12,
		casesByLevel:  map[string]int64{"P1": 5, "P2": 7},
		casesByStatus: map[string]int64{"draft": 10, "ready": 2},
	}
	svc := NewDashboardService(base, staticCaseCounters{base})

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TaskTotal != 4 || stats.CaseTotal != 12 {
		t.Errorf("totals = %d tasks, %d cases, want 4 and 12", stats.TaskTotal, stats.CaseTotal)
	}
	if stats.CasesByLevel["P2"] != 7 {
		t.Errorf("cases by level = %v", stats.CasesByLevel)
	}
	if stats.TasksByStatus["completed"] != 3 {
		t.Errorf("tasks by status = %v", stats.TasksByStatus)
	}
}

func TestDashboardStatsPropagatesError(t *testing.T) {
	base := &staticCounters{err: errors.New("db closed")}
	svc := NewDashboardService(base, staticCaseCounters{base})
	if _, err := svc.Stats(context.Background()); err == nil {
		t.Fatal("Stats() error = nil, want aggregate failure")
	}
}
