package service

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskCounter exposes the task aggregates the dashboard needs.
type TaskCounter interface {
	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// CaseCounter exposes the case aggregates the dashboard needs.
type CaseCounter interface {
	Count(ctx context.Context) (int64, error)
	CountByLevel(ctx context.Context) (map[string]int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// DashboardStats is the summary served at /dashboard.
type DashboardStats struct {
	TaskTotal     int64            `json:"task_total"`
	TasksByStatus map[string]int64 `json:"tasks_by_status"`
	CaseTotal     int64            `json:"case_total"`
	CasesByLevel  map[string]int64 `json:"cases_by_level"`
	CasesByStatus map[string]int64 `json:"cases_by_status"`
}

// DashboardService aggregates task and case statistics.
type DashboardService struct {
	tasks TaskCounter
	cases CaseCounter
}

// NewDashboardService creates a new dashboard service.
func NewDashboardService(tasks TaskCounter, cases CaseCounter) *DashboardService {
	return &DashboardService{tasks: tasks, cases: cases}
}

// Stats runs the five aggregate queries concurrently and fails fast on the
// first error.
func (s *DashboardService) Stats(ctx context.Context) (*DashboardStats, error) {
	var stats DashboardStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.tasks.Count(gctx)
		stats.TaskTotal = n
		return err
	})
	g.Go(func() error {
		m, err := s.tasks.CountByStatus(gctx)
		stats.TasksByStatus = m
		return err
	})
	g.Go(func() error {
		n, err := s.cases.Count(gctx)
		stats.CaseTotal = n
		return err
	})
	g.Go(func() error {
		m, err := s.cases.CountByLevel(gctx)
		stats.CasesByLevel = m
		return err
	})
	g.Go(func() error {
		m, err := s.cases.CountByStatus(gctx)
		stats.CasesByStatus = m
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &stats, nil
}
