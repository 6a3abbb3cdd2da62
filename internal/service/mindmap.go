package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"casepilot/internal/domain"
	"gorm.io/gorm"
)

// ErrTaskNotComplete is returned when a projection needs a successfully
// finished task.
var ErrTaskNotComplete = errors.New("task has not completed")

// CaseLister retrieves the cases a task produced, in creation order.
type CaseLister interface {
	ListByTask(ctx context.Context, taskID string) ([]domain.TestCase, error)
}

// MindmapProjector renders a task's cases as a PlantUML mind-map outline:
// project, then modules in first-seen order, then cases in creation order.
type MindmapProjector struct {
	tasks TaskStore
	cases CaseLister
}

// NewMindmapProjector creates a new projector.
func NewMindmapProjector(tasks TaskStore, cases CaseLister) *MindmapProjector {
	return &MindmapProjector{tasks: tasks, cases: cases}
}

// Render produces the outline for one task. moduleFilter, when non-empty,
// keeps only the named modules (exact, case-sensitive); when empty, the
// filter stored on the task at submit time applies. The task must have
// completed; a completed task with no cases renders just the project root.
func (p *MindmapProjector) Render(ctx context.Context, taskID string, moduleFilter []string) (string, error) {
	task, err := p.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrTaskNotFound
		}
		return "", err
	}
	if task.Status != domain.TaskStatusCompleted {
		return "", fmt.Errorf("%w: status %s", ErrTaskNotComplete, task.Status)
	}

	cases, err := p.cases.ListByTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	if len(moduleFilter) == 0 {
		moduleFilter = task.ModuleFilter
	}
	var keep map[string]bool
	if len(moduleFilter) > 0 {
		keep = make(map[string]bool, len(moduleFilter))
		for _, m := range moduleFilter {
			keep[m] = true
		}
	}

	// Group by module, preserving first-seen order.
	var moduleOrder []string
	byModule := make(map[string][]domain.TestCase)
	for _, tc := range cases {
		if keep != nil && !keep[tc.Module] {
			continue
		}
		if _, seen := byModule[tc.Module]; !seen {
			moduleOrder = append(moduleOrder, tc.Module)
		}
		byModule[tc.Module] = append(byModule[tc.Module], tc)
	}

	var b strings.Builder
	b.WriteString("@startmindmap\n")
	fmt.Fprintf(&b, "* %s\n", task.Project)
	for _, module := range moduleOrder {
		fmt.Fprintf(&b, "** %s\n", module)
		for _, tc := range byModule[module] {
			fmt.Fprintf(&b, "*** [%s] %s\n", tc.Level, tc.Name)
			if tc.Content.Precondition != "" {
				fmt.Fprintf(&b, "**** 前置条件: %s\n", tc.Content.Precondition)
			}
			if len(tc.Content.Steps) > 0 {
				b.WriteString("**** 测试步骤\n")
				for i, step := range tc.Content.Steps {
					fmt.Fprintf(&b, "***** %d. %s\n", i+1, step)
				}
			}
			if tc.Content.Expected != "" {
				fmt.Fprintf(&b, "**** 预期结果: %s\n", tc.Content.Expected)
			}
		}
	}
	b.WriteString("@endmindmap\n")
	return b.String(), nil
}
