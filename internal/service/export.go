package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"casepilot/internal/domain"
)

// CaseQuerier lists cases with optional filters.
type CaseQuerier interface {
	List(ctx context.Context, project, module, level string) ([]domain.TestCase, error)
}

// CaseExporter writes cases as CSV rows, the tabular form downstream
// spreadsheet tooling consumes.
type CaseExporter struct {
	cases CaseQuerier
}

// NewCaseExporter creates a new exporter.
func NewCaseExporter(cases CaseQuerier) *CaseExporter {
	return &CaseExporter{cases: cases}
}

var exportHeader = []string{"项目", "模块", "用例名称", "等级", "状态", "前置条件", "测试步骤", "预期结果"}

// Export writes the header and one row per matching case. Steps are numbered
// and newline-joined inside a single cell.
func (e *CaseExporter) Export(ctx context.Context, w io.Writer, project, module, level string) error {
	cases, err := e.cases.List(ctx, project, module, level)
	if err != nil {
		return fmt.Errorf("list cases: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, tc := range cases {
		row := []string{
			tc.Project,
			tc.Module,
			tc.Name,
			string(tc.Level),
			string(tc.Status),
			tc.Content.Precondition,
			joinSteps(tc.Content.Steps),
			tc.Content.Expected,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func joinSteps(steps []string) string {
	var b strings.Builder
	for i, step := range steps {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, step)
	}
	return b.String()
}
