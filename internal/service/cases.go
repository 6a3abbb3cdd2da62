package service

import (
	"context"
	"errors"
	"fmt"

	"casepilot/internal/domain"
	"gorm.io/gorm"
)

// ErrCaseNotFound is returned for lookups of unknown case ids.
var ErrCaseNotFound = errors.New("test case not found")

// CaseFullStore is the persistence surface for manual case management.
// Implemented by repository.CaseRepository.
type CaseFullStore interface {
	GetByID(ctx context.Context, id string) (*domain.TestCase, error)
	GetByKey(ctx context.Context, project, module, name string) (*domain.TestCase, error)
	List(ctx context.Context, project, module, level string) ([]domain.TestCase, error)
	UpdateFields(ctx context.Context, caseID string, updates map[string]interface{}, changes domain.ChangeSet) error
	ListHistories(ctx context.Context, caseID string) ([]domain.TestCaseHistory, error)
	Delete(ctx context.Context, id string) error
}

// CasePatch is a selective update request; nil fields are left untouched.
type CasePatch struct {
	Module  *string
	Name    *string
	Level   *domain.CaseLevel
	Status  *domain.CaseStatus
	Content *domain.CaseContent
}

// CaseService handles manual case management. Every mutation flows through
// the repository's UpdateFields path, so a change can never skip its
// history entry.
type CaseService struct {
	store CaseFullStore
}

// NewCaseService creates a new case service.
func NewCaseService(store CaseFullStore) *CaseService {
	return &CaseService{store: store}
}

// Get retrieves one case.
func (s *CaseService) Get(ctx context.Context, id string) (*domain.TestCase, error) {
	tc, err := s.store.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaseNotFound
	}
	return tc, err
}

// List retrieves cases with optional project, module, and level filters.
func (s *CaseService) List(ctx context.Context, project, module, level string) ([]domain.TestCase, error) {
	return s.store.List(ctx, project, module, level)
}

// Histories retrieves a case's change log, most recent first.
func (s *CaseService) Histories(ctx context.Context, id string) ([]domain.TestCaseHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListHistories(ctx, id)
}

// Delete removes one case and its histories.
func (s *CaseService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// Update applies a selective patch. Fields equal to their current value are
// ignored; a patch that changes nothing is a no-op and appends no history.
// Renames that would collide with an existing case on the match key
// (project, module, name) are rejected.
func (s *CaseService) Update(ctx context.Context, id string, patch *CasePatch) (*domain.TestCase, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	changes := domain.ChangeSet{}

	module := existing.Module
	name := existing.Name
	if patch.Module != nil && *patch.Module != existing.Module {
		if *patch.Module == "" {
			return nil, errors.New("module cannot be empty")
		}
		module = *patch.Module
		updates["module"] = module
		changes["module"] = domain.FieldChange{From: existing.Module, To: module}
	}
	if patch.Name != nil && *patch.Name != existing.Name {
		if *patch.Name == "" {
			return nil, errors.New("name cannot be empty")
		}
		name = *patch.Name
		updates["name"] = name
		changes["name"] = domain.FieldChange{From: existing.Name, To: name}
	}
	if module != existing.Module || name != existing.Name {
		other, err := s.store.GetByKey(ctx, existing.Project, module, name)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if other != nil && other.ID != existing.ID {
			return nil, fmt.Errorf("case %q already exists in module %q", name, module)
		}
	}

	if patch.Level != nil && *patch.Level != existing.Level {
		if !patch.Level.Valid() {
			return nil, fmt.Errorf("unknown level %q", *patch.Level)
		}
		updates["level"] = *patch.Level
		changes["level"] = domain.FieldChange{From: existing.Level, To: *patch.Level}
	}
	if patch.Status != nil && *patch.Status != existing.Status {
		if !validCaseStatus(*patch.Status) {
			return nil, fmt.Errorf("unknown status %q", *patch.Status)
		}
		updates["status"] = *patch.Status
		changes["status"] = domain.FieldChange{From: existing.Status, To: *patch.Status}
	}
	if patch.Content != nil && !existing.Content.Equal(*patch.Content) {
		updates["content"] = *patch.Content
		changes["content"] = domain.FieldChange{From: existing.Content, To: *patch.Content}
	}

	if len(changes) == 0 {
		return existing, nil
	}
	if err := s.store.UpdateFields(ctx, id, updates, changes); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func validCaseStatus(st domain.CaseStatus) bool {
	switch st {
	case domain.CaseStatusDraft, domain.CaseStatusReady, domain.CaseStatusTesting,
		domain.CaseStatusPassed, domain.CaseStatusFailed, domain.CaseStatusBlocked:
		return true
	}
	return false
}
