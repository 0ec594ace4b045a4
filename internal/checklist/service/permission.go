package service

import (
	"context"
	"errors"

	"checksync/internal/checklist/model"
	"checksync/internal/checklist/repository"
	"checksync/pkg/logger"
)

// PermissionService answers "can user U perform an action requiring
// permission set P on checklist C?". A missing or failed lookup denies,
// never default-allows.
type PermissionService struct {
	Repo *repository.ChecklistRepository
}

func NewPermissionService(repo *repository.ChecklistRepository) *PermissionService {
	return &PermissionService{Repo: repo}
}

// Check applies the resolution rules in order: the owner always has the full
// permission set regardless of collaboration flags; a non-collaborative
// checklist grants nothing to anyone else; otherwise the user's active
// membership record must cover every requested permission.
func (s *PermissionService) Check(ctx context.Context, userID, checklistID string, required ...model.Permission) (bool, error) {
	checklist, err := s.Repo.GetChecklist(ctx, checklistID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logger.Sugar.Errorf("Permission lookup failed for checklist %s: %v", checklistID, err)
		}
		return false, err
	}

	if checklist.OwnerID == userID {
		return true, nil
	}
	if !checklist.IsCollaborative {
		return false, nil
	}

	collab, err := s.Repo.GetCollaboration(ctx, checklistID, userID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !collab.IsActive {
		return false, nil
	}
	return collab.HasAll(required), nil
}
