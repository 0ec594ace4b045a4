package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"time"

	"checksync/internal/checklist/model"
	"checksync/internal/checklist/repository"
	"checksync/middleware"
	"checksync/socket"

	"github.com/google/uuid"
)

var ErrPermissionDenied = errors.New("permission denied")

// Broadcaster is the gateway surface the service uses to tell rooms about
// mutations that arrived over REST, which is how offline-queue replays reach
// connected participants.
type Broadcaster interface {
	BroadcastItemChecked(checklistID string, p socket.ItemCheckedPayload)
	BroadcastItemUpdated(checklistID string, p socket.ItemUpdatedPayload)
	BroadcastItemAdded(checklistID string, p socket.ItemAddedPayload)
	BroadcastItemDeleted(checklistID string, p socket.ItemDeletedPayload)
	AnnounceCompletion(ctx context.Context, checklistID string, by model.CollaborationUser)
}

type ChecklistService struct {
	Repo  *repository.ChecklistRepository
	Perms *PermissionService
	Hub   Broadcaster
}

func NewChecklistService(repo *repository.ChecklistRepository, perms *PermissionService, hub Broadcaster) *ChecklistService {
	return &ChecklistService{Repo: repo, Perms: perms, Hub: hub}
}

func (s *ChecklistService) CreateChecklist(ctx context.Context, identity middleware.Identity, req model.CreateChecklistRequest) (*model.CreateChecklistResponse, error) {
	title := req.Title
	if title == "" {
		title = "Untitled Checklist"
	}
	checklist := model.Checklist{
		ID:              uuid.NewString(),
		Title:           title,
		OwnerID:         identity.UserID,
		ShareCode:       generateShareCode(),
		IsCollaborative: req.IsCollaborative,
	}
	if err := s.Repo.CreateChecklist(ctx, checklist); err != nil {
		return nil, err
	}
	for i, itemTitle := range req.Items {
		item := model.ChecklistItem{
			ID:          uuid.NewString(),
			ChecklistID: checklist.ID,
			Title:       itemTitle,
			Position:    i,
		}
		if err := s.Repo.CreateItem(ctx, item); err != nil {
			return nil, err
		}
	}
	return &model.CreateChecklistResponse{ChecklistID: checklist.ID, ShareCode: checklist.ShareCode}, nil
}

// ToggleItem is the REST twin of the gateway's toggle-item event: same
// permission gate, same store writes, same broadcasts.
func (s *ChecklistService) ToggleItem(ctx context.Context, identity middleware.Identity, itemID string, isCompleted bool) error {
	item, err := s.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.requireWrite(ctx, identity.UserID, item.ChecklistID); err != nil {
		return err
	}

	now := time.Now()
	var checkedBy *string
	var checkedAt *time.Time
	if isCompleted {
		checkedBy = &identity.UserID
		checkedAt = &now
	}
	if err := s.Repo.SetItemCompletion(ctx, itemID, isCompleted, checkedBy, checkedAt); err != nil {
		return err
	}

	action := model.HistoryChecked
	if !isCompleted {
		action = model.HistoryUnchecked
	}
	if err := s.Repo.AppendHistory(ctx, model.CheckHistory{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		ChecklistID: item.ChecklistID,
		UserID:      identity.UserID,
		Action:      action,
		Timestamp:   now,
	}); err != nil {
		return err
	}

	by := s.collaborationUser(identity)
	s.Hub.BroadcastItemChecked(item.ChecklistID, socket.ItemCheckedPayload{
		ItemID:      itemID,
		IsCompleted: isCompleted,
		CheckedBy:   by,
		Timestamp:   now,
	})
	s.Hub.AnnounceCompletion(ctx, item.ChecklistID, by)
	return nil
}

func (s *ChecklistService) UpdateItem(ctx context.Context, identity middleware.Identity, itemID string, updates map[string]any) error {
	item, err := s.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.requireWrite(ctx, identity.UserID, item.ChecklistID); err != nil {
		return err
	}
	if err := s.Repo.UpdateItemFields(ctx, itemID, updates); err != nil {
		return err
	}

	newValue, _ := json.Marshal(updates)
	if err := s.Repo.AppendHistory(ctx, model.CheckHistory{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		ChecklistID: item.ChecklistID,
		UserID:      identity.UserID,
		Action:      model.HistoryEdited,
		NewValue:    newValue,
		Timestamp:   time.Now(),
	}); err != nil {
		return err
	}

	s.Hub.BroadcastItemUpdated(item.ChecklistID, socket.ItemUpdatedPayload{
		ItemID:    itemID,
		Updates:   updates,
		UpdatedBy: s.collaborationUser(identity),
	})
	return nil
}

func (s *ChecklistService) AddItem(ctx context.Context, identity middleware.Identity, checklistID string, req model.AddItemRequest) (*model.ChecklistItem, error) {
	if err := s.requireWrite(ctx, identity.UserID, checklistID); err != nil {
		return nil, err
	}
	item := model.ChecklistItem{
		ID:          uuid.NewString(),
		ChecklistID: checklistID,
		Title:       req.Title,
		Position:    req.Position,
		CreatedAt:   time.Now(),
	}
	if err := s.Repo.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	if err := s.Repo.AppendHistory(ctx, model.CheckHistory{
		ID:          uuid.NewString(),
		ItemID:      item.ID,
		ChecklistID: checklistID,
		UserID:      identity.UserID,
		Action:      model.HistoryAdded,
		Timestamp:   time.Now(),
	}); err != nil {
		return nil, err
	}

	s.Hub.BroadcastItemAdded(checklistID, socket.ItemAddedPayload{
		Item:    item,
		AddedBy: s.collaborationUser(identity),
	})
	return &item, nil
}

func (s *ChecklistService) DeleteItem(ctx context.Context, identity middleware.Identity, itemID string) error {
	item, err := s.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.requireWrite(ctx, identity.UserID, item.ChecklistID); err != nil {
		return err
	}
	checklistID, err := s.Repo.DeleteItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.Repo.AppendHistory(ctx, model.CheckHistory{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		ChecklistID: checklistID,
		UserID:      identity.UserID,
		Action:      model.HistoryDeleted,
		Timestamp:   time.Now(),
	}); err != nil {
		return err
	}

	s.Hub.BroadcastItemDeleted(checklistID, socket.ItemDeletedPayload{
		ItemID:    itemID,
		DeletedBy: s.collaborationUser(identity),
	})
	return nil
}

func (s *ChecklistService) ListItems(ctx context.Context, identity middleware.Identity, checklistID string) ([]model.ChecklistItem, error) {
	allowed, err := s.Perms.Check(ctx, identity.UserID, checklistID, model.PermissionRead)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrPermissionDenied
	}
	return s.Repo.ListItems(ctx, checklistID)
}

func (s *ChecklistService) requireWrite(ctx context.Context, userID, checklistID string) error {
	allowed, err := s.Perms.Check(ctx, userID, checklistID, model.PermissionWrite)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return ErrPermissionDenied
	}
	if !allowed {
		return ErrPermissionDenied
	}
	return nil
}

func (s *ChecklistService) collaborationUser(identity middleware.Identity) model.CollaborationUser {
	return model.CollaborationUser{
		ID:       identity.UserID,
		Nickname: identity.Nickname,
		UserType: identity.UserType,
		IsOnline: true,
	}
}

const shareCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateShareCode returns an 8-character code safe to read aloud; easily
// confused characters are left out of the alphabet.
func generateShareCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()[:8]
	}
	for i := range b {
		b[i] = shareCodeAlphabet[int(b[i])%len(shareCodeAlphabet)]
	}
	return string(b)
}
