package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"checksync/internal/checklist/model"
	"checksync/pkg/logger"

	"github.com/lib/pq"
)

// ChecklistRepository is the lib/pq-backed system of record. Concurrent
// writes to the same row are serialized by Postgres; last write wins.
type ChecklistRepository struct {
	DB *sql.DB
}

func NewChecklistRepository(db *sql.DB) *ChecklistRepository {
	return &ChecklistRepository{DB: db}
}

const checklistColumns = "id, title, owner_id, share_code, is_collaborative, link_expires_at, created_at, updated_at"

func scanChecklist(row *sql.Row) (*model.Checklist, error) {
	var c model.Checklist
	err := row.Scan(&c.ID, &c.Title, &c.OwnerID, &c.ShareCode, &c.IsCollaborative, &c.LinkExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChecklistRepository) GetChecklist(ctx context.Context, id string) (*model.Checklist, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+checklistColumns+" FROM checklists WHERE id = $1", id)
	return scanChecklist(row)
}

// FindChecklistByIDOrShareCode looks a checklist up by either its id or its
// share code; deep links only carry the latter.
func (r *ChecklistRepository) FindChecklistByIDOrShareCode(ctx context.Context, idOrCode string) (*model.Checklist, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+checklistColumns+" FROM checklists WHERE id = $1 OR share_code = $1", idOrCode)
	return scanChecklist(row)
}

func (r *ChecklistRepository) CreateChecklist(ctx context.Context, c model.Checklist) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO checklists (id, title, owner_id, share_code, is_collaborative, link_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		c.ID, c.Title, c.OwnerID, c.ShareCode, c.IsCollaborative, c.LinkExpiresAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to create checklist: %v", err)
	}
	return err
}

const itemColumns = "id, checklist_id, title, position, is_completed, checked_by, checked_at, created_at"

func (r *ChecklistRepository) GetItem(ctx context.Context, id string) (*model.ChecklistItem, error) {
	var item model.ChecklistItem
	err := r.DB.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM checklist_items WHERE id = $1", id).
		Scan(&item.ID, &item.ChecklistID, &item.Title, &item.Position, &item.IsCompleted, &item.CheckedBy, &item.CheckedAt, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get item %s: %v", id, err)
		return nil, err
	}
	return &item, nil
}

func (r *ChecklistRepository) ListItems(ctx context.Context, checklistID string) ([]model.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM checklist_items WHERE checklist_id = $1 ORDER BY position ASC", checklistID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list items for checklist %s: %v", checklistID, err)
		return nil, err
	}
	defer rows.Close()

	var items []model.ChecklistItem
	for rows.Next() {
		var item model.ChecklistItem
		if err := rows.Scan(&item.ID, &item.ChecklistID, &item.Title, &item.Position, &item.IsCompleted, &item.CheckedBy, &item.CheckedAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *ChecklistRepository) CreateItem(ctx context.Context, item model.ChecklistItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO checklist_items (id, checklist_id, title, position, is_completed, created_at)
		VALUES ($1, $2, $3, $4, false, NOW())`,
		item.ID, item.ChecklistID, item.Title, item.Position)
	if err != nil {
		logger.Sugar.Errorf("Failed to create item for checklist %s: %v", item.ChecklistID, err)
	}
	return err
}

// DeleteItem removes the item and returns its parent checklist id for
// broadcasting.
func (r *ChecklistRepository) DeleteItem(ctx context.Context, itemID string) (string, error) {
	var checklistID string
	err := r.DB.QueryRowContext(ctx,
		"DELETE FROM checklist_items WHERE id = $1 RETURNING checklist_id", itemID).Scan(&checklistID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to delete item %s: %v", itemID, err)
	}
	return checklistID, err
}

// SetItemCompletion writes the three realtime fields: is_completed,
// checked_by, checked_at.
func (r *ChecklistRepository) SetItemCompletion(ctx context.Context, itemID string, isCompleted bool, checkedBy *string, checkedAt *time.Time) error {
	result, err := r.DB.ExecContext(ctx,
		"UPDATE checklist_items SET is_completed = $1, checked_by = $2, checked_at = $3 WHERE id = $4",
		isCompleted, checkedBy, checkedAt, itemID)
	if err != nil {
		logger.Sugar.Errorf("Failed to toggle item %s: %v", itemID, err)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// updatable whitelists the item fields a partial update may touch.
var updatable = map[string]string{
	"title":    "title",
	"position": "position",
}

// UpdateItemFields applies a partial update. Unknown fields are ignored; an
// update that touches nothing is a no-op, not an error.
func (r *ChecklistRepository) UpdateItemFields(ctx context.Context, itemID string, updates map[string]any) error {
	var sets []string
	var args []any
	for field, value := range updates {
		column, ok := updatable[field]
		if !ok {
			continue
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, itemID)
	query := fmt.Sprintf("UPDATE checklist_items SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		logger.Sugar.Errorf("Failed to update item %s: %v", itemID, err)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UpsertCollaboration persists the membership record for a join. Idempotent:
// re-joining refreshes activity and display fields.
func (r *ChecklistRepository) UpsertCollaboration(ctx context.Context, collab model.Collaboration) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO collaborations (checklist_id, user_id, role, permissions, guest_nickname, guest_color, is_active, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (checklist_id, user_id)
		DO UPDATE SET guest_nickname = $5, guest_color = $6, is_active = $7, last_active_at = $8`,
		collab.ChecklistID, collab.UserID, collab.Role, pq.Array(permissionStrings(collab.Permissions)),
		collab.GuestNickname, collab.GuestColor, collab.IsActive, collab.LastActiveAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to upsert collaboration for user %s on checklist %s: %v", collab.UserID, collab.ChecklistID, err)
	}
	return err
}

func (r *ChecklistRepository) GetCollaboration(ctx context.Context, checklistID, userID string) (*model.Collaboration, error) {
	var collab model.Collaboration
	var perms []string
	err := r.DB.QueryRowContext(ctx, `SELECT checklist_id, user_id, role, permissions, guest_nickname, guest_color, is_active, last_active_at
		FROM collaborations WHERE checklist_id = $1 AND user_id = $2`, checklistID, userID).
		Scan(&collab.ChecklistID, &collab.UserID, &collab.Role, pq.Array(&perms),
			&collab.GuestNickname, &collab.GuestColor, &collab.IsActive, &collab.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get collaboration for user %s on checklist %s: %v", userID, checklistID, err)
		return nil, err
	}
	for _, p := range perms {
		collab.Permissions = append(collab.Permissions, model.Permission(p))
	}
	return &collab, nil
}

func (r *ChecklistRepository) AppendHistory(ctx context.Context, rec model.CheckHistory) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO check_history (id, item_id, checklist_id, user_id, action, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ItemID, rec.ChecklistID, rec.UserID, rec.Action, nullableJSON(rec.NewValue), rec.Timestamp)
	if err != nil {
		logger.Sugar.Errorf("Failed to append history for item %s: %v", rec.ItemID, err)
	}
	return err
}

func permissionStrings(perms []model.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
