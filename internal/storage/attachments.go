package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewAttachmentID returns a fresh attachment identifier.
func NewAttachmentID() string {
	return uuid.NewString()
}

// InsertAttachment stores a new attachment reference.
func (s *Store) InsertAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = NewAttachmentID()
	}
	a.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, interaction_id, state, remote_id, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.InteractionID, a.State, a.RemoteID, a.Size, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetAttachment returns one attachment, or nil when absent.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	a := &Attachment{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, interaction_id, state, remote_id, size, created_at
		FROM attachments WHERE id = ?
	`, id).Scan(&a.ID, &a.InteractionID, &a.State, &a.RemoteID, &a.Size, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return a, nil
}

// AttachmentsForInteraction returns the attachments referenced by a message.
func (s *Store) AttachmentsForInteraction(ctx context.Context, interactionID int64) ([]*Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, interaction_id, state, remote_id, size, created_at
		FROM attachments WHERE interaction_id = ? ORDER BY created_at
	`, interactionID)
	if err != nil {
		return nil, fmt.Errorf("attachments for interaction %d: %w", interactionID, err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a := &Attachment{}
		if err := rows.Scan(&a.ID, &a.InteractionID, &a.State, &a.RemoteID, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAttachmentState transitions an attachment, recording the remote id
// when the server assigned one.
func (s *Store) UpdateAttachmentState(ctx context.Context, id, state, remoteID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET state = ?, remote_id = CASE WHEN ? != '' THEN ? ELSE remote_id END
		WHERE id = ?
	`, state, remoteID, remoteID, id)
	if err != nil {
		return fmt.Errorf("update attachment %s: %w", id, err)
	}
	return nil
}

// DeleteOrphanedAttachments prunes attachments older than the cutoff whose
// interaction no longer exists. Returns the number deleted.
func (s *Store) DeleteOrphanedAttachments(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM attachments
		WHERE created_at < ?
		  AND interaction_id != 0
		  AND NOT EXISTS (SELECT 1 FROM interactions WHERE interactions.id = attachments.interaction_id)
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete orphaned attachments: %w", err)
	}
	return res.RowsAffected()
}
