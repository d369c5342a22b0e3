package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertConversation inserts or updates a conversation row.
func (s *Store) UpsertConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, kind, priority, draft, last_read_at, expires_in, expire_mode,
			 expire_updated_at, name, leaving_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			priority = excluded.priority,
			draft = excluded.draft,
			last_read_at = excluded.last_read_at,
			expires_in = excluded.expires_in,
			expire_mode = excluded.expire_mode,
			expire_updated_at = excluded.expire_updated_at,
			name = excluded.name,
			leaving_status = excluded.leaving_status
	`, c.ID, c.Kind, c.Priority, c.Draft, c.LastReadAt, c.ExpiresIn, c.ExpireMode,
		c.ExpireUpdatedAt, c.Name, c.LeavingStatus, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns a conversation, or nil when it does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, priority, draft, last_read_at, expires_in, expire_mode,
		       expire_updated_at, name, leaving_status, created_at
		FROM conversations WHERE id = ?
	`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.Kind, &c.Priority, &c.Draft, &c.LastReadAt, &c.ExpiresIn,
		&c.ExpireMode, &c.ExpireUpdatedAt, &c.Name, &c.LeavingStatus, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns all conversations of one kind, or all kinds
// when kind is empty.
func (s *Store) ListConversations(ctx context.Context, kind string) ([]*Conversation, error) {
	query := `
		SELECT id, kind, priority, draft, last_read_at, expires_in, expire_mode,
		       expire_updated_at, name, leaving_status, created_at
		FROM conversations`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VisibleConversations returns visible conversations ordered for display:
// pinned first (higher priority first), then unpinned by creation time.
func (s *Store) VisibleConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, priority, draft, last_read_at, expires_in, expire_mode,
		       expire_updated_at, name, leaving_status, created_at
		FROM conversations
		WHERE priority >= 0
		ORDER BY priority DESC, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list visible conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationPriority sets only the priority field.
func (s *Store) UpdateConversationPriority(ctx context.Context, id string, priority int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET priority = ? WHERE id = ?
	`, priority, id)
	if err != nil {
		return fmt.Errorf("update priority %s: %w", id, err)
	}
	return nil
}

// UpdateLeavingStatus records group-leave progress.
func (s *Store) UpdateLeavingStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET leaving_status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update leaving status %s: %w", id, err)
	}
	return nil
}

// DeleteConversation removes the thread and its interactions.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM interactions WHERE thread_id = ?`, id); err != nil {
			return fmt.Errorf("delete interactions of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
		return nil
	})
}
