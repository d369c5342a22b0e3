package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertContact inserts or updates a contact row.
func (s *Store) UpsertContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts
			(public_key, name, nickname, approved, blocked, did_approve_me, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (public_key) DO UPDATE SET
			name = excluded.name,
			nickname = excluded.nickname,
			approved = excluded.approved,
			blocked = excluded.blocked,
			did_approve_me = excluded.did_approve_me,
			updated_at = excluded.updated_at
	`, c.PublicKey, c.Name, c.Nickname, c.Approved, c.Blocked, c.DidApproveMe, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.PublicKey, err)
	}
	return nil
}

// GetContact returns a contact, or nil when absent.
func (s *Store) GetContact(ctx context.Context, publicKey string) (*Contact, error) {
	c := &Contact{}
	err := s.db.QueryRowContext(ctx, `
		SELECT public_key, name, nickname, approved, blocked, did_approve_me, updated_at
		FROM contacts WHERE public_key = ?
	`, publicKey).Scan(&c.PublicKey, &c.Name, &c.Nickname, &c.Approved, &c.Blocked,
		&c.DidApproveMe, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", publicKey, err)
	}
	return c, nil
}

// ListContacts returns every contact row.
func (s *Store) ListContacts(ctx context.Context) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, name, nickname, approved, blocked, did_approve_me, updated_at
		FROM contacts ORDER BY public_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c := &Contact{}
		if err := rows.Scan(&c.PublicKey, &c.Name, &c.Nickname, &c.Approved, &c.Blocked,
			&c.DidApproveMe, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact removes a contact row.
func (s *Store) DeleteContact(ctx context.Context, publicKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("delete contact %s: %w", publicKey, err)
	}
	return nil
}
