package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertInteraction stores a message row and returns its id.
func (s *Store) InsertInteraction(ctx context.Context, i *Interaction) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions
			(thread_id, kind, body, server_hash, sent_at, read_at,
			 expires_in, expires_started_at, delivery_status, outgoing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, i.ThreadID, i.Kind, i.Body, i.ServerHash, i.SentAt, i.ReadAt,
		i.ExpiresIn, i.ExpiresStartedAt, i.DeliveryStatus, i.Outgoing)
	if err != nil {
		return 0, fmt.Errorf("insert interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("interaction id: %w", err)
	}
	i.ID = id
	return id, nil
}

// GetInteraction returns one interaction, or nil when absent.
func (s *Store) GetInteraction(ctx context.Context, id int64) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, kind, body, server_hash, sent_at, read_at,
		       expires_in, expires_started_at, delivery_status, outgoing
		FROM interactions WHERE id = ?
	`, id)
	i, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get interaction %d: %w", id, err)
	}
	return i, nil
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	i := &Interaction{}
	err := row.Scan(&i.ID, &i.ThreadID, &i.Kind, &i.Body, &i.ServerHash, &i.SentAt,
		&i.ReadAt, &i.ExpiresIn, &i.ExpiresStartedAt, &i.DeliveryStatus, &i.Outgoing)
	if err != nil {
		return nil, err
	}
	return i, nil
}

// MarkInteractionSent records delivery and the server-assigned hash and
// timestamp, and starts the after-send disappearing timer when configured.
func (s *Store) MarkInteractionSent(ctx context.Context, id int64, serverHash string, serverTimestampMs int64, startExpiry bool) error {
	query := `UPDATE interactions SET delivery_status = ?, server_hash = ?, sent_at = ? WHERE id = ?`
	args := []any{DeliverySent, serverHash, serverTimestampMs, id}
	if startExpiry {
		query = `UPDATE interactions SET delivery_status = ?, server_hash = ?, sent_at = ?,
			expires_started_at = CASE WHEN expires_in > 0 AND expires_started_at = 0 THEN ? ELSE expires_started_at END
			WHERE id = ?`
		args = []any{DeliverySent, serverHash, serverTimestampMs, serverTimestampMs, id}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark interaction %d sent: %w", id, err)
	}
	return nil
}

// MarkInteractionFailed records a permanent delivery failure.
func (s *Store) MarkInteractionFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET delivery_status = ? WHERE id = ?
	`, DeliveryFailed, id)
	if err != nil {
		return fmt.Errorf("mark interaction %d failed: %w", id, err)
	}
	return nil
}

// MarkThreadRead sets read_at for all unread interactions sent at or before
// upToMs, starts after-read expiry timers, and returns the interactions
// whose timers just started (for the expiration-update job).
func (s *Store) MarkThreadRead(ctx context.Context, threadID string, upToMs, nowMs int64) ([]*Interaction, error) {
	var started []*Interaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, thread_id, kind, body, server_hash, sent_at, read_at,
			       expires_in, expires_started_at, delivery_status, outgoing
			FROM interactions
			WHERE thread_id = ? AND read_at = 0 AND sent_at <= ?
		`, threadID, upToMs)
		if err != nil {
			return fmt.Errorf("query unread: %w", err)
		}
		defer rows.Close()
		var unread []*Interaction
		for rows.Next() {
			i, err := scanInteraction(rows)
			if err != nil {
				return fmt.Errorf("scan unread: %w", err)
			}
			unread = append(unread, i)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, i := range unread {
			if i.ExpiresIn > 0 && i.ExpiresStartedAt == 0 {
				i.ExpiresStartedAt = nowMs
				started = append(started, i)
			}
			i.ReadAt = nowMs
			if _, err := tx.ExecContext(ctx, `
				UPDATE interactions SET read_at = ?, expires_started_at = ? WHERE id = ?
			`, i.ReadAt, i.ExpiresStartedAt, i.ID); err != nil {
				return fmt.Errorf("mark read %d: %w", i.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// DeleteExpiredInteractions removes every interaction whose running timer
// has passed nowMs. Returns the number deleted.
func (s *Store) DeleteExpiredInteractions(ctx context.Context, nowMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM interactions
		WHERE expires_in > 0 AND expires_started_at > 0
		  AND expires_started_at + expires_in * 1000 <= ?
	`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("delete expired interactions: %w", err)
	}
	return res.RowsAffected()
}

// NextExpiry returns the earliest pending expiry deadline in unix ms, or 0
// when no timer is running.
func (s *Store) NextExpiry(ctx context.Context) (int64, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(expires_started_at + expires_in * 1000) FROM interactions
		WHERE expires_in > 0 AND expires_started_at > 0
	`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next expiry: %w", err)
	}
	return next.Int64, nil
}

// InteractionsWithRunningTimers returns every interaction that has a server
// hash and a started timer, for reconciling against server expiries.
func (s *Store) InteractionsWithRunningTimers(ctx context.Context) ([]*Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, kind, body, server_hash, sent_at, read_at,
		       expires_in, expires_started_at, delivery_status, outgoing
		FROM interactions
		WHERE expires_in > 0 AND expires_started_at > 0 AND server_hash != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("query running timers: %w", err)
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SetInteractionExpiry overwrites the timer fields for one interaction.
func (s *Store) SetInteractionExpiry(ctx context.Context, id int64, expiresIn, startedAtMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET expires_in = ?, expires_started_at = ? WHERE id = ?
	`, expiresIn, startedAtMs, id)
	if err != nil {
		return fmt.Errorf("set expiry %d: %w", id, err)
	}
	return nil
}

// DeleteInteraction removes a single interaction.
func (s *Store) DeleteInteraction(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete interaction %d: %w", id, err)
	}
	return nil
}

// InteractionByHash returns the interaction stored under a server hash, or
// nil when none exists.
func (s *Store) InteractionByHash(ctx context.Context, serverHash string) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, kind, body, server_hash, sent_at, read_at,
		       expires_in, expires_started_at, delivery_status, outgoing
		FROM interactions WHERE server_hash = ?
	`, serverHash)
	i, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup interaction by hash: %w", err)
	}
	return i, nil
}

// HasInteractionWithHash reports whether a server hash is already stored,
// used for duplicate suppression on receive.
func (s *Store) HasInteractionWithHash(ctx context.Context, serverHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interactions WHERE server_hash = ?
	`, serverHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup hash: %w", err)
	}
	return n > 0, nil
}
