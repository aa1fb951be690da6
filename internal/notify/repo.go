package notify

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists notices and notifications in Postgres.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertNotice writes a notice.
func (r *Repository) InsertNotice(ctx context.Context, n Notice) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notices (id, title, body, audience, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, n.ID, n.Title, n.Body, n.Audience, n.CreatedAt)
	return err
}

// NoticeByID returns a single notice.
func (r *Repository) NoticeByID(ctx context.Context, id string) (*Notice, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, body, audience, created_at FROM notices WHERE id = $1
	`, id)
	var n Notice
	if err := row.Scan(&n.ID, &n.Title, &n.Body, &n.Audience, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// ListNotices returns all notices, newest first.
func (r *Repository) ListNotices(ctx context.Context) ([]Notice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, body, audience, created_at
		FROM notices ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Notice
	for rows.Next() {
		var n Notice
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Audience, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// InsertNotifications writes the fan-out rows in one transaction; the
// unique index on (notice_id, recipient_id) makes a re-run of the same
// fan-out idempotent.
func (r *Repository) InsertNotifications(ctx context.Context, ns []Notification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, n := range ns {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, notice_id, recipient_id, created_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (notice_id, recipient_id) DO NOTHING
		`, n.ID, n.NoticeID, n.RecipientID, n.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListForRecipient returns the recipient's notifications joined with
// their notice content, newest first.
func (r *Repository) ListForRecipient(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT nf.id, nf.notice_id, nf.recipient_id, n.title, n.body, nf.read_at, nf.created_at
		FROM notifications nf
		JOIN notices n ON n.id = nf.notice_id
		WHERE nf.recipient_id = $1
		ORDER BY nf.created_at DESC
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.NoticeID, &n.RecipientID, &n.Title, &n.Body, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkRead stamps read_at on an unread notification owned by the recipient.
func (r *Repository) MarkRead(ctx context.Context, recipientID, notificationID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL
	`, notificationID, recipientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
