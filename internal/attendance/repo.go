package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists sessions and records in Postgres.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ReplaceSession deletes the faculty's prior sessions and inserts the
// new one in a single transaction, so pollers never observe the gap
// between supersession and re-issue.
func (r *Repository) ReplaceSession(ctx context.Context, sess Session) (Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attendance_sessions WHERE faculty_id = $1
	`, sess.FacultyID); err != nil {
		return Session{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, faculty_id, subject, course, token, nonce, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sess.ID, sess.FacultyID, sess.Subject, sess.Course, sess.Token, sess.Nonce, sess.IssuedAt, sess.ExpiresAt); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SessionByToken finds the session carrying a manual-entry code.
func (r *Repository) SessionByToken(ctx context.Context, token string) (*Session, error) {
	return r.scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, faculty_id, subject, course, token, nonce, issued_at, expires_at
		FROM attendance_sessions WHERE token = $1
	`, token))
}

// SessionByFaculty finds the faculty's current session, if any.
func (r *Repository) SessionByFaculty(ctx context.Context, facultyID string) (*Session, error) {
	return r.scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, faculty_id, subject, course, token, nonce, issued_at, expires_at
		FROM attendance_sessions WHERE faculty_id = $1
		ORDER BY issued_at DESC LIMIT 1
	`, facultyID))
}

func (r *Repository) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.FacultyID, &sess.Subject, &sess.Course, &sess.Token, &sess.Nonce, &sess.IssuedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// HasRecord reports whether the student already has a record for the
// subject on the given day.
func (r *Repository) HasRecord(ctx context.Context, studentID, subject string, day time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records
			WHERE student_id = $1 AND subject = $2 AND marked_on = $3
		)
	`, studentID, subject, day).Scan(&exists)
	return exists, err
}

// InsertRecord writes a record; the unique index on
// (student_id, subject, marked_on) makes a concurrent duplicate a
// no-op rather than a second row.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, student_id, subject, status, marked_on, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (student_id, subject, marked_on) DO NOTHING
	`, rec.ID, rec.StudentID, rec.Subject, rec.Status, rec.MarkedOn, rec.MarkedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRecords returns the student's records, most recent first.
func (r *Repository) ListRecords(ctx context.Context, studentID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, subject, status, marked_on, marked_at
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY marked_at DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Subject, &rec.Status, &rec.MarkedOn, &rec.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
