package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Failure taxonomy for the marking flow. Handlers map these onto HTTP
// statuses and reason strings; anything else is a server error.
var (
	ErrSessionInvalid   = errors.New("no session matches that code")
	ErrSessionExpired   = errors.New("session has expired")
	ErrMalformedPayload = errors.New("qr payload is not readable")
	ErrPayloadExpired   = errors.New("qr payload is too old")
	ErrAlreadyMarked    = errors.New("attendance already marked today")
)

// Session is a time-boxed credential owned by one faculty member.
// Issuing a new session supersedes the owner's previous one. A session
// past ExpiresAt is unusable but may linger in storage undeleted.
type Session struct {
	ID        string    `json:"id"`
	FacultyID string    `json:"faculty_id"`
	Subject   string    `json:"subject"`
	Course    string    `json:"course"`
	Token     string    `json:"-"`
	Nonce     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Record is one student's presence for one subject on one day.
// Records are append-only; nothing ever mutates or deletes them.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	MarkedOn  time.Time `json:"marked_on"`
	MarkedAt  time.Time `json:"marked_at"`
}

// Store is the persistence surface the service needs.
type Store interface {
	// ReplaceSession atomically removes any sessions owned by
	// sess.FacultyID and inserts sess.
	ReplaceSession(ctx context.Context, sess Session) (Session, error)
	SessionByToken(ctx context.Context, token string) (*Session, error)
	SessionByFaculty(ctx context.Context, facultyID string) (*Session, error)
	HasRecord(ctx context.Context, studentID, subject string, day time.Time) (bool, error)
	// InsertRecord reports inserted=false when a record for the same
	// (student, subject, day) already exists.
	InsertRecord(ctx context.Context, rec Record) (inserted bool, err error)
	ListRecords(ctx context.Context, studentID string) ([]Record, error)
}

// Issued is what the faculty client receives back from StartSession.
type Issued struct {
	Code      string    `json:"code"`
	QRData    string    `json:"qr_data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service coordinates session issuance and attendance marking.
type Service struct {
	store       Store
	sessionTTL  time.Duration
	qrFreshness time.Duration
}

// NewService creates a service backed by a store.
func NewService(store Store, sessionTTL, qrFreshness time.Duration) *Service {
	if sessionTTL <= 0 {
		sessionTTL = 2 * time.Minute
	}
	if qrFreshness <= 0 {
		qrFreshness = 45 * time.Second
	}
	return &Service{store: store, sessionTTL: sessionTTL, qrFreshness: qrFreshness}
}

// StartSession supersedes any prior session for the faculty and issues
// a fresh one. Faculty clients call this repeatedly while a session is
// live; each call rotates the displayed code and QR.
func (s *Service) StartSession(ctx context.Context, facultyID, subject, course string) (Issued, error) {
	if facultyID == "" || subject == "" {
		return Issued{}, errors.New("faculty and subject required")
	}

	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		FacultyID: facultyID,
		Subject:   subject,
		Course:    course,
		Token:     newCode(),
		Nonce:     uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	sess, err := s.store.ReplaceSession(ctx, sess)
	if err != nil {
		return Issued{}, err
	}

	qr, err := EncodePayload(Payload{
		Course:    sess.Course,
		Subject:   sess.Subject,
		FacultyID: sess.FacultyID,
		Code:      sess.Token,
		Timestamp: sess.IssuedAt.Unix(),
		Nonce:     sess.Nonce,
	})
	if err != nil {
		return Issued{}, err
	}
	return Issued{Code: sess.Token, QRData: qr, ExpiresAt: sess.ExpiresAt}, nil
}

// CurrentSession returns the faculty's live session plus a re-encoded
// payload, for rendering the QR image server-side. Returns
// ErrSessionInvalid when the faculty has no session, ErrSessionExpired
// when the stored one is past its expiry.
func (s *Service) CurrentSession(ctx context.Context, facultyID string) (Session, string, error) {
	sess, err := s.store.SessionByFaculty(ctx, facultyID)
	if err != nil {
		return Session{}, "", err
	}
	if sess == nil {
		return Session{}, "", ErrSessionInvalid
	}
	if !time.Now().UTC().Before(sess.ExpiresAt) {
		return Session{}, "", ErrSessionExpired
	}
	qr, err := EncodePayload(Payload{
		Course:    sess.Course,
		Subject:   sess.Subject,
		FacultyID: sess.FacultyID,
		Code:      sess.Token,
		Timestamp: sess.IssuedAt.Unix(),
		Nonce:     sess.Nonce,
	})
	if err != nil {
		return Session{}, "", err
	}
	return *sess, qr, nil
}

// Mark redeems either a manual code or a scanned QR payload for the
// student. Exactly one of the two must be supplied.
func (s *Service) Mark(ctx context.Context, studentID, manualCode, qrData string) (Record, error) {
	if studentID == "" {
		return Record{}, errors.New("student required")
	}
	if (manualCode == "") == (qrData == "") {
		return Record{}, errors.New("provide exactly one of code or qr payload")
	}

	now := time.Now().UTC()
	var subject string

	switch {
	case manualCode != "":
		sess, err := s.store.SessionByToken(ctx, manualCode)
		if err != nil {
			return Record{}, err
		}
		if sess == nil {
			return Record{}, ErrSessionInvalid
		}
		if !now.Before(sess.ExpiresAt) {
			return Record{}, ErrSessionExpired
		}
		subject = sess.Subject

	default:
		// The QR path trusts the embedded timestamp alone: the payload
		// rotates far faster than the session itself, so freshness is
		// enforced against the scan, not the session row.
		p, err := DecodePayload(qrData)
		if err != nil {
			return Record{}, err
		}
		if p.Age(now) > s.qrFreshness {
			return Record{}, ErrPayloadExpired
		}
		subject = p.Subject
	}

	day := dayOf(now)
	exists, err := s.store.HasRecord(ctx, studentID, subject, day)
	if err != nil {
		return Record{}, err
	}
	if exists {
		return Record{}, ErrAlreadyMarked
	}

	rec := Record{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Subject:   subject,
		Status:    "present",
		MarkedOn:  day,
		MarkedAt:  now,
	}
	inserted, err := s.store.InsertRecord(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	if !inserted {
		// Lost the race with a concurrent mark; same outcome for the caller.
		return Record{}, ErrAlreadyMarked
	}
	return rec, nil
}

// ListForStudent returns the student's records, most recent first.
func (s *Service) ListForStudent(ctx context.Context, studentID string) ([]Record, error) {
	if studentID == "" {
		return nil, errors.New("student required")
	}
	return s.store.ListRecords(ctx, studentID)
}

// newCode draws a 6-digit numeric session code.
func newCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		n = big.NewInt(time.Now().UnixNano() % 1_000_000)
	}
	return fmt.Sprintf("%06d", n)
}

// dayOf truncates t to day granularity in UTC.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
