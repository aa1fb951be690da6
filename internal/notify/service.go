package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Notice is a broadcast message aimed at an audience.
type Notice struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Audience  string    `json:"audience"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is one recipient's copy of a notice, with read tracking.
type Notification struct {
	ID          string     `json:"id"`
	NoticeID    string     `json:"notice_id"`
	RecipientID string     `json:"recipient_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Store is the persistence surface the service needs.
type Store interface {
	InsertNotice(ctx context.Context, n Notice) error
	NoticeByID(ctx context.Context, id string) (*Notice, error)
	ListNotices(ctx context.Context) ([]Notice, error)
	InsertNotifications(ctx context.Context, ns []Notification) error
	ListForRecipient(ctx context.Context, recipientID string) ([]Notification, error)
	// MarkRead sets read_at on an unread notification; reports whether
	// a row changed.
	MarkRead(ctx context.Context, recipientID, notificationID string) (bool, error)
}

// Directory resolves an audience into recipients.
type Directory interface {
	ListIDsByRole(ctx context.Context, role string) ([]string, error)
	EmailsByIDs(ctx context.Context, ids []string) (map[string]string, error)
}

// Recipient is one fan-out target, resolved for mailing.
type Recipient struct {
	ID    string
	Email string
}

// Service publishes notices and fans them out to recipients.
type Service struct {
	store Store
	dir   Directory
}

// NewService creates a service.
func NewService(store Store, dir Directory) *Service {
	return &Service{store: store, dir: dir}
}

var audienceRole = map[string]string{
	"all":      "",
	"students": "student",
	"faculty":  "faculty",
}

// Publish records a notice. Fan-out happens separately (the worker
// picks the notice id off the queue) so the publish request stays fast.
func (s *Service) Publish(ctx context.Context, title, body, audience string) (Notice, error) {
	if title == "" || body == "" {
		return Notice{}, errors.New("title and body required")
	}
	if _, ok := audienceRole[audience]; !ok {
		return Notice{}, errors.New("audience must be all, students or faculty")
	}
	n := Notice{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Audience:  audience,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertNotice(ctx, n); err != nil {
		return Notice{}, err
	}
	return n, nil
}

// ListNotices returns all notices, newest first.
func (s *Service) ListNotices(ctx context.Context) ([]Notice, error) {
	return s.store.ListNotices(ctx)
}

// FanOut expands a published notice into one notification per
// recipient and returns the recipients so the caller can email them.
func (s *Service) FanOut(ctx context.Context, noticeID string) ([]Recipient, Notice, error) {
	n, err := s.store.NoticeByID(ctx, noticeID)
	if err != nil {
		return nil, Notice{}, err
	}
	if n == nil {
		return nil, Notice{}, errors.New("notice not found")
	}

	ids, err := s.dir.ListIDsByRole(ctx, audienceRole[n.Audience])
	if err != nil {
		return nil, Notice{}, err
	}
	if len(ids) == 0 {
		return nil, *n, nil
	}

	now := time.Now().UTC()
	ns := make([]Notification, 0, len(ids))
	for _, id := range ids {
		ns = append(ns, Notification{
			ID:          uuid.NewString(),
			NoticeID:    n.ID,
			RecipientID: id,
			CreatedAt:   now,
		})
	}
	if err := s.store.InsertNotifications(ctx, ns); err != nil {
		return nil, Notice{}, err
	}

	emails, err := s.dir.EmailsByIDs(ctx, ids)
	if err != nil {
		return nil, Notice{}, err
	}
	recipients := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		recipients = append(recipients, Recipient{ID: id, Email: emails[id]})
	}
	return recipients, *n, nil
}

// ListForRecipient returns the recipient's notifications, newest first.
func (s *Service) ListForRecipient(ctx context.Context, recipientID string) ([]Notification, error) {
	return s.store.ListForRecipient(ctx, recipientID)
}

// MarkRead records that a recipient saw a notification. Re-reading an
// already-read notification is a no-op, not an error.
func (s *Service) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	_, err := s.store.MarkRead(ctx, recipientID, notificationID)
	return err
}
