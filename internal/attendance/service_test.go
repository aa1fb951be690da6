package attendance

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	sessions []Session
	records  []Record
}

func (m *memStore) ReplaceSession(_ context.Context, sess Session) (Session, error) {
	kept := m.sessions[:0]
	for _, s := range m.sessions {
		if s.FacultyID != sess.FacultyID {
			kept = append(kept, s)
		}
	}
	m.sessions = append(kept, sess)
	return sess, nil
}

func (m *memStore) SessionByToken(_ context.Context, token string) (*Session, error) {
	for i := range m.sessions {
		if m.sessions[i].Token == token {
			return &m.sessions[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) SessionByFaculty(_ context.Context, facultyID string) (*Session, error) {
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if m.sessions[i].FacultyID == facultyID {
			return &m.sessions[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) HasRecord(_ context.Context, studentID, subject string, day time.Time) (bool, error) {
	for _, r := range m.records {
		if r.StudentID == studentID && r.Subject == subject && r.MarkedOn.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertRecord(ctx context.Context, rec Record) (bool, error) {
	if exists, _ := m.HasRecord(ctx, rec.StudentID, rec.Subject, rec.MarkedOn); exists {
		return false, nil
	}
	m.records = append(m.records, rec)
	return true, nil
}

func (m *memStore) ListRecords(_ context.Context, studentID string) ([]Record, error) {
	var res []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].StudentID == studentID {
			res = append(res, m.records[i])
		}
	}
	return res, nil
}

func newTestService(store *memStore) *Service {
	return NewService(store, time.Minute, 45*time.Second)
}

func TestStartSessionIssuesCodeAndPayload(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, err := svc.StartSession(ctx, "fac-1", "Lecture", "CS101")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(issued.Code) != 6 {
		t.Fatalf("code = %q, want 6 digits", issued.Code)
	}
	if issued.ExpiresAt.Before(time.Now().UTC()) {
		t.Fatalf("session already expired at issue: %v", issued.ExpiresAt)
	}

	p, err := DecodePayload(issued.QRData)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Code != issued.Code || p.Subject != "Lecture" || p.FacultyID != "fac-1" || p.Course != "CS101" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Nonce == "" {
		t.Fatal("payload nonce empty")
	}
}

// Scenario A: a student redeems a fresh code and one present-record lands.
func TestMarkWithCodeSucceeds(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, err := svc.StartSession(ctx, "fac-1", "Lecture", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	rec, err := svc.Mark(ctx, "stu-1", issued.Code, "")
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if rec.Subject != "Lecture" || rec.Status != "present" {
		t.Fatalf("record = %+v", rec)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	today := dayOf(time.Now().UTC())
	if !rec.MarkedOn.Equal(today) {
		t.Fatalf("marked on %v, want %v", rec.MarkedOn, today)
	}
}

func TestMarkUnknownCode(t *testing.T) {
	svc := newTestService(&memStore{})

	_, err := svc.Mark(context.Background(), "stu-1", "000000", "")
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
}

// P1 / Scenario B: a session at or past its expiry rejects the code.
func TestMarkExpiredSession(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, err := svc.StartSession(ctx, "fac-1", "Lecture", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	store.sessions[0].ExpiresAt = time.Now().UTC().Add(-time.Second)

	_, err = svc.Mark(ctx, "stu-1", issued.Code, "")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

// P2 / Scenario D: issuing a second session invalidates the first code
// even though the first session never expired.
func TestSupersessionInvalidatesOldCode(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	first, err := svc.StartSession(ctx, "fac-1", "Lecture", "")
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	second, err := svc.StartSession(ctx, "fac-1", "Lecture", "")
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if len(store.sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(store.sessions))
	}

	if first.Code != second.Code { // a collision would make the old code redeemable again
		if _, err := svc.Mark(ctx, "stu-1", first.Code, ""); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("stale code err = %v, want ErrSessionInvalid", err)
		}
	}
	if _, err := svc.Mark(ctx, "stu-2", second.Code, ""); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

// Supersession is per faculty; another faculty's session survives.
func TestSupersessionScopedToFaculty(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	a, _ := svc.StartSession(ctx, "fac-1", "Algebra", "")
	if _, err := svc.StartSession(ctx, "fac-2", "Physics", ""); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if _, err := svc.Mark(ctx, "stu-1", a.Code, ""); err != nil {
		t.Fatalf("fac-1 code should still redeem: %v", err)
	}
}

// P3 / Scenario C: second mark for the same student/subject/day fails.
func TestDuplicateMark(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, _ := svc.StartSession(ctx, "fac-1", "Lecture", "")
	if _, err := svc.Mark(ctx, "stu-1", issued.Code, ""); err != nil {
		t.Fatalf("first mark: %v", err)
	}

	// Same day, code path again.
	_, err := svc.Mark(ctx, "stu-1", issued.Code, "")
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("code path err = %v, want ErrAlreadyMarked", err)
	}

	// And via the QR path for the same subject.
	qr, _ := EncodePayload(Payload{
		Subject: "Lecture", FacultyID: "fac-1", Code: issued.Code,
		Timestamp: time.Now().UTC().Unix(), Nonce: "n",
	})
	_, err = svc.Mark(ctx, "stu-1", "", qr)
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("qr path err = %v, want ErrAlreadyMarked", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
}

// The duplicate guard races are closed at the insert: a store-level
// conflict surfaces as ErrAlreadyMarked, never as a second row.
func TestInsertConflictReportsAlreadyMarked(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, _ := svc.StartSession(ctx, "fac-1", "Lecture", "")
	today := dayOf(time.Now().UTC())
	// Simulate a concurrent mark landing between check and insert.
	store.records = append(store.records, Record{
		StudentID: "stu-1", Subject: "Lecture", Status: "present", MarkedOn: today,
	})

	_, err := svc.Mark(ctx, "stu-1", issued.Code, "")
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("err = %v, want ErrAlreadyMarked", err)
	}
}

func TestMarkWithFreshPayload(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, _ := svc.StartSession(ctx, "fac-1", "Lecture", "CS101")
	rec, err := svc.Mark(ctx, "stu-1", "", issued.QRData)
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if rec.Subject != "Lecture" {
		t.Fatalf("subject = %q", rec.Subject)
	}
}

// P4 / Scenario E: a stale payload is rejected on its own timestamp,
// even while the underlying session would still accept the raw code.
func TestStalePayloadRejectedWhileSessionLive(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	issued, _ := svc.StartSession(ctx, "fac-1", "Lecture", "")
	qr, _ := EncodePayload(Payload{
		Subject: "Lecture", FacultyID: "fac-1", Code: issued.Code,
		Timestamp: time.Now().UTC().Add(-50 * time.Second).Unix(), Nonce: "n",
	})

	_, err := svc.Mark(ctx, "stu-1", "", qr)
	if !errors.Is(err, ErrPayloadExpired) {
		t.Fatalf("err = %v, want ErrPayloadExpired", err)
	}

	// The session itself is still live for the manual code.
	if _, err := svc.Mark(ctx, "stu-1", issued.Code, ""); err != nil {
		t.Fatalf("manual code should still work: %v", err)
	}
}

func TestMalformedPayload(t *testing.T) {
	svc := newTestService(&memStore{})
	ctx := context.Background()

	for _, data := range []string{"not json", "{}", `{"code":"123456"}`} {
		_, err := svc.Mark(ctx, "stu-1", "", data)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("payload %q: err = %v, want ErrMalformedPayload", data, err)
		}
	}
}

func TestMarkRequiresExactlyOneCredential(t *testing.T) {
	svc := newTestService(&memStore{})
	ctx := context.Background()

	if _, err := svc.Mark(ctx, "stu-1", "", ""); err == nil {
		t.Fatal("expected error with neither code nor payload")
	}
	if _, err := svc.Mark(ctx, "stu-1", "123456", `{"code":"1","subject":"x"}`); err == nil {
		t.Fatal("expected error with both code and payload")
	}
}

// P5: listing is a pure read; repeated calls return identical results.
func TestListForStudentStableAndOrdered(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, subject := range []string{"Algebra", "Physics", "Chemistry"} {
		store.records = append(store.records, Record{
			ID: subject, StudentID: "stu-1", Subject: subject, Status: "present",
			MarkedOn: dayOf(base), MarkedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	store.records = append(store.records, Record{
		ID: "other", StudentID: "stu-2", Subject: "Algebra", Status: "present",
		MarkedOn: dayOf(base), MarkedAt: base,
	})

	first, err := svc.ListForStudent(ctx, "stu-1")
	if err != nil {
		t.Fatalf("ListForStudent: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("records = %d, want 3", len(first))
	}
	if first[0].Subject != "Chemistry" || first[2].Subject != "Algebra" {
		t.Fatalf("order = %q, %q, %q", first[0].Subject, first[1].Subject, first[2].Subject)
	}

	second, _ := svc.ListForStudent(ctx, "stu-1")
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("listing not stable at %d: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
}

func TestCurrentSession(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()

	if _, _, err := svc.CurrentSession(ctx, "fac-1"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("no session err = %v, want ErrSessionInvalid", err)
	}

	issued, _ := svc.StartSession(ctx, "fac-1", "Lecture", "")
	sess, qr, err := svc.CurrentSession(ctx, "fac-1")
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if sess.Token != issued.Code {
		t.Fatalf("token = %q, want %q", sess.Token, issued.Code)
	}
	if p, err := DecodePayload(qr); err != nil || p.Code != issued.Code {
		t.Fatalf("payload %+v, err %v", p, err)
	}

	store.sessions[0].ExpiresAt = time.Now().UTC().Add(-time.Second)
	if _, _, err := svc.CurrentSession(ctx, "fac-1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expired err = %v, want ErrSessionExpired", err)
	}
}
