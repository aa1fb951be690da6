package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsIssued counts attendance sessions issued by faculty.
	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campus_sessions_issued_total",
		Help: "Attendance sessions issued.",
	})

	// Marks counts marking attempts by outcome (ok, session_invalid,
	// session_expired, malformed_payload, payload_expired,
	// already_marked, error).
	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campus_attendance_marks_total",
		Help: "Attendance marking attempts by outcome.",
	}, []string{"outcome"})

	// NoticesPublished counts broadcast notices accepted for fan-out.
	NoticesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campus_notices_published_total",
		Help: "Notices published.",
	})

	// NotificationsFanned counts per-recipient notifications created by
	// the worker.
	NotificationsFanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campus_notifications_fanned_total",
		Help: "Per-recipient notifications created.",
	})
)
