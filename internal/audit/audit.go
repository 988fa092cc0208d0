// Package audit records security events to the append-only trail. Writes are
// best-effort: a failed write must never block login, logout, or any other
// primary flow, so errors are swallowed here and surfaced through logs and
// metrics instead.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"labauth/internal/domain"
	"labauth/internal/observability/metrics"
)

type appender interface {
	Append(ctx context.Context, e *domain.AuditLogEntry) error
}

type Event struct {
	UserID    *domain.UserID
	IP        string
	UserAgent string
	Details   map[string]any
}

type Recorder struct {
	store appender
	now   func() time.Time
}

func NewRecorder(store appender) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, action domain.AuditAction, ev Event) {
	var details []byte
	if len(ev.Details) > 0 {
		var err error
		if details, err = json.Marshal(ev.Details); err != nil {
			slog.Warn("audit details marshal failed", "action", action, "error", err)
			details = nil
		}
	}
	entry := &domain.AuditLogEntry{
		UserID:    ev.UserID,
		Action:    action,
		IP:        ev.IP,
		UserAgent: ev.UserAgent,
		Details:   details,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Append(ctx, entry); err != nil {
		metrics.AuditWriteFailuresTotal.WithLabelValues().Inc()
		slog.Error("audit write failed", "action", action, "error", err)
	}
}
