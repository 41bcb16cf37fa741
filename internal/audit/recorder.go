package audit

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
)

// Audit actions and entity type written by the Recorder.
const (
	ActionCreate       = "create"
	ActionDelete       = "delete"
	ActionStatusChange = "status_change"

	EntityDevice = "device"

	// SourceRegistry marks entries derived from registry events.
	SourceRegistry = "registry"
)

// writeTimeout bounds a single audit insert.
const writeTimeout = 5 * time.Second

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder turns registry events into audit entries.
type Recorder struct {
	repo   Repository
	logger Logger

	mu         sync.Mutex
	lastStatus map[string]string
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:       repo,
		logger:     noopLogger{},
		lastStatus: make(map[string]string),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Run consumes obs until ctx is done or the observer is closed.
func (r *Recorder) Run(ctx context.Context, obs *broadcast.Observer) error {
	return obs.Run(ctx, func(ev broadcast.Event) {
		r.Record(ctx, ev)
	})
}

// Record writes ev to the trail if it is worth keeping.
func (r *Recorder) Record(ctx context.Context, ev broadcast.Event) {
	entry := r.entryFor(ev)
	if entry == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.repo.Create(writeCtx, entry); err != nil {
		r.logger.Error("writing audit entry failed", "action", entry.Action, "device_id", ev.ID, "error", err)
	}
}

// entryFor maps an event to an audit entry, or nil when nothing changed
// that the trail cares about.
func (r *Recorder) entryFor(ev broadcast.Event) *AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &AuditLog{
		EntityType: EntityDevice,
		EntityID:   ev.ID,
		Source:     SourceRegistry,
		CreatedAt:  ev.Timestamp,
		Details:    map[string]any{"status": ev.Status},
	}

	switch ev.Type {
	case broadcast.EventDeviceCreated:
		r.lastStatus[ev.ID] = ev.Status
		entry.Action = ActionCreate

	case broadcast.EventDeviceRemoved:
		delete(r.lastStatus, ev.ID)
		entry.Action = ActionDelete

	case broadcast.EventDeviceUpdate:
		prev, known := r.lastStatus[ev.ID]
		r.lastStatus[ev.ID] = ev.Status
		if known && prev == ev.Status {
			return nil
		}
		entry.Action = ActionStatusChange
		if known {
			entry.Details["from"] = prev
		}
		if ev.Reason != "" {
			entry.Details["reason"] = ev.Reason
		}

	default:
		return nil
	}

	return entry
}
