package telemetry

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
)

// maxFields caps how many systemInfo values one heartbeat can turn into
// fields, so a chatty agent cannot blow up series cardinality.
const maxFields = 64

// fieldSeparator joins nested systemInfo keys.
const fieldSeparator = "_"

// Writer is where points go. *influxdb.Client satisfies it.
type Writer interface {
	WriteHeartbeat(deviceID string, fields map[string]interface{}, ts time.Time)
	WriteStatus(deviceID, status, reason string, ts time.Time)
}

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

// deviceState is what the recorder remembers about a device between events.
type deviceState struct {
	status   string
	lastSeen time.Time
}

// Recorder turns registry events into telemetry points.
type Recorder struct {
	writer Writer
	logger Logger

	mu      sync.Mutex
	devices map[string]deviceState
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{
		writer:  w,
		logger:  noopLogger{},
		devices: make(map[string]deviceState),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Run consumes obs until ctx is done or the observer is closed.
func (r *Recorder) Run(ctx context.Context, obs *broadcast.Observer) error {
	return obs.Run(ctx, r.Record)
}

// Record writes the points ev implies.
func (r *Recorder) Record(ev broadcast.Event) {
	r.mu.Lock()
	prev, known := r.devices[ev.ID]
	if ev.Type == broadcast.EventDeviceRemoved {
		delete(r.devices, ev.ID)
		r.mu.Unlock()
		return
	}

	next := deviceState{status: ev.Status, lastSeen: prev.lastSeen}
	newBeat := ev.LastSeen != nil && ev.LastSeen.After(prev.lastSeen)
	if newBeat {
		next.lastSeen = *ev.LastSeen
	}
	r.devices[ev.ID] = next
	r.mu.Unlock()

	if !known || prev.status != ev.Status {
		r.writer.WriteStatus(ev.ID, ev.Status, ev.Reason, ev.Timestamp)
	}

	if !newBeat {
		return
	}
	fields := NumericFields(ev.SystemInfo)
	if len(fields) == 0 {
		return
	}
	r.writer.WriteHeartbeat(ev.ID, fields, *ev.LastSeen)
	r.logger.Debug("heartbeat telemetry written", "device_id", ev.ID, "fields", len(fields))
}

// NumericFields flattens the numeric and boolean values of info into point
// fields. Nested objects contribute "parent_child" keys; arrays, strings,
// NaN and infinities are skipped. At most maxFields are returned, chosen
// by key order so the selection is stable.
func NumericFields(info map[string]any) map[string]interface{} {
	if len(info) == 0 {
		return nil
	}
	all := make(map[string]interface{})
	flatten("", info, all)
	if len(all) <= maxFields {
		return all
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	capped := make(map[string]interface{}, maxFields)
	for _, k := range keys[:maxFields] {
		capped[k] = all[k]
	}
	return capped
}

func flatten(prefix string, in map[string]any, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + fieldSeparator + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case float64:
			if !math.IsNaN(val) && !math.IsInf(val, 0) {
				out[key] = val
			}
		case float32:
			out[key] = float64(val)
		case int:
			out[key] = int64(val)
		case int64:
			out[key] = val
		case json.Number:
			if f, err := val.Float64(); err == nil {
				out[key] = f
			}
		case bool:
			out[key] = val
		}
	}
}
