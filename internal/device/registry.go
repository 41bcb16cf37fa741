package device

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
)

// maxIssueAttempts bounds how often Create asks the issuer for a fresh ID
// when the previous one is already registered.
const maxIssueAttempts = 3

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher receives every committed registry change.
// *broadcast.Broadcaster satisfies it. Publish must not block.
type Publisher interface {
	Publish(ev broadcast.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(broadcast.Event) {}

// Registry owns the authoritative device map.
//
// Mutations happen under mu and are then persisted under saveMu. The
// persist step re-reads the newest record rather than writing the copy
// taken during the mutation, so concurrent writers can finish in any order
// and the store still ends up holding the latest state.
//
// All public methods are thread-safe.
type Registry struct {
	store Store

	mu        sync.RWMutex // Protects devices and deadlines
	devices   map[string]*Device
	deadlines *deadlineQueue

	saveMu sync.Mutex // Serialises store writes

	pendingMu sync.Mutex
	pending   map[string]struct{} // IDs whose last store write failed

	issuer    Issuer
	publisher Publisher
	logger    Logger
	now       func() time.Time
}

// NewRegistry creates a registry over store. Call Load before serving.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:     store,
		devices:   make(map[string]*Device),
		deadlines: newDeadlineQueue(),
		pending:   make(map[string]struct{}),
		issuer:    TokenIssuer{},
		publisher: noopPublisher{},
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetPublisher sets where change events are sent.
func (r *Registry) SetPublisher(p Publisher) {
	r.publisher = p
}

// SetIssuer replaces the credential issuer.
func (r *Registry) SetIssuer(issuer Issuer) {
	r.issuer = issuer
}

// SetClock replaces the time source. Tests use it to drive liveness.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load replaces the in-memory map with the store's contents. ONLINE devices
// get a deadline from their last heartbeat so a restart does not keep dead
// devices ONLINE.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	r.deadlines = newDeadlineQueue()
	for id, d := range devices {
		r.devices[id] = d.DeepCopy()
		if d.Status == StatusOnline {
			at := d.CreatedAt
			if d.LastHeartbeatAt != nil {
				at = *d.LastHeartbeatAt
			}
			r.deadlines.set(id, at)
		}
	}

	r.logger.Info("device registry loaded", "count", len(devices))
	return nil
}

// Create registers a new device in WAITING_FOR_AGENT and returns the full
// record, including the token. This is the only time the token is handed out.
//
// If the record cannot be persisted the registration is rolled back: the
// caller never sees the token, so keeping the device would strand it.
func (r *Registry) Create(ctx context.Context, meta Metadata) (*Device, error) {
	meta = meta.Normalize()
	if err := ValidateMetadata(meta); err != nil {
		return nil, err
	}

	now := r.now().UTC()

	r.mu.Lock()
	var creds Credentials
	for attempt := 0; ; attempt++ {
		if attempt == maxIssueAttempts {
			r.mu.Unlock()
			return nil, ErrIDCollision
		}
		creds = r.issuer.Issue()
		if _, taken := r.devices[creds.ID]; !taken {
			break
		}
		r.logger.Warn("issued device id already registered, retrying", "device_id", creds.ID)
	}

	d := &Device{
		ID:            creds.ID,
		AuthToken:     creds.Token,
		Status:        StatusWaiting,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Metadata:      meta,
	}
	r.devices[d.ID] = d
	created := d.DeepCopy()
	r.mu.Unlock()

	if err := r.persist(ctx, d.ID, broadcast.EventDeviceCreated, nil); err != nil {
		r.mu.Lock()
		if cur, ok := r.devices[d.ID]; ok && cur == d {
			delete(r.devices, d.ID)
		}
		r.mu.Unlock()
		r.clearPending(d.ID)
		r.logger.Error("device registration not persisted", "device_id", d.ID, "error", err)
		return nil, err
	}

	r.logger.Info("device registered", "device_id", d.ID, "name", meta.Name)
	return created, nil
}

// Authenticate checks token against the device's issued token.
//
// Returns ErrDeviceNotFound for an unknown ID and ErrInvalidCredentials for
// a wrong token. The returned device is redacted.
func (r *Registry) Authenticate(id, token string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if !tokenMatches(d.AuthToken, token) {
		return nil, ErrInvalidCredentials
	}
	return d.Redacted(), nil
}

// Heartbeat records a liveness signal from the device.
//
// On success the device is ONLINE, its last heartbeat is max(previous, now)
// and SystemInfo is replaced when the beat carries one. A shutdown hint
// moves an ONLINE or OFFLINE device to OFFLINE; a device still waiting for
// its agent takes the first-heartbeat edge to ONLINE instead. A rejected
// heartbeat changes nothing.
//
// A persistence failure keeps the in-memory change, queues the record for
// RetryPending and returns an error wrapping ErrPersistence.
func (r *Registry) Heartbeat(ctx context.Context, id, token string, beat Beat) (*Device, error) {
	now := r.now().UTC()

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}
	if !tokenMatches(d.AuthToken, token) {
		r.mu.Unlock()
		return nil, ErrInvalidCredentials
	}

	prevStatus := d.Status
	if d.LastHeartbeatAt == nil || now.After(*d.LastHeartbeatAt) {
		t := now
		d.LastHeartbeatAt = &t
	}
	if beat.SystemInfo != nil {
		d.SystemInfo = deepCopyMap(beat.SystemInfo)
	}
	if beat.Shutdown() && prevStatus != StatusWaiting {
		d.Status = StatusOffline
		d.OfflineReason = ReasonAgentShutdown
		r.deadlines.remove(id)
	} else {
		d.Status = StatusOnline
		d.OfflineReason = ""
		r.deadlines.set(id, *d.LastHeartbeatAt)
	}
	d.LastUpdatedAt = now
	updated := d.Redacted()
	r.mu.Unlock()

	if prevStatus != updated.Status {
		r.logger.Info("device status changed", "device_id", id, "from", prevStatus, "to", updated.Status)
	}

	if err := r.persist(ctx, id, broadcast.EventDeviceUpdate, nil); err != nil {
		r.logger.Error("heartbeat not persisted", "device_id", id, "error", err)
		return nil, err
	}
	return updated, nil
}

// MarkOffline demotes an ONLINE device to OFFLINE. It is used by the
// liveness sweeper and needs no token.
//
// observedHeartbeat is the heartbeat time the caller saw when it decided
// the device expired. If the device has heartbeated since, nothing changes.
// A zero observedHeartbeat skips that check.
//
// Returns false without error when the device is gone, not ONLINE, or has
// heartbeated since.
func (r *Registry) MarkOffline(ctx context.Context, id, reason string, observedHeartbeat time.Time) (bool, error) {
	now := r.now().UTC()

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok || d.Status != StatusOnline {
		r.mu.Unlock()
		return false, nil
	}
	if !observedHeartbeat.IsZero() && d.LastHeartbeatAt != nil && d.LastHeartbeatAt.After(observedHeartbeat) {
		r.mu.Unlock()
		return false, nil
	}

	d.Status = StatusOffline
	d.OfflineReason = reason
	d.LastUpdatedAt = now
	r.deadlines.remove(id)
	r.mu.Unlock()

	r.logger.Info("device status changed", "device_id", id, "from", StatusOnline, "to", StatusOffline, "reason", reason)

	return true, r.persist(ctx, id, broadcast.EventDeviceUpdate, nil)
}

// Expired removes and returns the ONLINE devices whose last heartbeat is
// strictly before cutoff, oldest first. The caller is expected to pass
// each one to MarkOffline.
func (r *Registry) Expired(cutoff time.Time) []Expiry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadlines.popBefore(cutoff)
}

// List returns every device, newest first (ties broken by ID), with
// credentials removed.
func (r *Registry) List() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d.Redacted())
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if !devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].CreatedAt.After(devices[j].CreatedAt)
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// Get returns one device with credentials removed.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.Redacted(), nil
}

// Delete permanently removes a device. Its token stops working immediately.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(r.devices, id)
	r.deadlines.remove(id)
	removed := d.Redacted()
	r.mu.Unlock()

	r.logger.Info("device deleted", "device_id", id)

	return r.persist(ctx, id, broadcast.EventDeviceRemoved, removed)
}

// RetryPending re-persists every record whose last write failed.
func (r *Registry) RetryPending(ctx context.Context) error {
	r.pendingMu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.pendingMu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := r.persist(ctx, id, "", nil); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.logger.Info("pending device writes flushed", "count", len(ids))
	return nil
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Stats counts devices by status.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{Total: len(r.devices)}
	for _, d := range r.devices {
		switch d.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusOnline:
			s.Online++
		case StatusOffline:
			s.Offline++
		}
	}
	r.mu.RUnlock()

	r.pendingMu.Lock()
	s.PendingWrites = len(r.pending)
	r.pendingMu.Unlock()
	return s
}

// persist writes the newest state of id to the store, or deletes it there
// if the device is gone. The registry lock is held only to copy the record.
//
// When kind is set, the event is published from the same snapshot while
// saveMu is still held, so observers see events in write order. A failed
// create publishes nothing; other kinds publish regardless of the store
// error, since the in-memory change stands. removed is the record reported
// for a removal, when the device is no longer in the map.
func (r *Registry) persist(ctx context.Context, id string, kind broadcast.EventType, removed *Device) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	d, ok := r.devices[id]
	var snapshot *Device
	if ok {
		snapshot = d.DeepCopy()
	}
	r.mu.RUnlock()

	var err error
	if ok {
		err = r.store.Upsert(ctx, snapshot)
	} else {
		err = r.store.Delete(ctx, id)
	}

	r.pendingMu.Lock()
	if err != nil {
		r.pending[id] = struct{}{}
	} else {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()

	switch {
	case kind == "" || (kind == broadcast.EventDeviceCreated && err != nil):
	case ok:
		r.publish(kind, snapshot.Redacted())
	case kind == broadcast.EventDeviceRemoved && removed != nil:
		r.publish(kind, removed)
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (r *Registry) clearPending(id string) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

func (r *Registry) publish(kind broadcast.EventType, d *Device) {
	r.publisher.Publish(d.Event(kind, r.now().UTC()))
}

// tokenMatches compares in constant time for equal-length inputs.
func tokenMatches(issued, presented string) bool {
	if issued == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(issued), []byte(presented)) == 1
}
