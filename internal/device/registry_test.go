package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
)

// MockStore is a test Store with error injection.
type MockStore struct {
	mu      sync.Mutex
	devices map[string]*Device
	upserts int

	loadErr   error
	upsertErr error
	deleteErr error

	// upsertGate, when set, parks the next Upsert until it is closed.
	// upsertEntered is signalled once the parked Upsert has started.
	upsertGate    chan struct{}
	upsertEntered chan struct{}
}

func NewMockStore() *MockStore {
	return &MockStore{devices: make(map[string]*Device)}
}

func (m *MockStore) Load(_ context.Context) (map[string]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return copyDevices(m.devices), nil
}

func (m *MockStore) Save(_ context.Context, devices map[string]*Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = copyDevices(devices)
	return nil
}

func (m *MockStore) Upsert(_ context.Context, d *Device) error {
	m.mu.Lock()
	gate, entered := m.upsertGate, m.upsertEntered
	m.upsertGate, m.upsertEntered = nil, nil
	m.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *MockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.devices, id)
	return nil
}

// holdNextUpsert parks the next Upsert. It returns a channel closed when
// that Upsert starts and a release func.
func (m *MockStore) holdNextUpsert() (<-chan struct{}, func()) {
	gate, entered := make(chan struct{}), make(chan struct{})
	m.mu.Lock()
	m.upsertGate, m.upsertEntered = gate, entered
	m.mu.Unlock()
	return entered, func() { close(gate) }
}

func (m *MockStore) setUpsertErr(err error) {
	m.mu.Lock()
	m.upsertErr = err
	m.mu.Unlock()
}

func (m *MockStore) get(id string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d.DeepCopy(), ok
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (p *recordingPublisher) Publish(ev broadcast.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) last() broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fixedIssuer always returns the same credentials.
type fixedIssuer struct{ creds Credentials }

func (f fixedIssuer) Issue() Credentials { return f.creds }

type testEnv struct {
	reg   *Registry
	store *MockStore
	clock *fakeClock
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: NewMockStore(),
		clock: newFakeClock(),
		pub:   &recordingPublisher{},
	}
	env.reg = NewRegistry(env.store)
	env.reg.SetClock(env.clock.Now)
	env.reg.SetPublisher(env.pub)
	if err := env.reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return env
}

func (e *testEnv) create(t *testing.T, name string) *Device {
	t.Helper()
	d, err := e.reg.Create(context.Background(), Metadata{Name: name})
	if err != nil {
		t.Fatalf("Create(%q) error = %v", name, err)
	}
	return d
}

func (e *testEnv) beat(t *testing.T, d *Device, beat Beat) *Device {
	t.Helper()
	got, err := e.reg.Heartbeat(context.Background(), d.ID, d.AuthToken, beat)
	if err != nil {
		t.Fatalf("Heartbeat(%s) error = %v", d.ID, err)
	}
	return got
}

func TestRegistry_Create(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.reg.Create(context.Background(), Metadata{Name: "  rack-7 sensor ", Location: "dc-2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if d.Status != StatusWaiting {
		t.Errorf("Status = %s, want %s", d.Status, StatusWaiting)
	}
	if len(d.AuthToken) != 2*tokenBytes {
		t.Errorf("token length = %d, want %d", len(d.AuthToken), 2*tokenBytes)
	}
	if d.LastHeartbeatAt != nil {
		t.Error("LastHeartbeatAt should be nil before the first heartbeat")
	}
	if d.Metadata.Name != "rack-7 sensor" {
		t.Errorf("Metadata.Name = %q, want trimmed name", d.Metadata.Name)
	}
	if !d.CreatedAt.Equal(env.clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", d.CreatedAt, env.clock.Now())
	}

	stored, ok := env.store.get(d.ID)
	if !ok {
		t.Fatal("device was not persisted")
	}
	if stored.AuthToken != d.AuthToken {
		t.Error("persisted token differs from issued token")
	}

	ev := env.pub.last()
	if ev.Type != broadcast.EventDeviceCreated || ev.ID != d.ID {
		t.Errorf("event = %+v, want device-created for %s", ev, d.ID)
	}
}

func TestRegistry_Create_InvalidMetadata(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		meta Metadata
	}{
		{"empty name", Metadata{}},
		{"blank name", Metadata{Name: "   "}},
		{"name too long", Metadata{Name: string(make([]byte, MaxNameLength+1))}},
		{"description too long", Metadata{Name: "ok", Description: fmt.Sprintf("%0*d", MaxDescriptionLength+1, 0)}},
		{"invalid utf8", Metadata{Name: "ok", Owner: "\xff\xfe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reg.Create(context.Background(), tt.meta)
			if !errors.Is(err, ErrInvalidMetadata) {
				t.Errorf("Create() error = %v, want ErrInvalidMetadata", err)
			}
		})
	}

	if env.reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after rejected creates", env.reg.Count())
	}
}

func TestRegistry_Create_PersistenceFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.store.setUpsertErr(errors.New("disk full"))

	_, err := env.reg.Create(context.Background(), Metadata{Name: "doomed"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Create() error = %v, want ErrPersistence", err)
	}
	if env.reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after rollback", env.reg.Count())
	}
	if env.reg.Stats().PendingWrites != 0 {
		t.Error("rolled back create should not leave a pending write")
	}
	if env.pub.count() != 0 {
		t.Error("rolled back create should not publish")
	}
}

func TestRegistry_Create_IDCollision(t *testing.T) {
	env := newTestEnv(t)
	env.reg.SetIssuer(fixedIssuer{Credentials{ID: "dev-fixed", Token: "t0k3n"}})

	if _, err := env.reg.Create(context.Background(), Metadata{Name: "first"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := env.reg.Create(context.Background(), Metadata{Name: "second"}); !errors.Is(err, ErrIDCollision) {
		t.Fatalf("second Create() error = %v, want ErrIDCollision", err)
	}
	if env.reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", env.reg.Count())
	}
}

func TestRegistry_Create_ConcurrentIdenticalMetadata(t *testing.T) {
	env := newTestEnv(t)

	const n = 200
	results := make([]*Device, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := env.reg.Create(context.Background(), Metadata{Name: "same"})
			if err != nil {
				t.Errorf("Create() error = %v", err)
				return
			}
			results[i] = d
		}()
	}
	wg.Wait()

	ids := make(map[string]bool, n)
	tokens := make(map[string]bool, n)
	for _, d := range results {
		if d == nil {
			continue
		}
		if ids[d.ID] {
			t.Errorf("duplicate id %s", d.ID)
		}
		if tokens[d.AuthToken] {
			t.Errorf("duplicate token for %s", d.ID)
		}
		ids[d.ID] = true
		tokens[d.AuthToken] = true
	}
	if env.reg.Count() != n {
		t.Errorf("Count() = %d, want %d", env.reg.Count(), n)
	}
}

func TestRegistry_Heartbeat_StateMachine(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "sensor")

	env.clock.Advance(time.Second)
	got := env.beat(t, d, Beat{SystemInfo: map[string]any{"cpu": 12.5}})
	if got.Status != StatusOnline {
		t.Fatalf("Status = %s, want ONLINE", got.Status)
	}
	if got.AuthToken != "" {
		t.Error("Heartbeat result must not carry the token")
	}
	if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(env.clock.Now()) {
		t.Errorf("LastHeartbeatAt = %v, want %v", got.LastHeartbeatAt, env.clock.Now())
	}

	// Omitted systemInfo keeps the previous snapshot.
	env.clock.Advance(time.Second)
	got = env.beat(t, d, Beat{})
	if got.SystemInfo["cpu"] != 12.5 {
		t.Errorf("SystemInfo = %v, want previous snapshot kept", got.SystemInfo)
	}

	// Status hints other than "offline" are ignored.
	got = env.beat(t, d, Beat{Status: "WAITING_FOR_AGENT"})
	if got.Status != StatusOnline {
		t.Errorf("Status = %s, want ONLINE (hint ignored)", got.Status)
	}

	ev := env.pub.last()
	if ev.Type != broadcast.EventDeviceUpdate || ev.Status != string(StatusOnline) {
		t.Errorf("event = %+v, want device-update ONLINE", ev)
	}
}

func TestRegistry_Heartbeat_NeverMovesBackwards(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "sensor")

	first := env.beat(t, d, Beat{})
	env.clock.Advance(-time.Minute)
	second := env.beat(t, d, Beat{})

	if !second.LastHeartbeatAt.Equal(*first.LastHeartbeatAt) {
		t.Errorf("LastHeartbeatAt moved from %v to %v", first.LastHeartbeatAt, second.LastHeartbeatAt)
	}
}

func TestRegistry_Heartbeat_Rejected(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "sensor")
	env.beat(t, d, Beat{SystemInfo: map[string]any{"load": 1.0}})
	before, _ := env.reg.Get(d.ID)
	events := env.pub.count()

	env.clock.Advance(5 * time.Second)

	tests := []struct {
		name    string
		id      string
		token   string
		wantErr error
	}{
		{"wrong token", d.ID, "not-the-token", ErrInvalidCredentials},
		{"empty token", d.ID, "", ErrInvalidCredentials},
		{"unknown device", "dev-unknown", d.AuthToken, ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reg.Heartbeat(context.Background(), tt.id, tt.token,
				Beat{SystemInfo: map[string]any{"load": 99.0}, Status: "offline"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Heartbeat() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	after, _ := env.reg.Get(d.ID)
	if after.Status != before.Status {
		t.Errorf("Status changed from %s to %s", before.Status, after.Status)
	}
	if !after.LastHeartbeatAt.Equal(*before.LastHeartbeatAt) {
		t.Error("LastHeartbeatAt changed on rejected heartbeat")
	}
	if after.SystemInfo["load"] != 1.0 {
		t.Errorf("SystemInfo changed on rejected heartbeat: %v", after.SystemInfo)
	}
	if env.pub.count() != events {
		t.Error("rejected heartbeat published an event")
	}
}

func TestRegistry_Heartbeat_ShutdownHint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("from online", func(t *testing.T) {
		d := env.create(t, "online")
		env.beat(t, d, Beat{})
		got := env.beat(t, d, Beat{Status: "offline"})
		if got.Status != StatusOffline || got.OfflineReason != ReasonAgentShutdown {
			t.Errorf("got %s/%s, want OFFLINE/agent_shutdown", got.Status, got.OfflineReason)
		}
		if n := len(env.reg.Expired(env.clock.Now().Add(time.Hour))); n != 0 {
			t.Errorf("shut down device still has a deadline (%d expired)", n)
		}
	})

	t.Run("from offline", func(t *testing.T) {
		d := env.create(t, "timed out")
		hb := env.beat(t, d, Beat{})
		if _, err := env.reg.MarkOffline(context.Background(), d.ID, ReasonHeartbeatTimeout, *hb.LastHeartbeatAt); err != nil {
			t.Fatalf("MarkOffline() error = %v", err)
		}
		got := env.beat(t, d, Beat{Status: "offline"})
		if got.Status != StatusOffline || got.OfflineReason != ReasonAgentShutdown {
			t.Errorf("got %s/%s, want OFFLINE/agent_shutdown", got.Status, got.OfflineReason)
		}
	})

	t.Run("from waiting takes the first-heartbeat edge", func(t *testing.T) {
		d := env.create(t, "waiting")
		got := env.beat(t, d, Beat{Status: " OFFLINE "})
		if got.Status != StatusOnline || got.OfflineReason != "" {
			t.Errorf("got %s/%q, want ONLINE with no reason", got.Status, got.OfflineReason)
		}
		if got.LastHeartbeatAt == nil {
			t.Error("shutdown heartbeat should still record LastHeartbeatAt")
		}

		// A second shutdown beat now demotes it.
		got = env.beat(t, d, Beat{Status: "offline"})
		if got.Status != StatusOffline || got.OfflineReason != ReasonAgentShutdown {
			t.Errorf("got %s/%s, want OFFLINE/agent_shutdown", got.Status, got.OfflineReason)
		}
	})

	t.Run("back online clears reason", func(t *testing.T) {
		d := env.create(t, "returning")
		env.beat(t, d, Beat{})
		env.beat(t, d, Beat{Status: "offline"})
		got := env.beat(t, d, Beat{})
		if got.Status != StatusOnline || got.OfflineReason != "" {
			t.Errorf("got %s/%q, want ONLINE with no reason", got.Status, got.OfflineReason)
		}
	})
}

func TestRegistry_MarkOffline(t *testing.T) {
	ctx := context.Background()

	t.Run("online device goes offline", func(t *testing.T) {
		env := newTestEnv(t)
		d := env.create(t, "sensor")
		hb := env.beat(t, d, Beat{})

		changed, err := env.reg.MarkOffline(ctx, d.ID, ReasonHeartbeatTimeout, *hb.LastHeartbeatAt)
		if err != nil || !changed {
			t.Fatalf("MarkOffline() = %v, %v; want true, nil", changed, err)
		}
		got, _ := env.reg.Get(d.ID)
		if got.Status != StatusOffline || got.OfflineReason != ReasonHeartbeatTimeout {
			t.Errorf("got %s/%s, want OFFLINE/heartbeat_timeout", got.Status, got.OfflineReason)
		}
		ev := env.pub.last()
		if ev.Status != string(StatusOffline) || ev.Reason != ReasonHeartbeatTimeout {
			t.Errorf("event = %+v, want OFFLINE heartbeat_timeout", ev)
		}
	})

	t.Run("waiting device is untouched", func(t *testing.T) {
		env := newTestEnv(t)
		d := env.create(t, "sensor")
		changed, err := env.reg.MarkOffline(ctx, d.ID, ReasonHeartbeatTimeout, time.Time{})
		if err != nil || changed {
			t.Errorf("MarkOffline() = %v, %v; want false, nil", changed, err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		env := newTestEnv(t)
		changed, err := env.reg.MarkOffline(ctx, "dev-gone", ReasonHeartbeatTimeout, time.Time{})
		if err != nil || changed {
			t.Errorf("MarkOffline() = %v, %v; want false, nil", changed, err)
		}
	})

	t.Run("racing heartbeat wins", func(t *testing.T) {
		env := newTestEnv(t)
		d := env.create(t, "sensor")
		first := env.beat(t, d, Beat{})
		env.clock.Advance(time.Second)
		env.beat(t, d, Beat{})

		changed, err := env.reg.MarkOffline(ctx, d.ID, ReasonHeartbeatTimeout, *first.LastHeartbeatAt)
		if err != nil || changed {
			t.Errorf("MarkOffline() = %v, %v; want false, nil", changed, err)
		}
		got, _ := env.reg.Get(d.ID)
		if got.Status != StatusOnline {
			t.Errorf("Status = %s, want ONLINE", got.Status)
		}
	})
}

func TestRegistry_Expired(t *testing.T) {
	env := newTestEnv(t)
	start := env.clock.Now()

	a := env.create(t, "a")
	b := env.create(t, "b")
	w := env.create(t, "waiting")
	env.beat(t, a, Beat{})
	env.clock.Advance(3 * time.Second)
	env.beat(t, b, Beat{})

	// Boundary: a heartbeat exactly at the cutoff has not expired.
	if got := env.reg.Expired(start); len(got) != 0 {
		t.Fatalf("Expired(start) = %v, want none", got)
	}

	got := env.reg.Expired(start.Add(5 * time.Second))
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("Expired() = %+v, want [a b] oldest first", got)
	}
	for _, e := range got {
		if e.ID == w.ID {
			t.Error("WAITING device must never expire")
		}
	}

	// Entries are consumed.
	if again := env.reg.Expired(start.Add(5 * time.Second)); len(again) != 0 {
		t.Errorf("second Expired() = %v, want none", again)
	}
}

func TestRegistry_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "first")
	env.clock.Advance(time.Second)
	second := env.create(t, "second")

	list := env.reg.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("List() order = [%s %s], want newest first", list[0].ID, list[1].ID)
	}
	for _, d := range list {
		if d.AuthToken != "" {
			t.Errorf("List() leaked token for %s", d.ID)
		}
	}

	// Mutating the result does not touch the registry.
	list[0].Metadata.Name = "mutated"
	got, err := env.reg.Get(second.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Metadata.Name != "second" || got.AuthToken != "" {
		t.Errorf("Get() = %+v, want unmodified redacted record", got)
	}

	if _, err := env.reg.Get("dev-missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ListTieBreaksByID(t *testing.T) {
	env := newTestEnv(t)
	for range 5 {
		env.create(t, "same-instant")
	}
	list := env.reg.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Fatalf("List() not ordered by id for equal createdAt: %s > %s", list[i-1].ID, list[i].ID)
		}
	}
}

func TestRegistry_Authenticate(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "sensor")

	got, err := env.reg.Authenticate(d.ID, d.AuthToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.AuthToken != "" {
		t.Error("Authenticate() result must be redacted")
	}
	if _, err := env.reg.Authenticate(d.ID, d.AuthToken+"x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong token error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.reg.Authenticate("dev-nope", d.AuthToken); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown id error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_Delete(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "sensor")
	env.beat(t, d, Beat{})

	if err := env.reg.Delete(context.Background(), d.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := env.store.get(d.ID); ok {
		t.Error("device still persisted after Delete")
	}
	if ev := env.pub.last(); ev.Type != broadcast.EventDeviceRemoved || ev.ID != d.ID {
		t.Errorf("event = %+v, want device-removed", ev)
	}

	_, err := env.reg.Heartbeat(context.Background(), d.ID, d.AuthToken, Beat{})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Heartbeat after Delete error = %v, want ErrDeviceNotFound", err)
	}
	if got := env.reg.Expired(env.clock.Now().Add(time.Hour)); len(got) != 0 {
		t.Errorf("deleted device still has a deadline: %v", got)
	}
	if err := env.reg.Delete(context.Background(), d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_PersistenceFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "sensor")

	env.store.setUpsertErr(errors.New("io error"))
	_, err := env.reg.Heartbeat(context.Background(), d.ID, d.AuthToken, Beat{})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Heartbeat() error = %v, want ErrPersistence", err)
	}

	// The in-memory change is kept.
	got, _ := env.reg.Get(d.ID)
	if got.Status != StatusOnline {
		t.Errorf("Status = %s, want ONLINE kept in memory", got.Status)
	}
	if env.reg.Stats().PendingWrites != 1 {
		t.Fatalf("PendingWrites = %d, want 1", env.reg.Stats().PendingWrites)
	}
	if err := env.reg.RetryPending(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Errorf("RetryPending() while failing error = %v, want ErrPersistence", err)
	}

	env.store.setUpsertErr(nil)
	if err := env.reg.RetryPending(context.Background()); err != nil {
		t.Fatalf("RetryPending() error = %v", err)
	}
	stored, _ := env.store.get(d.ID)
	if stored.Status != StatusOnline {
		t.Errorf("stored Status = %s, want ONLINE after retry", stored.Status)
	}
	if env.reg.Stats().PendingWrites != 0 {
		t.Errorf("PendingWrites = %d, want 0", env.reg.Stats().PendingWrites)
	}
}

func TestRegistry_EventsFollowWriteOrder(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, "racing")
	hb := env.beat(t, d, Beat{})
	before := env.pub.count()

	// The sweep's write is parked after it has flipped the device OFFLINE.
	entered, release := env.store.holdNextUpsert()
	sweepDone := make(chan error, 1)
	go func() {
		_, err := env.reg.MarkOffline(context.Background(), d.ID, ReasonHeartbeatTimeout, *hb.LastHeartbeatAt)
		sweepDone <- err
	}()
	<-entered

	// A heartbeat lands in memory while the sweep's write is in flight.
	env.clock.Advance(time.Second)
	beatDone := make(chan error, 1)
	go func() {
		_, err := env.reg.Heartbeat(context.Background(), d.ID, d.AuthToken, Beat{})
		beatDone <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.reg.Get(d.ID)
		if got.Status == StatusOnline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never reached the registry")
		}
		time.Sleep(time.Millisecond)
	}

	release()
	if err := <-sweepDone; err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	if err := <-beatDone; err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	stored, _ := env.store.get(d.ID)
	if stored.Status != StatusOnline {
		t.Fatalf("stored Status = %s, want ONLINE", stored.Status)
	}
	if env.pub.count() <= before {
		t.Fatal("no events published")
	}
	if last := env.pub.last(); last.Status != string(StatusOnline) {
		t.Errorf("last event status = %s, want ONLINE to match the store", last.Status)
	}
}

func TestRegistry_Load(t *testing.T) {
	store := NewMockStore()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	hb := base.Add(time.Minute)
	store.devices["dev-a"] = &Device{ID: "dev-a", AuthToken: "tok-a", Status: StatusOnline, CreatedAt: base, LastHeartbeatAt: &hb, LastUpdatedAt: hb, Metadata: Metadata{Name: "a"}}
	store.devices["dev-b"] = &Device{ID: "dev-b", AuthToken: "tok-b", Status: StatusWaiting, CreatedAt: base, LastUpdatedAt: base, Metadata: Metadata{Name: "b"}}

	reg := NewRegistry(store)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", reg.Count())
	}

	// Credentials survive the reload.
	if _, err := reg.Authenticate("dev-a", "tok-a"); err != nil {
		t.Errorf("Authenticate() after Load error = %v", err)
	}

	// The ONLINE device is tracked for expiry from its stored heartbeat.
	got := reg.Expired(hb.Add(time.Second))
	if len(got) != 1 || got[0].ID != "dev-a" || !got[0].LastHeartbeatAt.Equal(hb) {
		t.Errorf("Expired() = %+v, want dev-a at %v", got, hb)
	}

	s := reg.Stats()
	if s.Online != 1 || s.Waiting != 1 || s.Total != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRegistry_LoadError(t *testing.T) {
	store := NewMockStore()
	store.loadErr = ErrCorruptStore
	reg := NewRegistry(store)
	if err := reg.Load(context.Background()); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("Load() error = %v, want ErrCorruptStore", err)
	}
}

func TestRegistry_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	timeout := 10 * time.Second

	d := env.create(t, "edge-node")
	if list := env.reg.List(); list[0].Status != StatusWaiting {
		t.Fatalf("listed status = %s, want WAITING_FOR_AGENT", list[0].Status)
	}

	hb := env.beat(t, d, Beat{})
	if hb.Status != StatusOnline {
		t.Fatalf("status after heartbeat = %s, want ONLINE", hb.Status)
	}

	env.clock.Advance(11 * time.Second)
	for _, e := range env.reg.Expired(env.clock.Now().Add(-timeout)) {
		if _, err := env.reg.MarkOffline(ctx, e.ID, ReasonHeartbeatTimeout, e.LastHeartbeatAt); err != nil {
			t.Fatalf("MarkOffline() error = %v", err)
		}
	}
	if got, _ := env.reg.Get(d.ID); got.Status != StatusOffline {
		t.Fatalf("status after timeout = %s, want OFFLINE", got.Status)
	}

	if got := env.beat(t, d, Beat{}); got.Status != StatusOnline {
		t.Fatalf("status after recovery = %s, want ONLINE", got.Status)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	env := newTestEnv(t)
	devices := make([]*Device, 10)
	for i := range devices {
		devices[i] = env.create(t, fmt.Sprintf("dev %d", i))
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			d := devices[i%len(devices)]
			_, _ = env.reg.Heartbeat(context.Background(), d.ID, d.AuthToken, Beat{SystemInfo: map[string]any{"i": float64(i)}})
		}()
		go func() {
			defer wg.Done()
			_ = env.reg.List()
			_ = env.reg.Stats()
		}()
		go func() {
			defer wg.Done()
			for _, e := range env.reg.Expired(env.clock.Now().Add(time.Hour)) {
				_, _ = env.reg.MarkOffline(context.Background(), e.ID, ReasonHeartbeatTimeout, e.LastHeartbeatAt)
			}
		}()
	}
	wg.Wait()

	// The store holds the registry's final view of every device.
	for _, d := range env.reg.List() {
		stored, ok := env.store.get(d.ID)
		if !ok {
			t.Fatalf("device %s missing from store", d.ID)
		}
		if stored.Status != d.Status {
			t.Errorf("device %s: stored %s, in memory %s", d.ID, stored.Status, d.Status)
		}
	}
}
