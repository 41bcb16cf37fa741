package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/fleetbeat/internal/infrastructure/config"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/database"
	"github.com/nerrad567/fleetbeat/migrations"
)

// sampleDevices covers every field, including optional ones left empty.
func sampleDevices() map[string]*Device {
	created := time.Date(2026, 6, 1, 9, 30, 0, 123456789, time.UTC)
	hb := created.Add(90 * time.Second)
	return map[string]*Device{
		"dev-online": {
			ID:              "dev-online",
			AuthToken:       "a1b2c3",
			Status:          StatusOnline,
			CreatedAt:       created,
			LastHeartbeatAt: &hb,
			LastUpdatedAt:   hb,
			Metadata:        Metadata{Name: "gateway", Location: "rack 4", Owner: "ops", Type: "edge", Description: "north wing"},
			SystemInfo:      map[string]any{"cpu": 41.5, "disks": []any{"sda", "sdb"}, "net": map[string]any{"up": true}},
		},
		"dev-waiting": {
			ID:            "dev-waiting",
			AuthToken:     "d4e5f6",
			Status:        StatusWaiting,
			CreatedAt:     created,
			LastUpdatedAt: created,
			Metadata:      Metadata{Name: "fresh"},
		},
		"dev-offline": {
			ID:              "dev-offline",
			AuthToken:       "0718ab",
			Status:          StatusOffline,
			CreatedAt:       created,
			LastHeartbeatAt: &hb,
			LastUpdatedAt:   hb.Add(time.Minute),
			Metadata:        Metadata{Name: "gone quiet"},
			OfflineReason:   ReasonHeartbeatTimeout,
		},
		"dev-empty-info": {
			ID:              "dev-empty-info",
			AuthToken:       "9c0d1e",
			Status:          StatusOnline,
			CreatedAt:       created,
			LastHeartbeatAt: &hb,
			LastUpdatedAt:   hb,
			Metadata:        Metadata{Name: "quiet agent"},
			SystemInfo:      map[string]any{},
		},
	}
}

// assertSameDevices compares two maps field for field via their JSON form.
func assertSameDevices(t *testing.T, got, want map[string]*Device) {
	t.Helper()
	g, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal got: %v", err)
	}
	w, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal want: %v", err)
	}
	if !bytes.Equal(g, w) {
		t.Errorf("devices differ\n got: %s\nwant: %s", g, w)
	}
}

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db.DB)
}

func TestStores_SaveLoadRoundTrip(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"file":   func(t *testing.T) Store { return NewFileStore(filepath.Join(t.TempDir(), "devices.json")) },
		"sqlite": func(t *testing.T) Store { return openSQLiteStore(t) },
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			want := sampleDevices()

			if err := store.Save(ctx, want); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			assertSameDevices(t, got, want)

			// Single-record writes.
			d := want["dev-waiting"]
			d.Status = StatusOnline
			now := d.CreatedAt.Add(time.Hour)
			d.LastHeartbeatAt = &now
			if err := store.Upsert(ctx, d); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			if err := store.Delete(ctx, "dev-offline"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := store.Delete(ctx, "dev-never-existed"); err != nil {
				t.Fatalf("Delete(unknown) error = %v", err)
			}
			delete(want, "dev-offline")

			got, err = store.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			assertSameDevices(t, got, want)
		})
	}
}

func TestStores_EmptyLoad(t *testing.T) {
	for name, store := range map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "missing", "devices.json")),
		"sqlite": openSQLiteStore(t),
		"memory": NewMemoryStore(),
	} {
		got, err := store.Load(context.Background())
		if err != nil {
			t.Errorf("%s: Load() error = %v", name, err)
			continue
		}
		if got == nil || len(got) != 0 {
			t.Errorf("%s: Load() = %v, want empty map", name, got)
		}
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"dev-1": {"id": "dev-1", "status": "ONL`},
		{"not an object", `[1, 2, 3]`},
		{"mismatched key", `{"dev-1": {"id": "dev-2", "status": "ONLINE"}}`},
		{"null record", `{"dev-1": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "devices.json")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("writing fixture: %v", err)
			}
			_, err := NewFileStore(path).Load(context.Background())
			if !errors.Is(err, ErrCorruptStore) {
				t.Errorf("Load() error = %v, want ErrCorruptStore", err)
			}
		})
	}
}

func TestFileStore_BackupAndAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	store := NewFileStore(path)
	ctx := context.Background()
	devices := sampleDevices()

	if err := store.Upsert(ctx, devices["dev-online"]); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	if _, err := os.Stat(path + BackupSuffix); !os.IsNotExist(err) {
		t.Error("first write should not create a backup")
	}
	firstWrite, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store: %v", err)
	}

	if err := store.Upsert(ctx, devices["dev-waiting"]); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	backup, err := os.ReadFile(path + BackupSuffix)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if !bytes.Equal(backup, firstWrite) {
		t.Error("backup should hold the pre-write file contents")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store: %v", err)
	}
	if perm := info.Mode().Perm(); perm != storeFilePermissions {
		t.Errorf("store permissions = %o, want %o", perm, storeFilePermissions)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}

	// A fresh store sees both records.
	got, err := NewFileStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Load() returned %d devices, want 2", len(got))
	}
}

func TestFileStore_WriteFailureKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	store := NewFileStore(path)
	ctx := context.Background()
	devices := sampleDevices()

	if err := store.Upsert(ctx, devices["dev-online"]); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// Replace the directory with a read-only one so the temp file cannot be created.
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0700) }) //nolint:errcheck // Test cleanup

	if os.Geteuid() == 0 {
		t.Skip("running as root; directory permissions are not enforced")
	}

	if err := store.Upsert(ctx, devices["dev-waiting"]); err == nil {
		t.Fatal("Upsert() into read-only directory should fail")
	}

	if err := os.Chmod(dir, 0700); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	// The failed record must not leak into the next successful write.
	if err := store.Upsert(ctx, devices["dev-offline"]); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := NewFileStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := got["dev-waiting"]; ok {
		t.Error("record from failed write was persisted later")
	}
	if len(got) != 2 {
		t.Errorf("Load() returned %d devices, want 2", len(got))
	}
}

func TestRegistry_FileStoreRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	ctx := context.Background()

	reg := NewRegistry(NewFileStore(path))
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d, err := reg.Create(ctx, Metadata{Name: "survivor"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Heartbeat(ctx, d.ID, d.AuthToken, Beat{SystemInfo: map[string]any{"uptime": 12.0}}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	restarted := NewRegistry(NewFileStore(path))
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}
	got, err := restarted.Heartbeat(ctx, d.ID, d.AuthToken, Beat{})
	if err != nil {
		t.Fatalf("Heartbeat() with pre-restart token error = %v", err)
	}
	if got.SystemInfo["uptime"] != 12.0 {
		t.Errorf("SystemInfo = %v, want uptime kept across restart", got.SystemInfo)
	}
}

func TestRegistry_FileStoreRestart_EmptySystemInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	ctx := context.Background()

	reg := NewRegistry(NewFileStore(path))
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d, err := reg.Create(ctx, Metadata{Name: "bare"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Heartbeat(ctx, d.ID, d.AuthToken, Beat{SystemInfo: map[string]any{}}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	restarted := NewRegistry(NewFileStore(path))
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}
	got, err := restarted.Get(d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SystemInfo == nil || len(got.SystemInfo) != 0 {
		t.Errorf("SystemInfo = %#v, want an empty non-nil map", got.SystemInfo)
	}
}
