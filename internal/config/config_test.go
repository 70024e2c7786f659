package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micro-nova/zonecast/internal/config"
	"github.com/micro-nova/zonecast/internal/models"
)

func newTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "zonecast-config-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestJSONStore_LoadMissingFile_ReturnsDefault(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}
	if len(cfg.Zones) != 0 {
		t.Errorf("Load() zones = %d, want 0", len(cfg.Zones))
	}
}

func TestJSONStore_SaveLoadRoundTrip(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)

	cfg := models.DefaultSystemConfig()
	cfg.Zones = append(cfg.Zones, models.ZoneConfig{ID: 0, Name: "Living Room", DefaultVolume: 42})

	if err := store.Save(&cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Zones) != 1 || loaded.Zones[0].Name != "Living Room" {
		t.Errorf("loaded zones = %+v, want one zone named Living Room", loaded.Zones)
	}
	if loaded.Zones[0].DefaultVolume != 42 {
		t.Errorf("DefaultVolume = %v, want 42", loaded.Zones[0].DefaultVolume)
	}
}

func TestJSONStore_CorruptJSON_ReturnsDefault(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)

	path := filepath.Join(dir, "zones.json")
	if err := os.WriteFile(path, []byte("{invalid json!!!"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config for corrupt JSON")
	}
	if len(cfg.Zones) != 0 {
		t.Errorf("corrupt JSON: zones = %d, want 0 (default)", len(cfg.Zones))
	}
}

func TestJSONStore_FlushAfterSave_FileExists(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)

	cfg := models.DefaultSystemConfig()
	if err := store.Save(&cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	path := store.Path()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file to exist at %q after Flush, got: %v", path, err)
	}
}

func TestJSONStore_FlushWithoutSave_NoError(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)

	if err := store.Flush(); err != nil {
		t.Errorf("Flush() with no pending save: error = %v, want nil", err)
	}
}

func TestJSONStore_Path(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)
	if store.Path() == "" {
		t.Error("Path() returned empty string")
	}
}

func TestJSONStore_SaveTwice_StopsOldTimer(t *testing.T) {
	dir := newTempDir(t)
	store := config.NewJSONStore(dir)

	cfg1 := models.DefaultSystemConfig()
	cfg1.Zones = append(cfg1.Zones, models.ZoneConfig{ID: 0, Name: "First Save"})

	cfg2 := models.DefaultSystemConfig()
	cfg2.Zones = append(cfg2.Zones, models.ZoneConfig{ID: 0, Name: "Second Save"})

	if err := store.Save(&cfg1); err != nil {
		t.Fatalf("First Save() error = %v", err)
	}
	if err := store.Save(&cfg2); err != nil {
		t.Fatalf("Second Save() error = %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Zones) != 1 || loaded.Zones[0].Name != "Second Save" {
		t.Errorf("loaded zones = %+v, want one zone named Second Save", loaded.Zones)
	}
}

// --- MemStore tests ---

func TestMemStore_SaveLoadRoundTrip(t *testing.T) {
	store := config.NewMemStore()

	cfg := models.DefaultSystemConfig()
	cfg.Zones = append(cfg.Zones, models.ZoneConfig{ID: 2, Name: "Test Zone"})
	cfg.Groups = append(cfg.Groups, models.GroupRecord{Leader: 2, Members: []int{2}})

	if err := store.Save(&cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Zones) != 1 || loaded.Zones[0].Name != "Test Zone" {
		t.Errorf("Zones = %+v, want one zone named Test Zone", loaded.Zones)
	}
	if len(loaded.Groups) != 1 || loaded.Groups[0].Leader != 2 {
		t.Errorf("Groups = %+v, want one group led by zone 2", loaded.Groups)
	}
}

func TestMemStore_LoadBeforeSave_ReturnsDefault(t *testing.T) {
	store := config.NewMemStore()

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Zones) != 0 {
		t.Errorf("Load() zones = %d, want 0", len(cfg.Zones))
	}
}

func TestMemStore_MutationIsolation(t *testing.T) {
	store := config.NewMemStore()

	cfg := models.DefaultSystemConfig()
	cfg.Zones = append(cfg.Zones, models.ZoneConfig{ID: 0, DefaultVolume: 30})

	if err := store.Save(&cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	loaded.Zones[0].DefaultVolume = 99

	loaded2, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded2.Zones[0].DefaultVolume != 30 {
		t.Errorf("isolation broken: DefaultVolume = %v, want 30", loaded2.Zones[0].DefaultVolume)
	}
}

func TestMemStore_SaveMutationIsolation(t *testing.T) {
	store := config.NewMemStore()

	cfg := models.DefaultSystemConfig()
	cfg.Zones = append(cfg.Zones, models.ZoneConfig{ID: 0, DefaultVolume: 30})

	if err := store.Save(&cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cfg.Zones[0].DefaultVolume = 99

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Zones[0].DefaultVolume == 99 {
		t.Error("Save did not deep copy: mutation of original affected stored config")
	}
}

func TestMemStore_Path(t *testing.T) {
	store := config.NewMemStore()
	if store.Path() != ":memory:" {
		t.Errorf("Path() = %q, want \":memory:\"", store.Path())
	}
}

func TestMemStore_Flush_NoOp(t *testing.T) {
	store := config.NewMemStore()
	if err := store.Flush(); err != nil {
		t.Errorf("Flush() error = %v, want nil", err)
	}
}
