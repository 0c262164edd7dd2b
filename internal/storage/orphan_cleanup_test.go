package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockObjectStore struct {
	objects   []Object
	deleted   []string
	deleteErr error
}

func (m *mockObjectStore) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	return m.objects, nil
}

func (m *mockObjectStore) DeleteByKeys(ctx context.Context, keys []string) (int, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.deleted = append(m.deleted, keys...)
	return len(keys), nil
}

type mockKeyChecker struct {
	existing map[string]bool
	calls    int
}

func (m *mockKeyChecker) ExistingProfileImageKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	m.calls++
	result := make(map[string]bool, len(keys))
	for _, k := range keys {
		result[k] = m.existing[k]
	}
	return result, nil
}

var cleanupNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestJob(store ObjectStore, checker KeyChecker, batch int) *OrphanCleanupJob {
	cfg := DefaultOrphanCleanupConfig()
	cfg.BatchSize = batch
	j := NewOrphanCleanupJob(store, checker, cfg, nil)
	j.now = func() time.Time { return cleanupNow }
	return j
}

func TestDefaultOrphanCleanupConfig(t *testing.T) {
	cfg := DefaultOrphanCleanupConfig()

	if cfg.Interval != 24*time.Hour {
		t.Errorf("expected interval to be 24 hours, got %v", cfg.Interval)
	}
	if cfg.AgeThreshold != 24*time.Hour {
		t.Errorf("expected age threshold to be 24 hours, got %v", cfg.AgeThreshold)
	}
	if cfg.BatchSize != 500 {
		t.Errorf("expected batch size to be 500, got %d", cfg.BatchSize)
	}
	if !cfg.Enabled {
		t.Error("expected enabled to be true")
	}
}

func TestRunNow_DeletesOnlyOldUnreferencedObjects(t *testing.T) {
	old := cleanupNow.Add(-48 * time.Hour)
	store := &mockObjectStore{objects: []Object{
		{Key: ProfileImagePrefix + "a/kept.jpg", Size: 10, LastModified: old},
		{Key: ProfileImagePrefix + "a/orphan.jpg", Size: 20, LastModified: old},
		{Key: ProfileImagePrefix + "b/fresh.png", Size: 30, LastModified: cleanupNow.Add(-time.Hour)},
		{Key: ProfileImagePrefix + "c/orphan.webp", Size: 40, LastModified: old},
	}}
	checker := &mockKeyChecker{existing: map[string]bool{ProfileImagePrefix + "a/kept.jpg": true}}

	result := newTestJob(store, checker, 2).RunNow(context.Background())

	if result.FilesScanned != 4 {
		t.Errorf("expected 4 scanned, got %d", result.FilesScanned)
	}
	if result.OrphansFound != 2 || result.OrphansDeleted != 2 {
		t.Errorf("expected 2 orphans found and deleted, got %d/%d", result.OrphansFound, result.OrphansDeleted)
	}
	if result.BytesFreed != 60 {
		t.Errorf("expected 60 bytes freed, got %d", result.BytesFreed)
	}
	for _, k := range store.deleted {
		if k == ProfileImagePrefix+"a/kept.jpg" || k == ProfileImagePrefix+"b/fresh.png" {
			t.Errorf("deleted %s which must be kept", k)
		}
	}
	if checker.calls != 2 {
		t.Errorf("expected 2 batched checks, got %d", checker.calls)
	}
}

func TestRunNow_RecordsDeleteErrors(t *testing.T) {
	store := &mockObjectStore{
		objects:   []Object{{Key: ProfileImagePrefix + "x.jpg", LastModified: cleanupNow.Add(-72 * time.Hour)}},
		deleteErr: errors.New("access denied"),
	}
	j := newTestJob(store, &mockKeyChecker{}, 10)

	result := j.RunNow(context.Background())
	if result.OrphansDeleted != 0 || len(result.Errors) != 1 {
		t.Errorf("expected one error and no deletions, got %+v", result)
	}
	if j.GetLastResult() != result {
		t.Error("expected last result to be stored")
	}
}

func TestOrphanCleanupJob_StartStop(t *testing.T) {
	j := newTestJob(&mockObjectStore{}, &mockKeyChecker{}, 10)

	if err := j.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if !j.IsRunning() {
		t.Fatal("expected job to be running")
	}
	if err := j.Start(); err == nil {
		t.Error("expected error on double start")
	}
	j.Stop()
	if j.IsRunning() {
		t.Error("expected job to be stopped")
	}
}

func TestOrphanCleanupJob_Disabled(t *testing.T) {
	cfg := DefaultOrphanCleanupConfig()
	cfg.Enabled = false
	j := NewOrphanCleanupJob(&mockObjectStore{}, &mockKeyChecker{}, cfg, nil)

	if err := j.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.IsRunning() {
		t.Error("disabled job must not run")
	}
}
