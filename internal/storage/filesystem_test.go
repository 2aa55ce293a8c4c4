package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFlatStoreLayout(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFlatStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFlatStore failed: %v", err)
	}

	for _, kind := range []string{"selections", "progress", "subtitles"} {
		if info, err := os.Stat(filepath.Join(dir, kind)); err != nil || !info.IsDir() {
			t.Errorf("Expected directory %s to exist", kind)
		}
	}

	if err := store.SaveSelection(NewSelection("item-1")); err != nil {
		t.Fatalf("SaveSelection failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "selections", "item-1.json")); err != nil {
		t.Errorf("Expected selection document on disk: %v", err)
	}
}

func TestFlatStoreEscapesKeys(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFlatStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFlatStore failed: %v", err)
	}

	if err := store.SaveSelection(NewSelection("../../etc/passwd")); err != nil {
		t.Fatalf("SaveSelection failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "selections"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected one document inside the store, got %d", len(entries))
	}
	if strings.Contains(entries[0].Name(), "/") {
		t.Errorf("Key was not escaped: %s", entries[0].Name())
	}

	loaded, err := store.LoadSelection("../../etc/passwd")
	if err != nil {
		t.Fatalf("LoadSelection failed: %v", err)
	}
	if loaded.ItemGUID != "../../etc/passwd" {
		t.Errorf("Unexpected item guid %s", loaded.ItemGUID)
	}
}

func TestFlatStoreSkipsCorruptProgress(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFlatStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFlatStore failed: %v", err)
	}

	if err := store.SaveProgress(&ProgressEntry{ItemGUID: "ok", Position: 5}); err != nil {
		t.Fatalf("SaveProgress failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "progress", "bad.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	entries, err := store.ListProgress()
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ItemGUID != "ok" {
		t.Errorf("Expected only the valid entry, got %+v", entries)
	}

	if err := store.HealthCheck(); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
