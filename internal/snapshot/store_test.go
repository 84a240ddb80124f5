package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDeleteLogsImageCleanupFailureWhenImageMissing(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	store := &Store{dir: dir}
	id := "123e4567-e89b-12d3-a456-426614174000"
	jsonPath := filepath.Join(dir, id+".json")

	meta := Meta{
		ID:     id,
		Format: "png",
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if err := os.WriteFile(jsonPath, metaBytes, 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete() = %v; want nil", err)
	}

	if !strings.Contains(buf.String(), "snapshot image cleanup failed") {
		t.Fatalf("expected image cleanup debug log, got %q", buf.String())
	}
}

func TestSaveAssignsIDAndLists(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "snaps"))
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	older, err := store.Save(Meta{TabID: "1", Format: "png", CreatedAt: time.Now().Add(-time.Minute)}, []byte("old"))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	newer, err := store.Save(Meta{TabID: "2", Format: "jpeg", Notes: "after login"}, []byte("newer"))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if !uuidRe.MatchString(older.ID) || older.SizeBytes != 3 {
		t.Fatalf("unexpected saved meta: %+v", older)
	}

	all, err := store.List("")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}

	only, err := store.List("1")
	if err != nil {
		t.Fatalf("List(1) failed: %v", err)
	}
	if len(only) != 1 || only[0].ID != older.ID {
		t.Fatalf("expected tab filter to keep one snapshot, got %+v", only)
	}

	data, format, err := store.ReadImage(newer.ID)
	if err != nil {
		t.Fatalf("ReadImage() failed: %v", err)
	}
	if string(data) != "newer" || format != "jpeg" {
		t.Fatalf("ReadImage() = %q, %q", data, format)
	}
}

func TestGetMissingAndInvalid(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	if _, err := store.Get("123e4567-e89b-12d3-a456-426614174000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v; want ErrNotFound", err)
	}
	if _, err := store.Get("../../etc/passwd"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v; want invalid id error", err)
	}
}
