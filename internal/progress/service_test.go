package progress

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:progress_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CourseProgress{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestSaveAndGetDocument(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.UnixMilli(1700000000000) })

	saved, err := service.Save(context.Background(), Document{
		AccountID: "acct-1",
		ProfileID: "p1",
		CourseID:  "course-js",
		TutorialCode: map[string]TutorialEntry{
			"42": {Code: "let x=1;", Completed: true, LastAccessedMillis: 1699999999000},
		},
	})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if saved.LastUpdatedMillis != 1700000000000 {
		t.Fatalf("expected lastUpdated stamp, got %d", saved.LastUpdatedMillis)
	}

	fetched, err := service.Get(context.Background(), "acct-1", "p1", "course-js")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	entry, ok := fetched.TutorialCode["42"]
	if !ok || entry.Code != "let x=1;" || !entry.Completed {
		t.Fatalf("unexpected document contents: %#v", fetched.TutorialCode)
	}
}

func TestSaveOverwritesWholeDocument(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.UnixMilli(1700000000000) })

	first := Document{
		AccountID: "acct-1", ProfileID: "p1", CourseID: "course-js",
		TutorialCode: map[string]TutorialEntry{
			"1": {Code: "old"},
			"2": {Code: "stale"},
		},
	}
	if _, err := service.Save(context.Background(), first); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	second := Document{
		AccountID: "acct-1", ProfileID: "p1", CourseID: "course-js",
		TutorialCode: map[string]TutorialEntry{
			"1": {Code: "new"},
		},
	}
	if _, err := service.Save(context.Background(), second); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	fetched, err := service.Get(context.Background(), "acct-1", "p1", "course-js")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if len(fetched.TutorialCode) != 1 {
		t.Fatalf("expected whole-document overwrite, got %#v", fetched.TutorialCode)
	}
	if fetched.TutorialCode["1"].Code != "new" {
		t.Fatalf("unexpected entry: %#v", fetched.TutorialCode["1"])
	}
}

func TestGetMissingDocument(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Get(context.Background(), "acct-1", "p1", "course-js"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsMissingKey(t *testing.T) {
	service := newTestService(t, nil)
	_, err := service.Save(context.Background(), Document{AccountID: "acct-1", ProfileID: "p1"})
	if err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestDeleteForProfileRemovesOnlyThatProfile(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.UnixMilli(1700000000000) })

	docs := []Document{
		{AccountID: "acct-1", ProfileID: "p1", CourseID: "course-js"},
		{AccountID: "acct-1", ProfileID: "p1", CourseID: "course-python"},
		{AccountID: "acct-1", ProfileID: "p2", CourseID: "course-js"},
	}
	for _, doc := range docs {
		if _, err := service.Save(context.Background(), doc); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	if err := service.DeleteForProfile(context.Background(), "acct-1", "p1"); err != nil {
		t.Fatalf("unexpected cascade error: %v", err)
	}

	remaining, err := service.ListForAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ProfileID != "p2" {
		t.Fatalf("expected only p2 documents to remain, got %#v", remaining)
	}
}

func TestDeleteMissingDocument(t *testing.T) {
	service := newTestService(t, nil)
	if err := service.Delete(context.Background(), "acct-1", "p1", "course-js"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
