package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shaneosullivan/jstutor-sync/internal/accounts"
	"github.com/shaneosullivan/jstutor-sync/internal/profiles"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type countingCounter struct {
	count int
}

func (c *countingCounter) Inc() { c.count++ }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChangeRecord{}, &accounts.Account{}, &profiles.Profile{}, &progress.CourseProgress{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.UnixMilli(1700000000000) },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustAppend(t *testing.T, service *Service, req AppendRequest) ChangeRecord {
	t.Helper()
	record, err := service.Append(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	return record
}

func TestAppendValidatesScope(t *testing.T) {
	service := newTestService(t, newTestDB(t))

	// course changes require a course scope
	_, err := service.Append(context.Background(), AppendRequest{
		AccountID: "acct-1", EntityID: "course-js", EntityType: EntityTypeCourse, ClientID: "c1",
	})
	if err == nil {
		t.Fatalf("expected scope error for course change without scope")
	}

	// account changes must not carry one
	_, err = service.Append(context.Background(), AppendRequest{
		AccountID: "acct-1", EntityID: "acct-1", EntityType: EntityTypeAccount, ClientID: "c1",
		Scope: CourseScope{CourseID: "course-js", ProfileID: "p1"},
	})
	if err == nil {
		t.Fatalf("expected scope error for account change with course scope")
	}
}

func TestChangesForAccountExcludesWriter(t *testing.T) {
	service := newTestService(t, newTestDB(t))

	mine := mustAppend(t, service, AppendRequest{
		AccountID: "acct-1", EntityID: "acct-1", EntityType: EntityTypeAccount, ClientID: "client-x",
	})
	theirs := mustAppend(t, service, AppendRequest{
		AccountID: "acct-1", EntityID: "profile_1", EntityType: EntityTypeProfile, ClientID: "client-y",
	})

	// the writer never sees its own record
	forX, err := service.ChangesForAccount(context.Background(), "acct-1", "client-x", Filter{})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(forX) != 1 || forX[0].ID != theirs.ID {
		t.Fatalf("expected only client-y's record, got %#v", forX)
	}

	// any other client does see it
	forY, err := service.ChangesForAccount(context.Background(), "acct-1", "client-y", Filter{})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(forY) != 1 || forY[0].ID != mine.ID {
		t.Fatalf("expected only client-x's record, got %#v", forY)
	}
}

func TestChangesForAccountRequiresClientID(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	if _, err := service.ChangesForAccount(context.Background(), "acct-1", "", Filter{}); err != ErrMissingClientID {
		t.Fatalf("expected ErrMissingClientID, got %v", err)
	}
}

func TestChangesForAccountTypeAndCourseFilters(t *testing.T) {
	service := newTestService(t, newTestDB(t))

	mustAppend(t, service, AppendRequest{
		AccountID: "acct-1", EntityID: "acct-1", EntityType: EntityTypeAccount, ClientID: "other",
	})
	mustAppend(t, service, AppendRequest{
		AccountID: "acct-1", EntityID: "course-js", EntityType: EntityTypeCourse, ClientID: "other",
		Scope: CourseScope{CourseID: "course-js", ProfileID: "p1"},
	})
	mustAppend(t, service, AppendRequest{
		AccountID: "acct-1", EntityID: "course-python", EntityType: EntityTypeCourse, ClientID: "other",
		Scope: CourseScope{CourseID: "course-python", ProfileID: "p1"},
	})

	typed, err := service.ChangesForAccount(context.Background(), "acct-1", "me", Filter{
		Types: []EntityType{EntityTypeCourse},
	})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(typed) != 2 {
		t.Fatalf("expected two course records, got %d", len(typed))
	}

	scoped, err := service.ChangesForAccount(context.Background(), "acct-1", "me", Filter{
		Types:    []EntityType{EntityTypeCourse},
		CourseID: "course-js",
	})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ScopeCourseID != "course-js" {
		t.Fatalf("expected one course-js record, got %#v", scoped)
	}

	// the course filter must not drop account/profile records
	mixed, err := service.ChangesForAccount(context.Background(), "acct-1", "me", Filter{CourseID: "course-js"})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(mixed) != 2 {
		t.Fatalf("expected account + course-js records, got %#v", mixed)
	}
}

func TestAppendBestEffortSwallowsFailure(t *testing.T) {
	db := newTestDB(t)
	failures := &countingCounter{}
	service, err := NewService(ServiceConfig{
		Database:       db,
		Logger:         zap.NewNop(),
		AppendFailures: failures,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if err := db.Migrator().DropTable(&ChangeRecord{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	// must not panic or propagate
	service.AppendBestEffort(context.Background(), AppendRequest{
		AccountID: "acct-1", EntityID: "acct-1", EntityType: EntityTypeAccount, ClientID: "c1",
	})
	if failures.count != 1 {
		t.Fatalf("expected failure counter increment, got %d", failures.count)
	}
}

func TestObjectsFromChangesResolvesCurrentState(t *testing.T) {
	db := newTestDB(t)
	service := newTestService(t, db)

	account := accounts.Account{ID: "acct-1", Email: "a@example.com", LastUpdatedMillis: 1, Version: 1}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	profile := profiles.Profile{ID: "persona-7", AccountID: "acct-1", Name: "Ada"}
	if err := db.Create(&profile).Error; err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}
	courseRecord := progress.CourseProgress{
		AccountID: "acct-1", ProfileID: "p1", CourseID: "course-js",
		TutorialCodeJSON: `{"42":{"code":"let x=1;","completed":true,"lastAccessed":5}}`,
	}
	if err := db.Create(&courseRecord).Error; err != nil {
		t.Fatalf("failed to seed course progress: %v", err)
	}

	changes := []ChangeRecord{
		{AccountID: "acct-1", EntityID: "acct-1", EntityType: EntityTypeAccount, ClientID: "other"},
		{AccountID: "acct-1", EntityID: "profile_7", EntityType: EntityTypeProfile, ClientID: "other"},
		{AccountID: "acct-1", EntityID: "course-js", EntityType: EntityTypeCourse, ClientID: "other",
			ScopeCourseID: "course-js", ScopeProfileID: "p1"},
		// duplicate course reference collapses
		{AccountID: "acct-1", EntityID: "course-js", EntityType: EntityTypeCourse, ClientID: "other",
			ScopeCourseID: "course-js", ScopeProfileID: "p1"},
		// reference to an entity deleted since the record was written
		{AccountID: "acct-1", EntityID: "course-gone", EntityType: EntityTypeCourse, ClientID: "other",
			ScopeCourseID: "course-gone", ScopeProfileID: "p1"},
	}

	objects, err := service.ObjectsFromChanges(context.Background(), "acct-1", changes)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if len(objects.Accounts) != 1 || objects.Accounts[0].ID != "acct-1" {
		t.Fatalf("unexpected accounts: %#v", objects.Accounts)
	}
	if len(objects.Profiles) != 1 || objects.Profiles[0].ID != "persona-7" {
		t.Fatalf("unexpected profiles: %#v", objects.Profiles)
	}
	if len(objects.Courses) != 1 {
		t.Fatalf("expected one resolved course doc, got %#v", objects.Courses)
	}
	if objects.Courses[0].TutorialCode["42"].Code != "let x=1;" {
		t.Fatalf("unexpected course doc contents: %#v", objects.Courses[0])
	}
}

func TestEntityIDForProfile(t *testing.T) {
	tests := []struct {
		profileID string
		want      string
	}{
		{profileID: "persona-7", want: "profile_7"},
		{profileID: "p123", want: "profile_123"},
		{profileID: "default", want: "profile_default"},
	}
	for _, tt := range tests {
		if got := EntityIDForProfile(tt.profileID); got != tt.want {
			t.Fatalf("EntityIDForProfile(%q) = %q, want %q", tt.profileID, got, tt.want)
		}
	}
}
