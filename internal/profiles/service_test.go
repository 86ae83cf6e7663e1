package profiles

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shaneosullivan/jstutor-sync/internal/ids"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type recordingDeleter struct {
	calls []string
}

func (d *recordingDeleter) DeleteForProfile(_ context.Context, accountID, profileID string) error {
	d.calls = append(d.calls, accountID+"/"+profileID)
	return nil
}

func newTestService(t *testing.T, deleter ProgressDeleter) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:profiles_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.UnixMilli(1700000000000) },
		IDs:      ids.NewUUIDProvider(),
		Progress: deleter,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestCreateGeneratesIDWhenMissing(t *testing.T) {
	service := newTestService(t, nil)

	created, err := service.Create(context.Background(), Profile{AccountID: "acct-1", Name: "Ada"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated profile id")
	}
	if created.CreatedAtMillis != 1700000000000 || created.LastActiveMillis != 1700000000000 {
		t.Fatalf("expected timestamps to be stamped, got %#v", created)
	}
}

func TestCreateRejectsMissingFields(t *testing.T) {
	service := newTestService(t, nil)

	if _, err := service.Create(context.Background(), Profile{Name: "Ada"}); err != ErrInvalidAccountID {
		t.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := service.Create(context.Background(), Profile{AccountID: "acct-1"}); err != ErrInvalidName {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestListReturnsAccountProfiles(t *testing.T) {
	service := newTestService(t, nil)

	for _, name := range []string{"Ada", "Grace"} {
		if _, err := service.Create(context.Background(), Profile{AccountID: "acct-1", Name: name}); err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if _, err := service.Create(context.Background(), Profile{AccountID: "acct-2", Name: "Alan"}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	listed, err := service.List(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected two profiles, got %d", len(listed))
	}
}

func TestUpdateKeepsUnsetFields(t *testing.T) {
	service := newTestService(t, nil)

	created, err := service.Create(context.Background(), Profile{AccountID: "acct-1", Name: "Ada", Icon: "star"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	updated, err := service.Update(context.Background(), Profile{ID: created.ID, Name: "Ada L."})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Name != "Ada L." {
		t.Fatalf("expected name update, got %q", updated.Name)
	}
	if updated.Icon != "star" {
		t.Fatalf("expected icon to survive, got %q", updated.Icon)
	}
	if updated.AccountID != "acct-1" {
		t.Fatalf("account back-reference must not change, got %q", updated.AccountID)
	}
}

func TestDeleteCascadesToProgressOnly(t *testing.T) {
	deleter := &recordingDeleter{}
	service := newTestService(t, deleter)

	created, err := service.Create(context.Background(), Profile{AccountID: "acct-1", Name: "Ada"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	profileID, err := NewProfileID(created.ID)
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	deleted, err := service.Delete(context.Background(), profileID)
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if deleted.ID != created.ID {
		t.Fatalf("unexpected deleted profile %q", deleted.ID)
	}

	if len(deleter.calls) != 1 || deleter.calls[0] != "acct-1/"+created.ID {
		t.Fatalf("expected one cascade call, got %v", deleter.calls)
	}
	if _, err := service.Get(context.Background(), profileID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
