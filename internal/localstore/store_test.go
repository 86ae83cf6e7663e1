package localstore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "store.json"),
		Clock: func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetRowVisibleToGet(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetRow(TableAccounts, "acct-1", Row{"id": "acct-1", "email": "a@example.com"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	row, ok := store.GetRow(TableAccounts, "acct-1")
	if !ok {
		t.Fatalf("expected row to exist")
	}
	if row["email"] != "a@example.com" {
		t.Fatalf("unexpected row contents: %#v", row)
	}

	if err := store.SetRow(TableAccounts, "acct-0", Row{"id": "acct-0"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	ids := store.RowIDs(TableAccounts)
	if len(ids) != 2 || ids[0] != "acct-0" || ids[1] != "acct-1" {
		t.Fatalf("unexpected row ids: %v", ids)
	}

	if err := store.DelRow(TableAccounts, "acct-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok := store.GetRow(TableAccounts, "acct-1"); ok {
		t.Fatalf("expected row to be removed")
	}
}

func TestRowCopiesAreIsolated(t *testing.T) {
	store := openTestStore(t)

	original := Row{"id": "p1", "name": "before"}
	if err := store.SetRow(TableProfiles, "p1", original); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	original["name"] = "mutated"

	row, _ := store.GetRow(TableProfiles, "p1")
	if row["name"] != "before" {
		t.Fatalf("stored row should not alias caller map, got %v", row["name"])
	}
	row["name"] = "mutated-again"
	again, _ := store.GetRow(TableProfiles, "p1")
	if again["name"] != "before" {
		t.Fatalf("returned row should be a copy, got %v", again["name"])
	}
}

func TestValuesRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetValue(ValueActiveAccountID, "acct-9"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	value, ok := store.GetValue(ValueActiveAccountID)
	if !ok || value != "acct-9" {
		t.Fatalf("unexpected value %v (ok=%v)", value, ok)
	}
	if err := store.DelValue(ValueActiveAccountID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok := store.GetValue(ValueActiveAccountID); ok {
		t.Fatalf("expected value to be removed")
	}
}

func TestMutationsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := store.SetRow(TableTutorialCode, "p1_42", Row{"code": "let x=1;"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.SetValue(ValueActiveProfileID, "p1"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	defer reopened.Close()

	row, ok := reopened.GetRow(TableTutorialCode, "p1_42")
	if !ok || row["code"] != "let x=1;" {
		t.Fatalf("expected persisted row, got %#v (ok=%v)", row, ok)
	}
	value, ok := reopened.GetValue(ValueActiveProfileID)
	if !ok || value != "p1" {
		t.Fatalf("expected persisted value, got %v (ok=%v)", value, ok)
	}
}

func TestSubscribersObserveMutations(t *testing.T) {
	store := openTestStore(t)

	var tableEvents []string
	cancelTable := store.SubscribeTable(TableProfiles, func(table, rowID string) {
		tableEvents = append(tableEvents, table+"/"+rowID)
	})

	var valueEvents int
	cancelValue := store.SubscribeValue(ValueActiveProfileID, func(key string) {
		valueEvents++
	})

	if err := store.SetRow(TableProfiles, "p1", Row{"id": "p1"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.SetValue(ValueActiveProfileID, "p1"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	if len(tableEvents) != 1 || tableEvents[0] != "profiles/p1" {
		t.Fatalf("unexpected table events: %v", tableEvents)
	}
	if valueEvents != 1 {
		t.Fatalf("expected one value event, got %d", valueEvents)
	}

	cancelTable()
	cancelValue()
	if err := store.SetRow(TableProfiles, "p2", Row{"id": "p2"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if len(tableEvents) != 1 {
		t.Fatalf("canceled subscription should not fire, got %v", tableEvents)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetRow(TableAccounts, "acct-1", Row{"id": "acct-1"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.SetValue(ValueActiveAccountID, "acct-1"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	raw, err := store.Snapshot()
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}

	other := openTestStore(t)
	var bulkFired bool
	other.SubscribeTable(TableAccounts, func(table, rowID string) {
		if rowID == "" {
			bulkFired = true
		}
	})
	if err := other.LoadSnapshot(raw); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	row, ok := other.GetRow(TableAccounts, "acct-1")
	if !ok || row["id"] != "acct-1" {
		t.Fatalf("expected imported row, got %#v (ok=%v)", row, ok)
	}
	value, ok := other.GetValue(ValueActiveAccountID)
	if !ok || value != "acct-1" {
		t.Fatalf("expected imported value, got %v", value)
	}
	if !bulkFired {
		t.Fatalf("expected bulk notification on snapshot import")
	}
}

func TestEnsureDefaultProfileIdempotent(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		if err := store.EnsureDefaultProfile("acct-1"); err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}

	profiles := store.ListRows(TableProfiles)
	if len(profiles) != 1 {
		t.Fatalf("expected exactly one profile, got %d", len(profiles))
	}
	row := profiles[DefaultProfileID]
	if row == nil {
		t.Fatalf("expected default profile id, got %#v", profiles)
	}
	if row["name"] != "Player 1" || row["icon"] != "star" {
		t.Fatalf("unexpected default profile contents: %#v", row)
	}
}

func TestEnsureDefaultProfileConcurrent(t *testing.T) {
	store := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.EnsureDefaultProfile("acct-1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(store.ListRows(TableProfiles)); got != 1 {
		t.Fatalf("expected one default profile, got %d", got)
	}
}

func TestEnsureDefaultProfileSkipsWhenProfileExists(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetRow(TableProfiles, "p1", Row{"id": "p1", "accountId": "acct-1"}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.EnsureDefaultProfile("acct-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	profiles := store.ListRows(TableProfiles)
	if len(profiles) != 1 {
		t.Fatalf("expected existing profile only, got %d", len(profiles))
	}
	if _, ok := profiles[DefaultProfileID]; ok {
		t.Fatalf("default profile should not be created when one exists")
	}
}
