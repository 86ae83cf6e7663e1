package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/ledger"
	"github.com/shaneosullivan/jstutor-sync/internal/localstore"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"go.uber.org/zap"
)

const (
	defaultDebounceInterval = 2 * time.Second
	defaultCacheWindow      = 10 * time.Second

	flushTimeout = 15 * time.Second
)

var (
	errMissingStore    = errors.New("syncclient: local store required")
	errMissingClient   = errors.New("syncclient: api client required")
	errNoActiveAccount = errors.New("syncclient: no active account")
	errClosed          = errors.New("syncclient: orchestrator closed")
)

// OrchestratorConfig describes the orchestrator's dependencies.
type OrchestratorConfig struct {
	Store  *localstore.Store
	Client *Client
	Logger *zap.Logger
	Clock  func() time.Time

	// DebounceInterval delays course pushes so rapid edits coalesce
	// into one request. Defaults to 2s.
	DebounceInterval time.Duration
	// CacheWindow is how long an in-flight change poll is shared with
	// identical callers. Defaults to 10s.
	CacheWindow time.Duration
}

// Orchestrator drives sync between the local store and the server.
// Pushes are debounced per (account, profile, course); pulls are
// deduplicated across identical concurrent callers. Network failures
// are logged and swallowed; the next edit or focus event retries.
type Orchestrator struct {
	store       *localstore.Store
	client      *Client
	logger      *zap.Logger
	clock       func() time.Time
	debounce    time.Duration
	cacheWindow time.Duration

	mu       sync.Mutex
	closed   bool
	timers   map[string]*time.Timer
	inflight map[string]*fetchEntry
	checked  map[string]bool
}

type fetchEntry struct {
	done    chan struct{}
	startAt time.Time
	batch   ChangeBatch
	err     error
}

// NewOrchestrator constructs the sync orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	debounce := cfg.DebounceInterval
	if debounce <= 0 {
		debounce = defaultDebounceInterval
	}
	cacheWindow := cfg.CacheWindow
	if cacheWindow <= 0 {
		cacheWindow = defaultCacheWindow
	}
	return &Orchestrator{
		store:       cfg.Store,
		client:      cfg.Client,
		logger:      logger,
		clock:       clock,
		debounce:    debounce,
		cacheWindow: cacheWindow,
		timers:      make(map[string]*time.Timer),
		inflight:    make(map[string]*fetchEntry),
		checked:     make(map[string]bool),
	}, nil
}

// Close cancels pending push timers. In-flight requests finish on their
// own; no new work is scheduled afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for key, timer := range o.timers {
		timer.Stop()
		delete(o.timers, key)
	}
}

func courseKey(accountID, profileID, courseID string) string {
	return accountID + "|" + profileID + "|" + courseID
}

// RecordLocalEdit writes one tutorial edit into the local store and
// schedules a debounced push for its course.
func (o *Orchestrator) RecordLocalEdit(accountID, profileID, courseID, tutorialID, code string, completed bool) error {
	rowID := progress.RowID(profileID, tutorialID)
	row := localstore.Row{
		"id":           rowID,
		"profileId":    profileID,
		"tutorialId":   tutorialID,
		"courseId":     courseID,
		"code":         code,
		"completed":    completed,
		"lastAccessed": o.clock().UnixMilli(),
	}
	if err := o.store.SetRow(localstore.TableTutorialCode, rowID, row); err != nil {
		return err
	}
	o.ClearSyncCache()
	o.ScheduleCourseSync(accountID, profileID, courseID)
	return nil
}

// ScheduleCourseSync arms the trailing debounce timer for the course.
// A pending timer is replaced, so only the last edit in a burst fires.
func (o *Orchestrator) ScheduleCourseSync(accountID, profileID, courseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	key := courseKey(accountID, profileID, courseID)
	if pending, ok := o.timers[key]; ok {
		pending.Stop()
	}
	o.timers[key] = time.AfterFunc(o.debounce, func() {
		o.flushCourse(accountID, profileID, courseID)
	})
}

func (o *Orchestrator) flushCourse(accountID, profileID, courseID string) {
	o.mu.Lock()
	delete(o.timers, courseKey(accountID, profileID, courseID))
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := o.PushCourseProgress(ctx, accountID, profileID, courseID); err != nil {
		o.logger.Warn("course progress push failed",
			zap.String("account_id", accountID),
			zap.String("profile_id", profileID),
			zap.String("course_id", courseID),
			zap.Error(err))
	}
}

// PushCourseProgress folds the course's local rows into a document and
// sends it immediately, bypassing the debounce.
func (o *Orchestrator) PushCourseProgress(ctx context.Context, accountID, profileID, courseID string) error {
	rows, err := o.tutorialRows()
	if err != nil {
		return err
	}

	doc := progress.Document{
		AccountID:    accountID,
		ProfileID:    profileID,
		CourseID:     courseID,
		TutorialCode: progress.Fold(rows, profileID, courseID),
	}
	if _, err := o.client.SaveCourseProgress(ctx, doc); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) tutorialRows() ([]progress.TutorialCodeRow, error) {
	stored := o.store.ListRows(localstore.TableTutorialCode)
	rows := make([]progress.TutorialCodeRow, 0, len(stored))
	for _, raw := range stored {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("syncclient: encode tutorial row: %w", err)
		}
		var row progress.TutorialCodeRow
		if err := json.Unmarshal(encoded, &row); err != nil {
			return nil, fmt.Errorf("syncclient: decode tutorial row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// PushSnapshot exports the whole local store and overwrites the
// server-side snapshot, advancing the local sync watermark on success.
func (o *Orchestrator) PushSnapshot(ctx context.Context) error {
	accountID, email, err := o.activeAccount()
	if err != nil {
		return err
	}

	data, err := o.store.Snapshot()
	if err != nil {
		return err
	}
	stamp, err := o.client.PushSnapshot(ctx, accountID, email, string(data))
	if err != nil {
		return err
	}
	return o.store.SetValue(localstore.ValueLastSyncedAt, stamp.LastUpdatedMillis)
}

// SyncIfNewer probes the server-side snapshot clock and applies the
// remote snapshot only when it is strictly newer than the local
// watermark. Returns whether the snapshot was applied.
func (o *Orchestrator) SyncIfNewer(ctx context.Context) (bool, error) {
	accountID, _, err := o.activeAccount()
	if err != nil {
		return false, err
	}

	stamp, err := o.client.SnapshotTimestamp(ctx, accountID)
	if errors.Is(err, ErrRemoteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if stamp.LastUpdatedMillis <= o.lastSyncedAt() {
		return false, nil
	}

	remote, err := o.client.FetchSnapshot(ctx, accountID)
	if err != nil {
		return false, err
	}
	if err := o.store.LoadSnapshot([]byte(remote.Data)); err != nil {
		return false, err
	}
	if err := o.store.SetValue(localstore.ValueLastSyncedAt, stamp.LastUpdatedMillis); err != nil {
		return false, err
	}
	return true, nil
}

// FetchChangesFromOtherClients polls the change feed. Identical
// concurrent calls within the cache window share one request.
func (o *Orchestrator) FetchChangesFromOtherClients(ctx context.Context, filter ledger.Filter) (ChangeBatch, error) {
	accountID, _, err := o.activeAccount()
	if err != nil {
		return ChangeBatch{}, err
	}

	key := fetchKey(accountID, filter)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ChangeBatch{}, errClosed
	}
	if entry, ok := o.inflight[key]; ok && o.clock().Sub(entry.startAt) < o.cacheWindow {
		o.mu.Unlock()
		<-entry.done
		return entry.batch, entry.err
	}
	entry := &fetchEntry{done: make(chan struct{}), startAt: o.clock()}
	o.inflight[key] = entry
	o.mu.Unlock()

	entry.batch, entry.err = o.client.FetchChanges(ctx, accountID, filter)
	close(entry.done)

	if entry.err != nil {
		// failed polls are not cached; the next caller retries
		o.mu.Lock()
		if o.inflight[key] == entry {
			delete(o.inflight, key)
		}
		o.mu.Unlock()
	}
	return entry.batch, entry.err
}

func fetchKey(accountID string, filter ledger.Filter) string {
	key := accountID
	for _, entityType := range filter.Types {
		key += "|" + string(entityType)
	}
	return key + "|" + filter.CourseID
}

// ClearSyncCache drops the change poll cache. Local write paths call
// this so the next poll observes the server state after their push.
func (o *Orchestrator) ClearSyncCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight = make(map[string]*fetchEntry)
}

// MergeChanges applies a change feed batch to the local store. Account
// and profile objects overwrite rows directly; course documents explode
// into tutorial-code rows.
func (o *Orchestrator) MergeChanges(batch ChangeBatch) error {
	for _, account := range batch.Objects.Accounts {
		row, err := rowFromValue(account)
		if err != nil {
			return err
		}
		if err := o.store.SetRow(localstore.TableAccounts, account.ID, row); err != nil {
			return err
		}
	}
	for _, profile := range batch.Objects.Profiles {
		row, err := rowFromValue(profile)
		if err != nil {
			return err
		}
		if err := o.store.SetRow(localstore.TableProfiles, profile.ID, row); err != nil {
			return err
		}
	}
	for _, doc := range batch.Objects.Courses {
		for _, tutorialRow := range progress.Explode(doc) {
			row, err := rowFromValue(tutorialRow)
			if err != nil {
				return err
			}
			if err := o.store.SetRow(localstore.TableTutorialCode, tutorialRow.ID, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// rowFromValue converts a typed sync object into a generic store row
// via a JSON round trip, so merged rows carry the same keys the wire
// format uses.
func rowFromValue(value any) (localstore.Row, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("syncclient: encode merge object: %w", err)
	}
	var row localstore.Row
	if err := json.Unmarshal(encoded, &row); err != nil {
		return nil, fmt.Errorf("syncclient: decode merge object: %w", err)
	}
	return row, nil
}

// SyncCourseOnce polls and merges changes for one course, at most once
// per session per (account, profile, course). MarkFocusRegained resets
// the set so returning users get a fresh check.
func (o *Orchestrator) SyncCourseOnce(ctx context.Context, profileID, courseID string) error {
	accountID, _, err := o.activeAccount()
	if err != nil {
		return err
	}

	key := courseKey(accountID, profileID, courseID)
	o.mu.Lock()
	if o.checked[key] {
		o.mu.Unlock()
		return nil
	}
	o.checked[key] = true
	o.mu.Unlock()

	batch, err := o.FetchChangesFromOtherClients(ctx, ledger.Filter{
		Types:    []ledger.EntityType{ledger.EntityTypeCourse},
		CourseID: courseID,
	})
	if err != nil {
		// allow a retry on the next call rather than next focus
		o.mu.Lock()
		delete(o.checked, key)
		o.mu.Unlock()
		return err
	}
	return o.MergeChanges(batch)
}

// MarkFocusRegained clears the per-session checked set, typically on a
// window focus event.
func (o *Orchestrator) MarkFocusRegained() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checked = make(map[string]bool)
}

func (o *Orchestrator) activeAccount() (accountID, email string, err error) {
	raw, ok := o.store.GetValue(localstore.ValueActiveAccountID)
	if !ok {
		return "", "", errNoActiveAccount
	}
	accountID, ok = raw.(string)
	if !ok || accountID == "" {
		return "", "", errNoActiveAccount
	}
	if row, ok := o.store.GetRow(localstore.TableAccounts, accountID); ok {
		if value, ok := row["email"].(string); ok {
			email = value
		}
	}
	return accountID, email, nil
}

func (o *Orchestrator) lastSyncedAt() int64 {
	raw, ok := o.store.GetValue(localstore.ValueLastSyncedAt)
	if !ok {
		return 0
	}
	// values round-trip through JSON, so numbers may come back as float64
	switch v := raw.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
