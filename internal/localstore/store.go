package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Table and value keys understood by the rest of the client.
const (
	TableProfiles     = "profiles"
	TableAccounts     = "accounts"
	TableTutorialCode = "tutorialCode"

	ValueActiveAccountID = "activeAccountId"
	ValueActiveProfileID = "activeProfileId"
	ValueLastSyncedAt    = "lastSyncedAt"

	// DefaultProfileID is the well-known identifier created for accounts
	// that have no profile yet.
	DefaultProfileID   = "default"
	defaultProfileName = "Player 1"
	defaultProfileIcon = "star"
)

var errMissingClock = errors.New("localstore: clock is required")

// Row is a single schemaless record within a table.
type Row map[string]any

// TableListener observes row-level mutations. A bulk reload (snapshot
// import) fires once per table with an empty rowID.
type TableListener func(table, rowID string)

// ValueListener observes scalar value mutations.
type ValueListener func(key string)

type snapshotData struct {
	Tables map[string]map[string]Row `json:"tables"`
	Values map[string]any            `json:"values"`
}

func emptySnapshot() *snapshotData {
	return &snapshotData{
		Tables: map[string]map[string]Row{},
		Values: map[string]any{},
	}
}

// Config describes how the store is opened.
type Config struct {
	// Path locates the backing file. Empty keeps the store in memory only.
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store is the client-side table/value store. Every mutation is flushed
// to the backing file before the call returns, and subscribers observe
// the mutation synchronously afterwards. Both UI writes and sync merges
// go through the same row-level API.
type Store struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	data      *snapshotData
	tableSubs map[string]map[int64]TableListener
	valueSubs map[string]map[int64]ValueListener
	nextSubID int64
	clock     func() time.Time
	logger    *zap.Logger
}

// Open loads (or initializes) the store at the configured path.
func Open(cfg Config) (*Store, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		path:      cfg.Path,
		data:      emptySnapshot(),
		tableSubs: map[string]map[int64]TableListener{},
		valueSubs: map[string]map[int64]ValueListener{},
		clock:     clock,
		logger:    logger,
	}

	if cfg.Path == "" {
		return store, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("localstore: create directory: %w", err)
	}
	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("localstore: open file: %w", err)
	}
	store.file = file
	if err := store.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return s.flushLocked()
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var data snapshotData
	if err := json.NewDecoder(s.file).Decode(&data); err != nil {
		return fmt.Errorf("localstore: decode snapshot: %w", err)
	}
	if data.Tables == nil {
		data.Tables = map[string]map[string]Row{}
	}
	if data.Values == nil {
		data.Values = map[string]any{}
	}
	s.data = &data
	return nil
}

func (s *Store) flushLocked() error {
	if s.file == nil {
		return nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := json.NewEncoder(s.file).Encode(s.data); err != nil {
		return err
	}
	// truncate in case new content is shorter
	pos, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	return s.file.Truncate(pos)
}

// SetRow writes a row and flushes. Subscribers see the row immediately.
func (s *Store) SetRow(table, rowID string, row Row) error {
	s.mu.Lock()
	if s.data.Tables[table] == nil {
		s.data.Tables[table] = map[string]Row{}
	}
	s.data.Tables[table][rowID] = cloneRow(row)
	err := s.flushLocked()
	listeners := s.tableListenersLocked(table)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("localstore: flush: %w", err)
	}
	for _, listener := range listeners {
		listener(table, rowID)
	}
	return nil
}

// GetRow returns a copy of the row, reporting whether it exists.
func (s *Store) GetRow(table, rowID string) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data.Tables[table]
	row, ok := rows[rowID]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

// DelRow removes a row and flushes.
func (s *Store) DelRow(table, rowID string) error {
	s.mu.Lock()
	rows := s.data.Tables[table]
	if _, ok := rows[rowID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(rows, rowID)
	err := s.flushLocked()
	listeners := s.tableListenersLocked(table)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("localstore: flush: %w", err)
	}
	for _, listener := range listeners {
		listener(table, rowID)
	}
	return nil
}

// ListRows returns copies of all rows in the table keyed by row id.
func (s *Store) ListRows(table string) map[string]Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data.Tables[table]
	out := make(map[string]Row, len(rows))
	for id, row := range rows {
		out[id] = cloneRow(row)
	}
	return out
}

// RowIDs returns the table's row ids in sorted order.
func (s *Store) RowIDs(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data.Tables[table]
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetValue writes a scalar value and flushes.
func (s *Store) SetValue(key string, value any) error {
	s.mu.Lock()
	s.data.Values[key] = value
	err := s.flushLocked()
	listeners := s.valueListenersLocked(key)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("localstore: flush: %w", err)
	}
	for _, listener := range listeners {
		listener(key)
	}
	return nil
}

// GetValue returns the scalar value, reporting whether it exists.
func (s *Store) GetValue(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data.Values[key]
	return value, ok
}

// DelValue removes a scalar value and flushes.
func (s *Store) DelValue(key string) error {
	s.mu.Lock()
	if _, ok := s.data.Values[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.data.Values, key)
	err := s.flushLocked()
	listeners := s.valueListenersLocked(key)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("localstore: flush: %w", err)
	}
	for _, listener := range listeners {
		listener(key)
	}
	return nil
}

// SubscribeTable registers a listener for mutations on the table. The
// returned function cancels the subscription.
func (s *Store) SubscribeTable(table string, listener TableListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if s.tableSubs[table] == nil {
		s.tableSubs[table] = map[int64]TableListener{}
	}
	s.tableSubs[table][id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.tableSubs[table], id)
	}
}

// SubscribeValue registers a listener for mutations on the value key.
func (s *Store) SubscribeValue(key string, listener ValueListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if s.valueSubs[key] == nil {
		s.valueSubs[key] = map[int64]ValueListener{}
	}
	s.valueSubs[key][id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.valueSubs[key], id)
	}
}

// Snapshot serializes the full store contents, compatible with the
// server-side account snapshot blob.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.data)
}

// LoadSnapshot replaces the entire store contents with the serialized
// snapshot, flushes, and fires a bulk notification per table.
func (s *Store) LoadSnapshot(raw []byte) error {
	var data snapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("localstore: decode snapshot: %w", err)
	}
	if data.Tables == nil {
		data.Tables = map[string]map[string]Row{}
	}
	if data.Values == nil {
		data.Values = map[string]any{}
	}

	s.mu.Lock()
	s.data = &data
	err := s.flushLocked()
	type tableNotice struct {
		table     string
		listeners []TableListener
	}
	notices := make([]tableNotice, 0, len(s.tableSubs))
	for table := range s.tableSubs {
		notices = append(notices, tableNotice{table: table, listeners: s.tableListenersLocked(table)})
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("localstore: flush: %w", err)
	}
	for _, notice := range notices {
		for _, listener := range notice.listeners {
			listener(notice.table, "")
		}
	}
	return nil
}

// EnsureDefaultProfile creates the well-known default profile when the
// account has no profiles. Idempotent, and safe under concurrent calls:
// the check and the create happen under one lock.
func (s *Store) EnsureDefaultProfile(accountID string) error {
	if s.clock == nil {
		return errMissingClock
	}

	s.mu.Lock()
	profiles := s.data.Tables[TableProfiles]
	for _, row := range profiles {
		if owner, _ := row["accountId"].(string); owner == accountID {
			s.mu.Unlock()
			return nil
		}
	}
	if profiles == nil {
		profiles = map[string]Row{}
		s.data.Tables[TableProfiles] = profiles
	}
	nowMillis := s.clock().UnixMilli()
	profiles[DefaultProfileID] = Row{
		"id":         DefaultProfileID,
		"accountId":  accountID,
		"name":       defaultProfileName,
		"icon":       defaultProfileIcon,
		"createdAt":  nowMillis,
		"lastActive": nowMillis,
	}
	err := s.flushLocked()
	listeners := s.tableListenersLocked(TableProfiles)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("localstore: flush: %w", err)
	}
	for _, listener := range listeners {
		listener(TableProfiles, DefaultProfileID)
	}
	return nil
}

func (s *Store) tableListenersLocked(table string) []TableListener {
	subs := s.tableSubs[table]
	out := make([]TableListener, 0, len(subs))
	for _, listener := range subs {
		out = append(out, listener)
	}
	return out
}

func (s *Store) valueListenersLocked(key string) []ValueListener {
	subs := s.valueSubs[key]
	out := make([]ValueListener, 0, len(subs))
	for _, listener := range subs {
		out = append(out, listener)
	}
	return out
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for key, value := range row {
		out[key] = value
	}
	return out
}
