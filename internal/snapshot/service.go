package snapshot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "snapshot.service.new"
	opSave       = "snapshot.save"
	opGet        = "snapshot.get"
	opTimestamp  = "snapshot.timestamp"
	opIsNewer    = "snapshot.is_remote_newer"
)

var (
	// ErrNotFound indicates no snapshot exists for the account.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrInvalidAccountID indicates a missing account identifier.
	ErrInvalidAccountID = errors.New("snapshot: invalid account id")

	errMissingDatabase = errors.New("database handle is required")
)

// AccountSnapshot holds one account's full exported local-store state as
// an opaque blob. Overwritten wholesale on every push; lastUpdated is
// the sole conflict-detection scalar.
type AccountSnapshot struct {
	AccountID         string `gorm:"column:account_id;primaryKey;size:190;not null" json:"accountId"`
	Email             string `gorm:"column:email;size:320;not null" json:"email"`
	Data              string `gorm:"column:data;type:text;not null" json:"data"`
	LastUpdatedMillis int64  `gorm:"column:last_updated_ms;not null" json:"lastUpdated"`
	Version           int64  `gorm:"column:version;not null" json:"version"`
}

// TableName provides the explicit table binding for GORM.
func (AccountSnapshot) TableName() string {
	return "account_snapshots"
}

// Timestamp is the cheap staleness probe: the snapshot's clock fields
// without the blob.
type Timestamp struct {
	LastUpdatedMillis int64 `json:"lastUpdated"`
	Version           int64 `json:"version"`
}

// ServiceConfig describes the dependencies for the snapshot store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists one snapshot document per account.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the snapshot service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Save upserts the snapshot document, fully overwriting the prior blob
// and stamping lastUpdated and version with the current epoch-millis.
func (s *Service) Save(ctx context.Context, accountID, email, data string) (AccountSnapshot, error) {
	if strings.TrimSpace(accountID) == "" {
		return AccountSnapshot{}, ErrInvalidAccountID
	}

	nowMillis := s.clock().UnixMilli()
	doc := AccountSnapshot{
		AccountID:         accountID,
		Email:             email,
		Data:              data,
		LastUpdatedMillis: nowMillis,
		Version:           nowMillis,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&doc).Error
	if err != nil {
		s.logger.Error("snapshot save failed", zap.Error(err), zap.String("account_id", accountID))
		return AccountSnapshot{}, apperr.New(opSave, "write_failed", err)
	}
	return doc, nil
}

// Get returns the full snapshot document or ErrNotFound.
func (s *Service) Get(ctx context.Context, accountID string) (AccountSnapshot, error) {
	if strings.TrimSpace(accountID) == "" {
		return AccountSnapshot{}, ErrInvalidAccountID
	}
	var doc AccountSnapshot
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccountSnapshot{}, ErrNotFound
	}
	if err != nil {
		return AccountSnapshot{}, apperr.New(opGet, "query_failed", err)
	}
	return doc, nil
}

// Timestamp returns only the staleness fields, avoiding the blob transfer.
func (s *Service) Timestamp(ctx context.Context, accountID string) (Timestamp, error) {
	if strings.TrimSpace(accountID) == "" {
		return Timestamp{}, ErrInvalidAccountID
	}
	var doc AccountSnapshot
	err := s.db.WithContext(ctx).
		Select("last_updated_ms", "version").
		Where("account_id = ?", accountID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Timestamp{}, ErrNotFound
	}
	if err != nil {
		return Timestamp{}, apperr.New(opTimestamp, "query_failed", err)
	}
	return Timestamp{LastUpdatedMillis: doc.LastUpdatedMillis, Version: doc.Version}, nil
}

// IsRemoteDataNewer reports whether the stored snapshot strictly
// postdates the supplied local timestamp. Equal timestamps return false
// so a tied clock never triggers an overwrite; a missing snapshot is
// never newer.
func (s *Service) IsRemoteDataNewer(ctx context.Context, accountID string, localTimestampMillis int64) (bool, error) {
	ts, err := s.Timestamp(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.New(opIsNewer, "timestamp_failed", err)
	}
	return ts.LastUpdatedMillis > localTimestampMillis, nil
}
