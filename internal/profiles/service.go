package profiles

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/apperr"
	"github.com/shaneosullivan/jstutor-sync/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "profiles.service.new"
	opGet        = "profiles.get"
	opList       = "profiles.list"
	opCreate     = "profiles.create"
	opUpdate     = "profiles.update"
	opDelete     = "profiles.delete"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ProgressDeleter removes the course-progress documents owned by a
// profile when the profile is deleted.
type ProgressDeleter interface {
	DeleteForProfile(ctx context.Context, accountID, profileID string) error
}

// ServiceConfig describes the dependencies for the profile service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	IDs      ids.Provider
	Progress ProgressDeleter
	Logger   *zap.Logger
}

// Service owns profile records.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	ids      ids.Provider
	progress ProgressDeleter
	logger   *zap.Logger
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDs == nil {
		return nil, apperr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		clock:    clock,
		ids:      cfg.IDs,
		progress: cfg.Progress,
		logger:   logger,
	}, nil
}

// Get returns the profile by id or ErrNotFound.
func (s *Service) Get(ctx context.Context, profileID ProfileID) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("id = ?", profileID.String()).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, apperr.New(opGet, "query_failed", err)
	}
	return profile, nil
}

// List returns all profiles under the account, oldest first.
func (s *Service) List(ctx context.Context, accountID string) ([]Profile, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidAccountID
	}
	var out []Profile
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at_ms ASC").
		Find(&out).Error; err != nil {
		return nil, apperr.New(opList, "query_failed", err)
	}
	return out, nil
}

// Create persists a new profile, generating an id when none is supplied.
func (s *Service) Create(ctx context.Context, profile Profile) (Profile, error) {
	if strings.TrimSpace(profile.AccountID) == "" {
		return Profile{}, ErrInvalidAccountID
	}
	if strings.TrimSpace(profile.Name) == "" {
		return Profile{}, ErrInvalidName
	}
	if strings.TrimSpace(profile.ID) == "" {
		newID, err := s.ids.NewID()
		if err != nil {
			return Profile{}, apperr.New(opCreate, "id_generation_failed", err)
		}
		profile.ID = newID
	}

	nowMillis := s.clock().UnixMilli()
	if profile.CreatedAtMillis == 0 {
		profile.CreatedAtMillis = nowMillis
	}
	profile.LastActiveMillis = nowMillis

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&profile).Error
	if err != nil {
		s.logger.Error("profile create failed", zap.Error(err), zap.String("profile_id", profile.ID))
		return Profile{}, apperr.New(opCreate, "write_failed", err)
	}
	return profile, nil
}

// Update overwrites the named profile's mutable fields.
func (s *Service) Update(ctx context.Context, profile Profile) (Profile, error) {
	profileID, err := NewProfileID(profile.ID)
	if err != nil {
		return Profile{}, err
	}
	existing, err := s.Get(ctx, profileID)
	if err != nil {
		return Profile{}, err
	}

	if strings.TrimSpace(profile.Name) != "" {
		existing.Name = profile.Name
	}
	if strings.TrimSpace(profile.Icon) != "" {
		existing.Icon = profile.Icon
	}
	existing.LastActiveMillis = s.clock().UnixMilli()

	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		s.logger.Error("profile update failed", zap.Error(err), zap.String("profile_id", existing.ID))
		return Profile{}, apperr.New(opUpdate, "write_failed", err)
	}
	return existing, nil
}

// Delete removes the profile and cascades to its course-progress
// documents. The owning account is never touched.
func (s *Service) Delete(ctx context.Context, profileID ProfileID) (Profile, error) {
	profile, err := s.Get(ctx, profileID)
	if err != nil {
		return Profile{}, err
	}

	if err := s.db.WithContext(ctx).
		Where("id = ?", profile.ID).
		Delete(&Profile{}).Error; err != nil {
		s.logger.Error("profile delete failed", zap.Error(err), zap.String("profile_id", profile.ID))
		return Profile{}, apperr.New(opDelete, "delete_failed", err)
	}

	if s.progress != nil {
		if err := s.progress.DeleteForProfile(ctx, profile.AccountID, profile.ID); err != nil {
			return Profile{}, apperr.New(opDelete, "progress_cascade_failed", err)
		}
	}
	return profile, nil
}
