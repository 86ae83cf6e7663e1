package progress

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
	opServiceNew       = "progress.service.new"
	opSave             = "progress.save"
	opGet              = "progress.get"
	opListForAccount   = "progress.list_for_account"
	opDelete           = "progress.delete"
	opDeleteForProfile = "progress.delete_for_profile"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies for the course-progress service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns server-side course-progress documents.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the course-progress service.
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

// Save upserts the document wholesale, stamping lastUpdated.
func (s *Service) Save(ctx context.Context, doc Document) (Document, error) {
	if err := doc.validateKey(); err != nil {
		return Document{}, err
	}
	doc.LastUpdatedMillis = s.clock().UnixMilli()
	if doc.TutorialCode == nil {
		doc.TutorialCode = map[string]TutorialEntry{}
	}

	record, err := recordFromDocument(doc)
	if err != nil {
		return Document{}, apperr.New(opSave, "encode_failed", err)
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "account_id"}, {Name: "profile_id"}, {Name: "course_id"},
			},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		s.logger.Error("course progress save failed", zap.Error(err),
			zap.String("account_id", doc.AccountID),
			zap.String("course_id", doc.CourseID))
		return Document{}, apperr.New(opSave, "write_failed", err)
	}
	return doc, nil
}

// Get returns the document for the (account, profile, course) key.
func (s *Service) Get(ctx context.Context, accountID, profileID, courseID string) (Document, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(profileID) == "" || strings.TrimSpace(courseID) == "" {
		return Document{}, ErrInvalidKey
	}
	var record CourseProgress
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND profile_id = ? AND course_id = ?", accountID, profileID, courseID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, apperr.New(opGet, "query_failed", err)
	}
	doc, err := record.Document()
	if err != nil {
		return Document{}, apperr.New(opGet, "decode_failed", err)
	}
	return doc, nil
}

// ListForAccount returns every document under the account.
func (s *Service) ListForAccount(ctx context.Context, accountID string) ([]Document, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidKey
	}
	var records []CourseProgress
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("profile_id ASC, course_id ASC").
		Find(&records).Error; err != nil {
		return nil, apperr.New(opListForAccount, "query_failed", err)
	}
	out := make([]Document, 0, len(records))
	for _, record := range records {
		doc, err := record.Document()
		if err != nil {
			return nil, apperr.New(opListForAccount, "decode_failed", err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// Delete removes one document.
func (s *Service) Delete(ctx context.Context, accountID, profileID, courseID string) error {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(profileID) == "" || strings.TrimSpace(courseID) == "" {
		return ErrInvalidKey
	}
	result := s.db.WithContext(ctx).
		Where("account_id = ? AND profile_id = ? AND course_id = ?", accountID, profileID, courseID).
		Delete(&CourseProgress{})
	if result.Error != nil {
		return apperr.New(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteForProfile removes every document owned by the profile. Used by
// the profile-deletion cascade.
func (s *Service) DeleteForProfile(ctx context.Context, accountID, profileID string) error {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(profileID) == "" {
		return ErrInvalidKey
	}
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND profile_id = ?", accountID, profileID).
		Delete(&CourseProgress{}).Error; err != nil {
		return apperr.New(opDeleteForProfile, "delete_failed", err)
	}
	return nil
}
