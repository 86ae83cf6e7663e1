package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/accounts"
	"github.com/shaneosullivan/jstutor-sync/internal/apperr"
	"github.com/shaneosullivan/jstutor-sync/internal/profiles"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "ledger.service.new"
	opAppend     = "ledger.append"
	opChanges    = "ledger.changes_for_account"
	opObjects    = "ledger.objects_from_changes"
)

var errMissingDatabase = errors.New("database handle is required")

// Counter is the minimal metrics surface the ledger increments.
// Satisfied by prometheus counters.
type Counter interface {
	Inc()
}

// ServiceConfig describes the dependencies for the change ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// Appends and AppendFailures are optional instrumentation hooks.
	Appends        Counter
	AppendFailures Counter
}

// Service owns the append-only change log.
type Service struct {
	db             *gorm.DB
	clock          func() time.Time
	logger         *zap.Logger
	appends        Counter
	appendFailures Counter
}

// NewService constructs the ledger service.
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
	return &Service{
		db:             cfg.Database,
		clock:          clock,
		logger:         logger,
		appends:        cfg.Appends,
		appendFailures: cfg.AppendFailures,
	}, nil
}

// Append writes one change record. Records are immutable once written.
func (s *Service) Append(ctx context.Context, req AppendRequest) (ChangeRecord, error) {
	if err := req.validate(); err != nil {
		return ChangeRecord{}, err
	}

	record := ChangeRecord{
		AccountID:       req.AccountID,
		EntityID:        req.EntityID,
		EntityType:      req.EntityType,
		ClientID:        req.ClientID,
		TimestampMillis: s.clock().UnixMilli(),
	}
	if scope, ok := req.Scope.(CourseScope); ok {
		record.ScopeCourseID = scope.CourseID
		record.ScopeProfileID = scope.ProfileID
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return ChangeRecord{}, apperr.New(opAppend, "insert_failed", err)
	}
	if s.appends != nil {
		s.appends.Inc()
	}
	return record, nil
}

// AppendBestEffort records the change after an already-committed primary
// write. A failed append is logged as a warning and swallowed: a missed
// ledger entry only delays convergence until the next full-snapshot
// sync, it never corrupts it.
func (s *Service) AppendBestEffort(ctx context.Context, req AppendRequest) {
	if _, err := s.Append(ctx, req); err != nil {
		if s.appendFailures != nil {
			s.appendFailures.Inc()
		}
		s.logger.Warn("change ledger append failed",
			zap.String("operation", opAppend),
			zap.String("account_id", req.AccountID),
			zap.String("entity_id", req.EntityID),
			zap.String("entity_type", string(req.EntityType)),
			zap.Error(err))
	}
}

// ChangesForAccount returns every change record for the account written
// by a client other than excludeClientID, optionally narrowed by entity
// type and, for course-typed records, by course. The whole history is
// scanned per call; no pagination or cursoring is offered.
func (s *Service) ChangesForAccount(ctx context.Context, accountID, excludeClientID string, filter Filter) ([]ChangeRecord, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidRecord
	}
	if strings.TrimSpace(excludeClientID) == "" {
		return nil, ErrMissingClientID
	}

	query := s.db.WithContext(ctx).
		Where("account_id = ? AND client_id <> ?", accountID, excludeClientID)

	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, entityType := range filter.Types {
			parsed, err := ParseEntityType(string(entityType))
			if err != nil {
				return nil, err
			}
			types = append(types, string(parsed))
		}
		query = query.Where("entity_type IN ?", types)
	}
	if strings.TrimSpace(filter.CourseID) != "" {
		// Course filter narrows course-typed records only; account and
		// profile changes are never course-scoped.
		query = query.Where("entity_type <> ? OR scope_course_id = ?", string(EntityTypeCourse), filter.CourseID)
	}

	var records []ChangeRecord
	if err := query.Order("timestamp_ms ASC, id ASC").Find(&records).Error; err != nil {
		s.logger.Error("changes query failed",
			zap.String("operation", opChanges),
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, apperr.New(opChanges, "query_failed", err)
	}
	return records, nil
}

// Objects groups the current entity snapshots referenced by a batch of
// change records.
type Objects struct {
	Accounts []accounts.Account  `json:"accounts"`
	Profiles []profiles.Profile  `json:"profiles"`
	Courses  []progress.Document `json:"courses"`
}

// ObjectsFromChanges resolves change records to the referenced entities'
// current state via direct lookup, never by replaying payloads.
// Duplicate references collapse; entities deleted since the record was
// written are skipped.
func (s *Service) ObjectsFromChanges(ctx context.Context, accountID string, changes []ChangeRecord) (Objects, error) {
	if strings.TrimSpace(accountID) == "" {
		return Objects{}, ErrInvalidRecord
	}

	seenAccounts := map[string]bool{}
	seenProfiles := map[string]bool{}
	seenCourses := map[string]bool{}
	var out Objects

	for _, change := range changes {
		switch change.EntityType {
		case EntityTypeAccount:
			if seenAccounts[accountID] {
				continue
			}
			seenAccounts[accountID] = true
			var account accounts.Account
			err := s.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return Objects{}, apperr.New(opObjects, "account_lookup_failed", err)
			}
			out.Accounts = append(out.Accounts, account)

		case EntityTypeProfile:
			if seenProfiles[change.EntityID] {
				continue
			}
			seenProfiles[change.EntityID] = true
			var matched []profiles.Profile
			err := s.db.WithContext(ctx).
				Where("account_id = ?", accountID).
				Find(&matched).Error
			if err != nil {
				return Objects{}, apperr.New(opObjects, "profile_lookup_failed", err)
			}
			for _, profile := range matched {
				if entityIDForProfile(profile.ID) == change.EntityID && !seenProfiles[profile.ID] {
					seenProfiles[profile.ID] = true
					out.Profiles = append(out.Profiles, profile)
				}
			}

		case EntityTypeCourse:
			key := change.ScopeProfileID + "\x00" + change.ScopeCourseID
			if seenCourses[key] || change.ScopeCourseID == "" || change.ScopeProfileID == "" {
				continue
			}
			seenCourses[key] = true
			var record progress.CourseProgress
			err := s.db.WithContext(ctx).
				Where("account_id = ? AND profile_id = ? AND course_id = ?",
					accountID, change.ScopeProfileID, change.ScopeCourseID).
				Take(&record).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return Objects{}, apperr.New(opObjects, "course_lookup_failed", err)
			}
			doc, err := record.Document()
			if err != nil {
				return Objects{}, apperr.New(opObjects, "course_decode_failed", err)
			}
			out.Courses = append(out.Courses, doc)
		}
	}
	return out, nil
}

// EntityIDForProfile derives the ledger entity id for a profile: the
// "profile_" prefix plus the numeric suffix of the profile id, falling
// back to the full id when it carries no trailing digits.
func EntityIDForProfile(profileID string) string {
	return entityIDForProfile(profileID)
}

func entityIDForProfile(profileID string) string {
	trimmed := strings.TrimSpace(profileID)
	i := len(trimmed)
	for i > 0 && trimmed[i-1] >= '0' && trimmed[i-1] <= '9' {
		i--
	}
	suffix := trimmed[i:]
	if suffix == "" {
		suffix = trimmed
	}
	return "profile_" + suffix
}
