package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/shaneosullivan/jstutor-sync/internal/apperr"
	"github.com/shaneosullivan/jstutor-sync/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "accounts.service.new"
	opGet         = "accounts.get"
	opUpsert      = "accounts.upsert"
	opFindByEmail = "accounts.find_by_email"
	opCreateOrGet = "accounts.create_or_get"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies for the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service owns account records and their conflict-resolution clock.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Get returns the account by id or ErrNotFound.
func (s *Service) Get(ctx context.Context, accountID AccountID) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("id = ?", accountID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("account_id", accountID.String()))
		return Account{}, apperr.New(opGet, "query_failed", err)
	}
	return account, nil
}

// Upsert writes the account wholesale, stamping lastUpdated and version
// with the current epoch-millis.
func (s *Service) Upsert(ctx context.Context, account Account) (Account, error) {
	if _, err := NewAccountID(account.ID); err != nil {
		return Account{}, err
	}
	email, err := NormalizeEmail(account.Email)
	if err != nil {
		return Account{}, err
	}

	nowMillis := s.clock().UnixMilli()
	account.Email = email
	account.LastUpdatedMillis = nowMillis
	account.Version = nowMillis

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&account).Error
	if err != nil {
		s.logError(opUpsert, "write_failed", err, zap.String("account_id", account.ID))
		return Account{}, apperr.New(opUpsert, "write_failed", err)
	}
	return account, nil
}

// FindByEmail returns the account registered under the email, or ErrNotFound.
func (s *Service) FindByEmail(ctx context.Context, rawEmail string) (Account, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return Account{}, err
	}
	var account Account
	queryErr := s.db.WithContext(ctx).
		Where("email = ?", email).
		Take(&account).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if queryErr != nil {
		s.logError(opFindByEmail, "query_failed", queryErr)
		return Account{}, apperr.New(opFindByEmail, "query_failed", queryErr)
	}
	return account, nil
}

// CreateOrGetByEmail returns the existing account for the email or
// creates one. The read-check-write runs inside a transaction so two
// near-simultaneous sign-ins converge on a single account; the unique
// email index backstops backends that do not serialize the window, in
// which case the loser re-reads the winner's row.
func (s *Service) CreateOrGetByEmail(ctx context.Context, rawEmail string) (Account, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return Account{}, err
	}

	var account Account
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", email).
			Take(&account).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opCreateOrGet, "query_failed", err)
		}

		newID, err := s.idProvider.NewID()
		if err != nil {
			return apperr.New(opCreateOrGet, "id_generation_failed", err)
		}
		nowMillis := s.clock().UnixMilli()
		account = Account{
			ID:                newID,
			Email:             email,
			LastUpdatedMillis: nowMillis,
			Version:           nowMillis,
		}
		if err := tx.Create(&account).Error; err != nil {
			return apperr.New(opCreateOrGet, "create_failed", err)
		}
		return nil
	})

	if txErr != nil {
		// A unique-index violation means another writer won the race;
		// the surviving row is the answer.
		var existing Account
		if err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error; err == nil {
			return existing, nil
		}
		s.logError(opCreateOrGet, "transaction_failed", txErr)
		return Account{}, txErr
	}
	return account, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}
