package accounts

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidAccountID indicates that an account identifier is empty or exceeds storage bounds.
	ErrInvalidAccountID = errors.New("accounts: invalid account id")
	// ErrInvalidEmail indicates that an email address is empty or malformed.
	ErrInvalidEmail = errors.New("accounts: invalid email")
	// ErrNotFound indicates the account does not exist.
	ErrNotFound = errors.New("accounts: not found")
)

// AccountID represents a validated account identifier.
type AccountID string

// NewAccountID validates raw input and returns an AccountID.
func NewAccountID(rawInput string) (AccountID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAccountID, maxIdentifierLength)
	}
	return AccountID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AccountID) String() string {
	return string(id)
}

// NormalizeEmail validates and canonicalizes an email address.
func NormalizeEmail(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if _, err := mail.ParseAddress(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return trimmed, nil
}

// Account is the top-level tenant entity tied to one email address.
// Version doubles as the conflict-resolution clock: it is set to the
// current epoch-millis on every write.
type Account struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Email             string `gorm:"column:email;size:320;not null;uniqueIndex:idx_accounts_email" json:"email"`
	LastUpdatedMillis int64  `gorm:"column:last_updated_ms;not null" json:"lastUpdated"`
	Version           int64  `gorm:"column:version;not null" json:"version"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}
