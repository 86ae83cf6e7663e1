package profiles

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProfileID indicates that a profile identifier is empty or exceeds storage bounds.
	ErrInvalidProfileID = errors.New("profiles: invalid profile id")
	// ErrInvalidAccountID indicates that the owning account reference is missing.
	ErrInvalidAccountID = errors.New("profiles: invalid account id")
	// ErrInvalidName indicates that the profile name is empty.
	ErrInvalidName = errors.New("profiles: invalid name")
	// ErrNotFound indicates the profile does not exist.
	ErrNotFound = errors.New("profiles: not found")
)

// ProfileID represents a validated profile identifier.
type ProfileID string

// NewProfileID validates raw input and returns a ProfileID.
func NewProfileID(rawInput string) (ProfileID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProfileID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProfileID, maxIdentifierLength)
	}
	return ProfileID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProfileID) String() string {
	return string(id)
}

// Profile is a named persona under an account. AccountID is a
// back-reference only: deleting a profile cascades to its course
// progress, never to the account.
type Profile struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	AccountID        string `gorm:"column:account_id;size:190;not null;index:idx_profiles_account" json:"accountId"`
	Name             string `gorm:"column:name;size:190;not null" json:"name"`
	Icon             string `gorm:"column:icon;size:64" json:"icon"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null" json:"createdAt"`
	LastActiveMillis int64  `gorm:"column:last_active_ms;not null" json:"lastActive"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}
