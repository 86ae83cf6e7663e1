package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType tags a change record with the kind of entity that changed.
type EntityType string

const (
	// EntityTypeAccount marks a change to the account record itself.
	EntityTypeAccount EntityType = "account"
	// EntityTypeProfile marks a change to a profile under the account.
	EntityTypeProfile EntityType = "profile"
	// EntityTypeCourse marks a change to a course-progress document.
	EntityTypeCourse EntityType = "course"
)

var (
	// ErrInvalidEntityType indicates an unknown entity type value.
	ErrInvalidEntityType = errors.New("ledger: invalid entity type")
	// ErrInvalidRecord indicates a change record missing required fields.
	ErrInvalidRecord = errors.New("ledger: invalid change record")
	// ErrInvalidScope indicates a scope that does not match the entity type.
	ErrInvalidScope = errors.New("ledger: invalid scope for entity type")
	// ErrMissingClientID indicates the exclusion filter has no client id.
	ErrMissingClientID = errors.New("ledger: client id is required")
)

// ParseEntityType validates a raw entity type string.
func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityTypeAccount:
		return EntityTypeAccount, nil
	case EntityTypeProfile:
		return EntityTypeProfile, nil
	case EntityTypeCourse:
		return EntityTypeCourse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, raw)
	}
}

// Scope narrows a change record to the slice of the account it touched.
// Only course-typed records carry a scope; the variant is keyed by the
// entity type it applies to.
type Scope interface {
	appliesTo() EntityType
}

// CourseScope locates the course-progress document a change touched.
type CourseScope struct {
	CourseID  string
	ProfileID string
}

func (CourseScope) appliesTo() EntityType { return EntityTypeCourse }

// AppendRequest describes one change-record append.
type AppendRequest struct {
	AccountID  string
	EntityID   string
	EntityType EntityType
	ClientID   string
	Scope      Scope
}

func (r AppendRequest) validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: account id empty", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.EntityID) == "" {
		return fmt.Errorf("%w: entity id empty", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: client id empty", ErrInvalidRecord)
	}
	if _, err := ParseEntityType(string(r.EntityType)); err != nil {
		return err
	}
	switch r.EntityType {
	case EntityTypeCourse:
		scope, ok := r.Scope.(CourseScope)
		if !ok {
			return fmt.Errorf("%w: course change requires a course scope", ErrInvalidScope)
		}
		if strings.TrimSpace(scope.CourseID) == "" || strings.TrimSpace(scope.ProfileID) == "" {
			return fmt.Errorf("%w: course scope incomplete", ErrInvalidScope)
		}
	default:
		if r.Scope != nil {
			return fmt.Errorf("%w: %s change carries no scope", ErrInvalidScope, r.EntityType)
		}
	}
	return nil
}

// ChangeRecord is one immutable entry in the append-only change log. It
// notifies other clients that an entity changed; clients re-fetch the
// entity's current state rather than replaying a payload, so duplicate
// or out-of-order records are harmless.
type ChangeRecord struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	AccountID       string     `gorm:"column:account_id;size:190;not null;index:idx_changes_account_client,priority:1" json:"accountId"`
	EntityID        string     `gorm:"column:entity_id;size:190;not null" json:"entityId"`
	EntityType      EntityType `gorm:"column:entity_type;size:32;not null" json:"entityType"`
	ClientID        string     `gorm:"column:client_id;size:190;not null;index:idx_changes_account_client,priority:2" json:"clientId"`
	TimestampMillis int64      `gorm:"column:timestamp_ms;not null" json:"timestamp"`
	ScopeCourseID   string     `gorm:"column:scope_course_id;size:190" json:"courseId,omitempty"`
	ScopeProfileID  string     `gorm:"column:scope_profile_id;size:190" json:"profileId,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// Filter narrows a changes query.
type Filter struct {
	// Types restricts results to the listed entity types. Empty means all.
	Types []EntityType
	// CourseID restricts course-typed records to one course. Records of
	// other types are unaffected.
	CourseID string
}
