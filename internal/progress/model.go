package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidKey indicates a missing account/profile/course identifier.
	ErrInvalidKey = errors.New("progress: invalid document key")
	// ErrNotFound indicates the course-progress document does not exist.
	ErrNotFound = errors.New("progress: not found")
)

// TutorialEntry holds the persisted code and completion state for one
// tutorial inside a course-progress document.
type TutorialEntry struct {
	Code               string `json:"code"`
	Completed          bool   `json:"completed"`
	LastAccessedMillis int64  `json:"lastAccessed"`
}

// TutorialCodeRow is the client-side atomic unit of progress: one row
// per (profile, tutorial) pair, keyed "<profileId>_<tutorialId>".
type TutorialCodeRow struct {
	ID                 string `json:"id"`
	ProfileID          string `json:"profileId"`
	TutorialID         string `json:"tutorialId"`
	CourseID           string `json:"courseId"`
	Code               string `json:"code"`
	Completed          bool   `json:"completed"`
	LastAccessedMillis int64  `json:"lastAccessed"`
}

// RowID derives the tutorial-code row key for a (profile, tutorial) pair.
func RowID(profileID, tutorialID string) string {
	return profileID + "_" + tutorialID
}

// Document is the sync-wire aggregate of all tutorial-code rows for one
// (account, profile, course). It is folded from rows before a push and
// exploded back into rows after a pull; the server persists it as its
// own record for sync efficiency.
type Document struct {
	AccountID         string                   `json:"accountId"`
	ProfileID         string                   `json:"profileId"`
	CourseID          string                   `json:"courseId"`
	TutorialCode      map[string]TutorialEntry `json:"tutorialCode"`
	LastUpdatedMillis int64                    `json:"lastUpdated"`
}

func (d Document) validateKey() error {
	if strings.TrimSpace(d.AccountID) == "" {
		return fmt.Errorf("%w: account id empty", ErrInvalidKey)
	}
	if strings.TrimSpace(d.ProfileID) == "" {
		return fmt.Errorf("%w: profile id empty", ErrInvalidKey)
	}
	if strings.TrimSpace(d.CourseID) == "" {
		return fmt.Errorf("%w: course id empty", ErrInvalidKey)
	}
	return nil
}

// Fold aggregates tutorial-code rows into the document's tutorialCode
// map. Rows not matching the (profile, course) pair are skipped.
func Fold(rows []TutorialCodeRow, profileID, courseID string) map[string]TutorialEntry {
	out := make(map[string]TutorialEntry)
	for _, row := range rows {
		if row.ProfileID != profileID || row.CourseID != courseID {
			continue
		}
		out[row.TutorialID] = TutorialEntry{
			Code:               row.Code,
			Completed:          row.Completed,
			LastAccessedMillis: row.LastAccessedMillis,
		}
	}
	return out
}

// Explode expands a document back into individual tutorial-code rows,
// keyed "<profileId>_<tutorialId>", in stable tutorial order.
func Explode(doc Document) []TutorialCodeRow {
	tutorialIDs := make([]string, 0, len(doc.TutorialCode))
	for tutorialID := range doc.TutorialCode {
		tutorialIDs = append(tutorialIDs, tutorialID)
	}
	sort.Strings(tutorialIDs)

	rows := make([]TutorialCodeRow, 0, len(tutorialIDs))
	for _, tutorialID := range tutorialIDs {
		entry := doc.TutorialCode[tutorialID]
		rows = append(rows, TutorialCodeRow{
			ID:                 RowID(doc.ProfileID, tutorialID),
			ProfileID:          doc.ProfileID,
			TutorialID:         tutorialID,
			CourseID:           doc.CourseID,
			Code:               entry.Code,
			Completed:          entry.Completed,
			LastAccessedMillis: entry.LastAccessedMillis,
		})
	}
	return rows
}

// CourseProgress is the storage binding for a document. The tutorialCode
// map is stored as a JSON text column.
type CourseProgress struct {
	AccountID         string `gorm:"column:account_id;primaryKey;size:190;not null"`
	ProfileID         string `gorm:"column:profile_id;primaryKey;size:190;not null"`
	CourseID          string `gorm:"column:course_id;primaryKey;size:190;not null"`
	TutorialCodeJSON  string `gorm:"column:tutorial_code;type:text;not null"`
	LastUpdatedMillis int64  `gorm:"column:last_updated_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CourseProgress) TableName() string {
	return "course_progress"
}

// Document decodes the storage record back into its wire document.
func (c CourseProgress) Document() (Document, error) {
	tutorialCode := map[string]TutorialEntry{}
	if c.TutorialCodeJSON != "" {
		if err := json.Unmarshal([]byte(c.TutorialCodeJSON), &tutorialCode); err != nil {
			return Document{}, fmt.Errorf("progress: decode tutorial code: %w", err)
		}
	}
	return Document{
		AccountID:         c.AccountID,
		ProfileID:         c.ProfileID,
		CourseID:          c.CourseID,
		TutorialCode:      tutorialCode,
		LastUpdatedMillis: c.LastUpdatedMillis,
	}, nil
}

func recordFromDocument(doc Document) (CourseProgress, error) {
	raw, err := json.Marshal(doc.TutorialCode)
	if err != nil {
		return CourseProgress{}, fmt.Errorf("progress: encode tutorial code: %w", err)
	}
	return CourseProgress{
		AccountID:         doc.AccountID,
		ProfileID:         doc.ProfileID,
		CourseID:          doc.CourseID,
		TutorialCodeJSON:  string(raw),
		LastUpdatedMillis: doc.LastUpdatedMillis,
	}, nil
}
