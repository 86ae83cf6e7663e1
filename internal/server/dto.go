package server

import (
	"github.com/go-playground/validator/v10"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
)

var validate = validator.New()

type accountPayload struct {
	ID    string `json:"id" validate:"required,max=190"`
	Email string `json:"email" validate:"required,email"`
}

type snapshotPayload struct {
	AccountID string `json:"accountId" validate:"required,max=190"`
	Email     string `json:"email" validate:"required,email"`
	Data      string `json:"data" validate:"required"`
}

type profileCreatePayload struct {
	ID        string `json:"id" validate:"omitempty,max=190"`
	AccountID string `json:"accountId" validate:"required,max=190"`
	Name      string `json:"name" validate:"required,max=190"`
	Icon      string `json:"icon" validate:"omitempty,max=64"`
}

type profileUpdatePayload struct {
	ID   string `json:"id" validate:"required,max=190"`
	Name string `json:"name" validate:"omitempty,max=190"`
	Icon string `json:"icon" validate:"omitempty,max=64"`
}

type courseProgressPayload struct {
	AccountID    string                            `json:"accountId" validate:"required,max=190"`
	ProfileID    string                            `json:"profileId" validate:"required,max=190"`
	CourseID     string                            `json:"courseId" validate:"required,max=190"`
	TutorialCode map[string]progress.TutorialEntry `json:"tutorialCode"`
}
