package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shaneosullivan/jstutor-sync/internal/accounts"
	"github.com/shaneosullivan/jstutor-sync/internal/apperr"
	"github.com/shaneosullivan/jstutor-sync/internal/auth"
	"github.com/shaneosullivan/jstutor-sync/internal/identity"
	"github.com/shaneosullivan/jstutor-sync/internal/ledger"
	"github.com/shaneosullivan/jstutor-sync/internal/profiles"
	"github.com/shaneosullivan/jstutor-sync/internal/progress"
	"github.com/shaneosullivan/jstutor-sync/internal/snapshot"
	"go.uber.org/zap"
)

const clientIDContextKey = "jstutor_client_id"

var (
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingProfilesService = errors.New("profiles service dependency required")
	errMissingProgressService = errors.New("progress service dependency required")
	errMissingSnapshotService = errors.New("snapshot service dependency required")
	errMissingLedgerService   = errors.New("ledger service dependency required")
)

// Dependencies wires the services the HTTP surface exposes. Sessions
// and Metrics are optional; everything else is required.
type Dependencies struct {
	Accounts  *accounts.Service
	Profiles  *profiles.Service
	Progress  *progress.Service
	Snapshots *snapshot.Service
	Ledger    *ledger.Service
	Sessions  *auth.SessionValidator
	Metrics   *Metrics
	Logger    *zap.Logger

	CORSOrigins []string
}

// NewHTTPHandler builds the sync API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Profiles == nil {
		return nil, errMissingProfilesService
	}
	if deps.Progress == nil {
		return nil, errMissingProgressService
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshotService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts:  deps.Accounts,
		profiles:  deps.Profiles,
		progress:  deps.Progress,
		snapshots: deps.Snapshots,
		ledger:    deps.Ledger,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET("/accounts", handler.handleGetAccount)
	router.GET("/sync", handler.handleGetSnapshot)
	router.GET("/sync/timestamp", handler.handleSnapshotTimestamp)
	router.GET("/profiles", handler.handleGetProfiles)
	router.GET("/course-progress", handler.handleGetCourseProgress)

	// Mutations and the change feed are meaningless without a client
	// identity: the ledger must record who wrote, and the feed must
	// exclude the caller's own records.
	identified := router.Group("/")
	identified.Use(handler.requireClientID)
	identified.POST("/accounts", handler.handleUpsertAccount)
	identified.PUT("/accounts", handler.handleUpsertAccount)
	identified.POST("/sync", handler.handlePushSnapshot)
	identified.GET("/changes", handler.handleChanges)
	identified.POST("/profiles", handler.handleCreateProfile)
	identified.PUT("/profiles", handler.handleUpdateProfile)
	identified.DELETE("/profiles", handler.handleDeleteProfile)
	identified.POST("/course-progress", handler.handleSaveCourseProgress)
	identified.DELETE("/course-progress", handler.handleDeleteCourseProgress)

	return router, nil
}

type httpHandler struct {
	accounts  *accounts.Service
	profiles  *profiles.Service
	progress  *progress.Service
	snapshots *snapshot.Service
	ledger    *ledger.Service
	sessions  *auth.SessionValidator
	metrics   *Metrics
	logger    *zap.Logger
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, code string) {
	c.JSON(status, gin.H{"success": false, "error": code})
}

func (h *httpHandler) respondInternal(c *gin.Context, operation string, err error) {
	h.logger.Error("request failed",
		zap.String("operation", operation),
		zap.String("path", c.FullPath()),
		zap.Error(err))

	body := gin.H{"success": false, "error": "internal_error"}
	var coded *apperr.Error
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(http.StatusInternalServerError, body)
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, accounts.ErrInvalidAccountID),
		errors.Is(err, accounts.ErrInvalidEmail),
		errors.Is(err, profiles.ErrInvalidProfileID),
		errors.Is(err, profiles.ErrInvalidAccountID),
		errors.Is(err, profiles.ErrInvalidName),
		errors.Is(err, progress.ErrInvalidKey),
		errors.Is(err, snapshot.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidRecord),
		errors.Is(err, ledger.ErrInvalidScope),
		errors.Is(err, ledger.ErrInvalidEntityType):
		return true
	}
	return false
}

func (h *httpHandler) requireClientID(c *gin.Context) {
	clientID, err := identity.ReadCookie(c.Request)
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing_client_id")
		c.Abort()
		return
	}
	c.Set(clientIDContextKey, clientID)
	c.Next()
}

func (h *httpHandler) clientID(c *gin.Context) string {
	return c.GetString(clientIDContextKey)
}

// sessionEmail resolves the signed-in email from the session cookie
// when a validator is configured. Absent or invalid sessions are not
// an error here; handlers fall back to the request payload.
func (h *httpHandler) sessionEmail(c *gin.Context) string {
	if h.sessions == nil {
		return ""
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		return ""
	}
	return claims.Email
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	accountID, err := accounts.NewAccountID(c.Query("accountId"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_account_id")
		return
	}

	account, err := h.accounts.Get(c.Request.Context(), accountID)
	if errors.Is(err, accounts.ErrNotFound) {
		respondError(c, http.StatusNotFound, "account_not_found")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.accounts.get", err)
		return
	}
	respondData(c, http.StatusOK, account)
}

func (h *httpHandler) handleUpsertAccount(c *gin.Context) {
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	// A valid session is authoritative for the email; the payload only
	// has to carry one when the caller is not signed in.
	if email := h.sessionEmail(c); email != "" {
		payload.Email = email
	}
	if err := validate.Struct(payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	account, err := h.accounts.Upsert(c.Request.Context(), accounts.Account{
		ID:    payload.ID,
		Email: payload.Email,
	})
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.accounts.upsert", err)
		return
	}

	h.ledger.AppendBestEffort(c.Request.Context(), ledger.AppendRequest{
		AccountID:  account.ID,
		EntityID:   account.ID,
		EntityType: ledger.EntityTypeAccount,
		ClientID:   h.clientID(c),
	})
	respondData(c, http.StatusOK, account)
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("accountId"))
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "invalid_account_id")
		return
	}

	doc, err := h.snapshots.Get(c.Request.Context(), accountID)
	if errors.Is(err, snapshot.ErrNotFound) {
		respondError(c, http.StatusNotFound, "snapshot_not_found")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.sync.get", err)
		return
	}
	if h.metrics != nil {
		h.metrics.SnapshotPulls.Inc()
	}
	respondData(c, http.StatusOK, doc)
}

func (h *httpHandler) handlePushSnapshot(c *gin.Context) {
	var payload snapshotPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validate.Struct(payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	saved, err := h.snapshots.Save(c.Request.Context(), payload.AccountID, payload.Email, payload.Data)
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.sync.push", err)
		return
	}
	if h.metrics != nil {
		h.metrics.SnapshotPushes.Inc()
	}
	respondData(c, http.StatusOK, gin.H{
		"lastUpdated": saved.LastUpdatedMillis,
		"version":     saved.Version,
	})
}

func (h *httpHandler) handleSnapshotTimestamp(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("accountId"))
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "invalid_account_id")
		return
	}

	stamp, err := h.snapshots.Timestamp(c.Request.Context(), accountID)
	if errors.Is(err, snapshot.ErrNotFound) {
		respondError(c, http.StatusNotFound, "snapshot_not_found")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.sync.timestamp", err)
		return
	}
	c.JSON(http.StatusOK, stamp)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("accountId"))
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "invalid_account_id")
		return
	}

	filter := ledger.Filter{CourseID: strings.TrimSpace(c.Query("courseId"))}
	typesParam := strings.TrimSpace(c.Query("types"))
	if typesParam != "" {
		for _, raw := range strings.Split(typesParam, ",") {
			entityType, err := ledger.ParseEntityType(strings.TrimSpace(raw))
			if err != nil {
				respondError(c, http.StatusBadRequest, "invalid_entity_type")
				return
			}
			filter.Types = append(filter.Types, entityType)
		}
	}

	records, err := h.ledger.ChangesForAccount(c.Request.Context(), accountID, h.clientID(c), filter)
	if err != nil {
		h.respondInternal(c, "server.changes.list", err)
		return
	}
	if h.metrics != nil {
		h.metrics.ChangePolls.Inc()
	}

	grouped := map[string][]ledger.ChangeRecord{
		string(ledger.EntityTypeAccount): make([]ledger.ChangeRecord, 0),
		string(ledger.EntityTypeProfile): make([]ledger.ChangeRecord, 0),
		string(ledger.EntityTypeCourse):  make([]ledger.ChangeRecord, 0),
	}
	for _, record := range records {
		key := string(record.EntityType)
		grouped[key] = append(grouped[key], record)
	}

	body := gin.H{
		"success": true,
		"data":    grouped,
		"meta": gin.H{
			"totalChanges": len(records),
			"filters": gin.H{
				"types":    typesParam,
				"courseId": filter.CourseID,
			},
		},
	}

	// Clients merging remote state ask for the referenced entities in
	// the same round trip instead of issuing one GET per record.
	if c.Query("includeObjects") == "true" {
		objects, err := h.ledger.ObjectsFromChanges(c.Request.Context(), accountID, records)
		if err != nil {
			h.respondInternal(c, "server.changes.objects", err)
			return
		}
		body["objects"] = objects
	}
	c.JSON(http.StatusOK, body)
}

func (h *httpHandler) handleGetProfiles(c *gin.Context) {
	if rawProfileID := strings.TrimSpace(c.Query("profileId")); rawProfileID != "" {
		profileID, err := profiles.NewProfileID(rawProfileID)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_profile_id")
			return
		}
		profile, err := h.profiles.Get(c.Request.Context(), profileID)
		if errors.Is(err, profiles.ErrNotFound) {
			respondError(c, http.StatusNotFound, "profile_not_found")
			return
		}
		if err != nil {
			h.respondInternal(c, "server.profiles.get", err)
			return
		}
		respondData(c, http.StatusOK, profile)
		return
	}

	accountID := strings.TrimSpace(c.Query("accountId"))
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "invalid_account_id")
		return
	}
	listed, err := h.profiles.List(c.Request.Context(), accountID)
	if err != nil {
		h.respondInternal(c, "server.profiles.list", err)
		return
	}
	if listed == nil {
		listed = make([]profiles.Profile, 0)
	}
	respondData(c, http.StatusOK, listed)
}

func (h *httpHandler) handleCreateProfile(c *gin.Context) {
	var payload profileCreatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validate.Struct(payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	created, err := h.profiles.Create(c.Request.Context(), profiles.Profile{
		ID:        payload.ID,
		AccountID: payload.AccountID,
		Name:      payload.Name,
		Icon:      payload.Icon,
	})
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.profiles.create", err)
		return
	}

	h.appendProfileChange(c, created)
	respondData(c, http.StatusOK, created)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var payload profileUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validate.Struct(payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	updated, err := h.profiles.Update(c.Request.Context(), profiles.Profile{
		ID:   payload.ID,
		Name: payload.Name,
		Icon: payload.Icon,
	})
	if errors.Is(err, profiles.ErrNotFound) {
		respondError(c, http.StatusNotFound, "profile_not_found")
		return
	}
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.profiles.update", err)
		return
	}

	h.appendProfileChange(c, updated)
	respondData(c, http.StatusOK, updated)
}

func (h *httpHandler) handleDeleteProfile(c *gin.Context) {
	profileID, err := profiles.NewProfileID(c.Query("profileId"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_profile_id")
		return
	}

	deleted, err := h.profiles.Delete(c.Request.Context(), profileID)
	if errors.Is(err, profiles.ErrNotFound) {
		respondError(c, http.StatusNotFound, "profile_not_found")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.profiles.delete", err)
		return
	}

	h.appendProfileChange(c, deleted)
	respondData(c, http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) appendProfileChange(c *gin.Context, profile profiles.Profile) {
	h.ledger.AppendBestEffort(c.Request.Context(), ledger.AppendRequest{
		AccountID:  profile.AccountID,
		EntityID:   ledger.EntityIDForProfile(profile.ID),
		EntityType: ledger.EntityTypeProfile,
		ClientID:   h.clientID(c),
	})
}

func (h *httpHandler) handleGetCourseProgress(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("accountId"))
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "invalid_account_id")
		return
	}

	profileID := strings.TrimSpace(c.Query("profileId"))
	courseID := strings.TrimSpace(c.Query("courseId"))
	if profileID == "" && courseID == "" {
		listed, err := h.progress.ListForAccount(c.Request.Context(), accountID)
		if err != nil {
			h.respondInternal(c, "server.progress.list", err)
			return
		}
		if listed == nil {
			listed = make([]progress.Document, 0)
		}
		respondData(c, http.StatusOK, listed)
		return
	}

	doc, err := h.progress.Get(c.Request.Context(), accountID, profileID, courseID)
	if errors.Is(err, progress.ErrNotFound) {
		respondError(c, http.StatusNotFound, "progress_not_found")
		return
	}
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.progress.get", err)
		return
	}
	respondData(c, http.StatusOK, doc)
}

func (h *httpHandler) handleSaveCourseProgress(c *gin.Context) {
	var payload courseProgressPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validate.Struct(payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	saved, err := h.progress.Save(c.Request.Context(), progress.Document{
		AccountID:    payload.AccountID,
		ProfileID:    payload.ProfileID,
		CourseID:     payload.CourseID,
		TutorialCode: payload.TutorialCode,
	})
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.progress.save", err)
		return
	}

	h.ledger.AppendBestEffort(c.Request.Context(), ledger.AppendRequest{
		AccountID:  saved.AccountID,
		EntityID:   saved.CourseID,
		EntityType: ledger.EntityTypeCourse,
		ClientID:   h.clientID(c),
		Scope:      ledger.CourseScope{CourseID: saved.CourseID, ProfileID: saved.ProfileID},
	})
	respondData(c, http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteCourseProgress(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("accountId"))
	profileID := strings.TrimSpace(c.Query("profileId"))
	courseID := strings.TrimSpace(c.Query("courseId"))

	err := h.progress.Delete(c.Request.Context(), accountID, profileID, courseID)
	if errors.Is(err, progress.ErrNotFound) {
		respondError(c, http.StatusNotFound, "progress_not_found")
		return
	}
	if isValidationError(err) {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		h.respondInternal(c, "server.progress.delete", err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"deleted": true})
}
