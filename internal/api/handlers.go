package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func abort(c *gin.Context, code int, kind, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: kind, Message: message, Code: code})
}

// storeError maps persistence errors onto status codes.
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAccountInUse):
		abort(c, http.StatusConflict, "conflict", err.Error())
	default:
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "internal", "storage error")
	}
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds maximum allowed size")
			return false
		}
		abort(c, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		abort(c, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

// handleCollect runs a synchronous collection pass. Account failures are in
// the summary; only a run that could not be recorded is a 500.
func (s *Server) handleCollect(c *gin.Context) {
	filter := models.NormalizePlatform(c.Query("platform"))
	summary, err := s.collector.CollectAll(c.Request.Context(), filter, models.TriggerAPI)
	if summary == nil {
		if err != nil {
			_ = c.Error(err)
		}
		abort(c, http.StatusInternalServerError, "run_not_created", "collection run could not be created")
		return
	}
	if err != nil {
		s.logger.WarnWithContext(c.Request.Context(), "run finished but its record was not finalized",
			"run_id", summary.RunID, "error", err.Error())
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if runs == nil {
		runs = []*models.CollectionRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListPlatforms(c *gin.Context) {
	keys := []string{}
	if s.platforms != nil {
		keys = s.platforms.Keys()
	}
	c.JSON(http.StatusOK, gin.H{"platforms": keys})
}

// AccountResponse is an account plus credential metadata. Token material is
// never serialized.
type AccountResponse struct {
	*models.Account
	HasCredential       bool       `json:"has_credential"`
	CredentialExpiresAt *time.Time `json:"credential_expires_at,omitempty"`
}

func accountResponse(acc *models.Account) AccountResponse {
	resp := AccountResponse{Account: acc, HasCredential: acc.HasCredential()}
	if resp.HasCredential && !acc.Credential.NeverExpires() {
		exp := acc.Credential.ExpiresAt
		resp.CredentialExpiresAt = &exp
	}
	return resp
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	filter := models.NormalizePlatform(c.Query("platform"))
	out := make([]AccountResponse, 0, len(accounts))
	for _, acc := range accounts {
		if filter != "" && models.NormalizePlatform(acc.Platform) != filter {
			continue
		}
		out = append(out, accountResponse(acc))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	acc, err := s.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(acc))
}

// CreateAccountRequest registers a tracked account.
type CreateAccountRequest struct {
	ID          string `json:"id,omitempty"`
	Platform    string `json:"platform" binding:"required"`
	ExternalID  string `json:"external_id,omitempty"`
	URL         string `json:"url,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if !bindJSON(c, &req) {
		return
	}

	acc := &models.Account{
		ID:          req.ID,
		Platform:    models.NormalizePlatform(req.Platform),
		ExternalID:  req.ExternalID,
		URL:         req.URL,
		DisplayName: req.DisplayName,
		Active:      req.Active == nil || *req.Active,
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if s.platforms != nil && !s.platforms.Has(acc.Platform) {
		err := &errors.UnsupportedPlatformError{Key: acc.Platform, Known: s.platforms.Keys()}
		abort(c, http.StatusBadRequest, "unsupported_platform", err.Error())
		return
	}
	if err := acc.Validate(); err != nil {
		abort(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.store.CreateAccount(c.Request.Context(), acc); err != nil {
		s.storeError(c, err)
		return
	}
	if stored, err := s.store.GetAccount(c.Request.Context(), acc.ID); err == nil {
		acc = stored
	}
	s.logger.InfoWithContext(c.Request.Context(), "account created", "account_id", acc.ID, "platform", acc.Platform)
	c.JSON(http.StatusCreated, accountResponse(acc))
}

// UpdateAccountRequest changes mutable account fields. Absent fields are kept.
type UpdateAccountRequest struct {
	Active      *bool   `json:"active,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	URL         *string `json:"url,omitempty"`
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	var req UpdateAccountRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.storeError(c, err)
		return
	}

	if req.DisplayName != nil || req.URL != nil {
		if req.DisplayName != nil {
			acc.DisplayName = *req.DisplayName
		}
		if req.URL != nil {
			acc.URL = *req.URL
		}
		if err := acc.Validate(); err != nil {
			abort(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if err := s.store.UpdateAccount(ctx, acc); err != nil {
			s.storeError(c, err)
			return
		}
	}
	if req.Active != nil && *req.Active != acc.Active {
		if err := s.store.SetAccountActive(ctx, id, *req.Active); err != nil {
			s.storeError(c, err)
			return
		}
		acc.Active = *req.Active
	}

	c.JSON(http.StatusOK, accountResponse(acc))
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	if err := s.store.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		s.storeError(c, err)
		return
	}
	snaps, err := s.store.ListSnapshots(ctx, id, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if snaps == nil {
		snaps = []*models.MetricsSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

// SaveCredentialRequest stores a token for an account. ExpiresIn is in
// seconds; zero means the token does not expire.
type SaveCredentialRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) handleSaveCredential(c *gin.Context) {
	var req SaveCredentialRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ExpiresIn < 0 {
		abort(c, http.StatusBadRequest, "bad_request", "expires_in must not be negative")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		s.storeError(c, err)
		return
	}

	ttl := time.Duration(req.ExpiresIn) * time.Second
	if err := s.creds.Save(ctx, id, req.AccessToken, req.RefreshToken, ttl, req.Scope); err != nil {
		s.storeError(c, err)
		return
	}
	s.logger.InfoWithContext(ctx, "credential saved", "account_id", id, "expires_in", ttl.String())
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (s *Server) handleRevokeCredential(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.creds.Revoke(ctx, id); err != nil {
		s.storeError(c, err)
		return
	}
	s.logger.InfoWithContext(ctx, "credential revoked", "account_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
