package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/easel-labs/easel/backend/internal/auth"
	"github.com/easel-labs/easel/backend/internal/identity"
	"github.com/easel-labs/easel/backend/internal/realtime"
	"github.com/easel-labs/easel/backend/internal/snapshot"
	"github.com/easel-labs/easel/backend/internal/workspace"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "easel_principal"

var (
	errMissingVerifier     = errors.New("credential verifier dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingIdentities   = errors.New("identity resolver dependency required")
	errMissingWorkspaces   = errors.New("workspace service dependency required")
	errMissingSnapshots    = errors.New("snapshot service dependency required")
	errMissingCoordinator  = errors.New("session coordinator dependency required")
	errInvalidAuthHeader   = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates backend bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, userID, displayName string) (string, int64, error)
	ValidateToken(token string) (auth.Claims, error)
}

// IdentityResolver normalizes token claims into a principal.
type IdentityResolver interface {
	Resolve(claims auth.Claims) (identity.Principal, error)
}

// Dependencies wires the HTTP surface to the rest of the service.
type Dependencies struct {
	CredentialVerifier auth.CredentialVerifier
	TokenManager       TokenManager
	Identities         IdentityResolver
	Workspaces         *workspace.Service
	Snapshots          *snapshot.Service
	Coordinator        *realtime.Coordinator
	Logger             *zap.Logger
	SendQueueSize      int
}

// NewHTTPHandler builds the gin router for the REST and realtime surfaces.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.CredentialVerifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Workspaces == nil {
		return nil, errMissingWorkspaces
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.CredentialVerifier,
		tokens:      deps.TokenManager,
		identities:  deps.Identities,
		workspaces:  deps.Workspaces,
		snapshots:   deps.Snapshots,
		coordinator: deps.Coordinator,
		logger:      logger,
		queueSize:   deps.SendQueueSize,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/workspaces", handler.handleCreateWorkspace)
	protected.POST("/workspaces/:workspaceID/members", handler.handleAddMember)
	protected.DELETE("/workspaces/:workspaceID/members/:userID", handler.handleRemoveMember)
	protected.POST("/workspaces/:workspaceID/canvases", handler.handleCreateCanvas)
	protected.GET("/workspaces/:workspaceID/canvases", handler.handleListCanvases)
	protected.DELETE("/canvases/:canvasID", handler.handleDeleteCanvas)
	protected.GET("/canvases/:canvasID/snapshots", handler.handleListSnapshots)

	router.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	verifier    auth.CredentialVerifier
	tokens      TokenManager
	identities  IdentityResolver
	workspaces  *workspace.Service
	snapshots   *snapshot.Service
	coordinator *realtime.Coordinator
	logger      *zap.Logger
	queueSize   int
}

type tokenRequestPayload struct {
	Credential string `json:"credential"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Credential) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.Credential)
	if err != nil {
		h.logger.Warn("credential verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), claims.Subject, claims.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type createWorkspacePayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	var request createWorkspacePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.workspaces.CreateWorkspace(c.Request.Context(), request.Name, principal.ID)
	if err != nil {
		h.respondServiceError(c, "workspace creation failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"workspace_id": created.ID,
		"name":         created.Name,
		"owner_id":     created.OwnerID,
	})
}

type addMemberPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	var request addMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := workspace.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	workspaceID := c.Param("workspaceID")
	if err := h.workspaces.AddMember(c.Request.Context(), principal.ID, workspaceID, request.UserID, role); err != nil {
		h.respondServiceError(c, "member add failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	workspaceID := c.Param("workspaceID")
	userID := c.Param("userID")
	if err := h.workspaces.RemoveMember(c.Request.Context(), principal.ID, workspaceID, userID); err != nil {
		h.respondServiceError(c, "member removal failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createCanvasPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateCanvas(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	var request createCanvasPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	workspaceID := c.Param("workspaceID")
	created, err := h.workspaces.CreateCanvas(c.Request.Context(), principal.ID, workspaceID, request.Name, request.Description)
	if err != nil {
		h.respondServiceError(c, "canvas creation failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"canvas_id":    created.ID,
		"workspace_id": created.WorkspaceID,
		"name":         created.Name,
		"description":  created.Description,
	})
}

func (h *httpHandler) handleListCanvases(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	workspaceID := c.Param("workspaceID")
	canvases, err := h.workspaces.ListCanvases(c.Request.Context(), principal.ID, workspaceID)
	if err != nil {
		h.respondServiceError(c, "canvas listing failed", err)
		return
	}

	items := make([]gin.H, 0, len(canvases))
	for _, canvas := range canvases {
		items = append(items, gin.H{
			"canvas_id":    canvas.ID,
			"workspace_id": canvas.WorkspaceID,
			"name":         canvas.Name,
			"description":  canvas.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"canvases": items})
}

func (h *httpHandler) handleDeleteCanvas(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	canvasID := c.Param("canvasID")
	if err := h.workspaces.DeleteCanvas(c.Request.Context(), principal.ID, canvasID); err != nil {
		h.respondServiceError(c, "canvas deletion failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.ID == "" {
		return
	}

	canvasID := c.Param("canvasID")
	if _, err := h.workspaces.ResolvePermission(c.Request.Context(), canvasID, principal.ID); err != nil {
		h.respondServiceError(c, "snapshot listing denied", err)
		return
	}

	afterVersion := int64(0)
	if raw := strings.TrimSpace(c.Query("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
			return
		}
		afterVersion = parsed
	}

	records, err := h.snapshots.ListSince(c.Request.Context(), canvasID, afterVersion)
	if err != nil {
		h.respondServiceError(c, "snapshot listing failed", err)
		return
	}

	items := make([]gin.H, 0, len(records))
	for _, record := range records {
		items = append(items, gin.H{
			"snapshot_id":  record.ID,
			"canvas_id":    record.CanvasID,
			"version":      record.Version,
			"payload_b64":  record.PayloadB64,
			"created_at_s": record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": items})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := h.identities.Resolve(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) principalFrom(c *gin.Context) identity.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return identity.Principal{}
	}
	principal, ok := value.(identity.Principal)
	if !ok || principal.ID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return identity.Principal{}
	}
	return principal
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, workspace.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
	case errors.Is(err, workspace.ErrCanvasNotFound), errors.Is(err, workspace.ErrWorkspaceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, workspace.ErrOwnerImmutable):
		c.JSON(http.StatusConflict, gin.H{"error": "owner_immutable"})
	case errors.Is(err, workspace.ErrInvalidRole), errors.Is(err, workspace.ErrInvalidCanvasID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
