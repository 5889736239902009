package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gridbase/metasync/internal/meta"
	"github.com/gridbase/metasync/internal/realtime"
	"go.uber.org/zap"
)

const principalContextKey = "metasync_principal"

const defaultSyncPageLimit = 1000

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingMetaService   = errors.New("meta service dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BearerTokenManager issues and validates the bearer credentials used on the
// HTTP surface and at websocket handshake time.
type BearerTokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the subsystem.
type Dependencies struct {
	TokenManager BearerTokenManager
	MetaService  *meta.Service
	Hub          *realtime.Hub
	// SyncPageLimit is both the default and the maximum page size for
	// catch-up requests; requests asking for more are rejected so a client
	// never mistakes a truncated page for the end of the backlog. Zero
	// means the default of 1000.
	SyncPageLimit int
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router: token issuance, the realtime
// websocket endpoint, bootstrap, catch-up, and the replicated-table mutation
// endpoints that feed the broadcaster.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.MetaService == nil {
		return nil, errMissingMetaService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	syncPageLimit := deps.SyncPageLimit
	if syncPageLimit <= 0 {
		syncPageLimit = defaultSyncPageLimit
	}

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		metaService:   deps.MetaService,
		hub:           deps.Hub,
		syncPageLimit: syncPageLimit,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/realtime", handler.handleRealtime)

	protected := router.Group("/api/v1/meta")
	protected.Use(handler.authorizeRequest)
	protected.GET("/:baseId/bootstrap", handler.handleBootstrap)
	protected.POST("/sync-events", handler.handleSyncEvents)
	protected.POST("/:baseId/tables/:table/records", handler.handleInsertRecord)
	protected.PATCH("/:baseId/tables/:table/records", handler.handleUpdateRecord)
	protected.DELETE("/:baseId/tables/:table/records", handler.handleDeleteRecord)

	return router, nil
}

type httpHandler struct {
	tokens        BearerTokenManager
	metaService   *meta.Service
	hub           *realtime.Hub
	syncPageLimit int
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

type tokenRequestPayload struct {
	Subject string `json:"subject"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.Subject))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// handleRealtime authenticates the handshake before the upgrade: a bad
// credential is refused with 401 and no connection state is created.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("realtime handshake rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := realtime.NewSession(conn, principal, h.hub, h.logger)
	if err != nil {
		h.logger.Error("session registration failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	session.Run()
}

type bootstrapResponsePayload struct {
	Tables        []meta.TableSnapshot `json:"tables"`
	LatestEventID int64                `json:"latest_event_id"`
}

func (h *httpHandler) handleBootstrap(c *gin.Context) {
	workspaceID, err := meta.NewWorkspaceID(c.Query("workspace_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	baseID, err := meta.NewBaseID(c.Param("baseId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := h.metaService.Bootstrap(c.Request.Context(), workspaceID, baseID)
	if err != nil {
		h.logger.Error("bootstrap failed", zap.String("base", baseID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}

	c.JSON(http.StatusOK, bootstrapResponsePayload{
		Tables:        snapshot.Tables,
		LatestEventID: snapshot.LatestEventID,
	})
}

type syncEventsRequestPayload struct {
	WorkspaceID string `json:"workspace_id"`
	BaseID      string `json:"base_id"`
	Since       int64  `json:"since"`
	SinceType   string `json:"sinceType"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
}

type syncEventPayload struct {
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	var request syncEventsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.SinceType != "" && request.SinceType != "event_id" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported sinceType"})
		return
	}
	workspaceID, err := meta.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	baseID, err := meta.NewBaseID(request.BaseID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if request.Limit > h.syncPageLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit exceeds maximum page size"})
		return
	}
	limit := request.Limit
	if limit <= 0 {
		limit = h.syncPageLimit
	}

	events, err := h.metaService.EventLog().ListSince(c.Request.Context(), workspaceID, baseID, request.Since, request.Offset, limit)
	if err != nil {
		h.logger.Error("sync-events failed", zap.String("base", baseID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_events_failed"})
		return
	}

	response := make([]syncEventPayload, 0, len(events))
	for _, event := range events {
		response = append(response, syncEventPayload{
			ID:        event.EventID,
			Operation: string(event.Type),
			Target:    event.Target.String(),
			Payload:   event.Payload,
		})
	}
	c.JSON(http.StatusOK, response)
}

type mutateRequestPayload struct {
	WorkspaceID string         `json:"workspace_id"`
	Payload     map[string]any `json:"payload"`
}

func (h *httpHandler) handleInsertRecord(c *gin.Context) {
	h.handleMutation(c, h.metaService.InsertRecord)
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	h.handleMutation(c, h.metaService.UpdateRecord)
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	h.handleMutation(c, h.metaService.DeleteRecord)
}

type mutationFunc func(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID, target meta.Table, payload map[string]any) (meta.ChangeEvent, error)

func (h *httpHandler) handleMutation(c *gin.Context, mutate mutationFunc) {
	var request mutateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	workspaceID, err := meta.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	baseID, err := meta.NewBaseID(c.Param("baseId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := meta.ParseTable(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := mutate(c.Request.Context(), workspaceID, baseID, target, request.Payload)
	if err != nil {
		h.logger.Error("metadata mutation failed",
			zap.String("base", baseID.String()), zap.String("table", target.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed"})
		return
	}

	c.JSON(http.StatusOK, syncEventPayload{
		ID:        event.EventID,
		Operation: string(event.Type),
		Target:    event.Target.String(),
		Payload:   event.Payload,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, subject)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
