package syncengine

import (
	"crypto/hmac"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// resolveWorkspaceID extracts the tenant from the request. Dashboard routes
// carry it in a header set by the upstream auth proxy; webhook and OAuth
// routes carry it in the URL.
func resolveWorkspaceID(c *gin.Context) (string, bool) {
	if id := strings.TrimSpace(c.Param("workspaceId")); id != "" {
		return id, true
	}
	if id := strings.TrimSpace(c.GetHeader("X-Workspace-Id")); id != "" {
		return id, true
	}
	return "", false
}

type statusResponse struct {
	Status            string     `json:"status"`
	SyncEnabled       bool       `json:"sync_enabled"`
	AbsorbFee         bool       `json:"absorb_fee"`
	UseCompanyName    bool       `json:"use_company_name"`
	AutoCreateProduct bool       `json:"auto_create_product"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)
		db := config.GetDB()

		conn, err := models.GetConnectionByWorkspace(ctx, db, workspaceId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, statusResponse{Status: models.ConnectionStatusDisconnected})
			return
		}

		lastSync, err := models.LastSuccessfulSync(ctx, db, workspaceId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, statusResponse{
			Status:            conn.Status,
			SyncEnabled:       conn.SyncEnabled,
			AbsorbFee:         conn.AbsorbFee,
			UseCompanyName:    conn.UseCompanyName,
			AutoCreateProduct: conn.AutoCreateProduct,
			LastSuccessSyncAt: lastSync,
		})
	}
}

// OAuthCallbackHandler completes the ledger OAuth dance. The ledger redirects
// back with ?code=&realmId=&state=, state carrying the workspace id we sent
// on the way out. The token exchange persists the pair through the connection
// row, then a single-tenant resync is queued to drain anything that piled up
// while the tenant was disconnected.
func OAuthCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.TrimSpace(c.Query("code"))
		companyId := strings.TrimSpace(c.Query("realmId"))
		workspaceId := strings.TrimSpace(c.Query("state"))
		if code == "" || companyId == "" || workspaceId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code, realmId and state are required"})
			return
		}

		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)
		db := config.GetDB()

		conn, err := models.GetConnectionByWorkspace(ctx, db, workspaceId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			conn = &models.Connection{
				WorkspaceId:     workspaceId,
				LedgerCompanyId: companyId,
				Status:          models.ConnectionStatusDisconnected,
				SyncEnabled:     true,
			}
			if err := db.WithContext(ctx).Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else if conn.LedgerCompanyId != companyId {
			if err := db.WithContext(ctx).Model(conn).Update("ledger_company_id", companyId).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			conn.LedgerCompanyId = companyId
		}

		ledger := newLedgerClient(db, conn)
		redirectURI := strings.TrimSpace(os.Getenv("LEDGER_OAUTH_REDIRECT_URI"))
		if err := ledger.ExchangeCode(ctx, code, redirectURI); err != nil {
			_ = models.UpsertConnectionLog(ctx, db, workspaceId,
				models.ConnectionLogKindOAuth, models.ConnectionLogStatusError, err.Error())
			c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
			return
		}
		_ = models.UpsertConnectionLog(ctx, db, workspaceId,
			models.ConnectionLogKindOAuth, models.ConnectionLogStatusSuccess, "connected")

		if err := PublishResync(ctx, workspaceId, "oauth reconnect"); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "OAuthCallbackHandler", "PublishResync", workspaceId, err)
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)
		db := config.GetDB()

		conn, err := models.GetConnectionByWorkspace(ctx, db, workspaceId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := conn.Disconnect(ctx, db); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type settingsRequest struct {
	SyncEnabled       *bool   `json:"sync_enabled"`
	AbsorbFee         *bool   `json:"absorb_fee"`
	UseCompanyName    *bool   `json:"use_company_name"`
	AutoCreateProduct *bool   `json:"auto_create_product"`
	IncomeAccountId   *string `json:"income_account_id"`
	ExpenseAccountId  *string `json:"expense_account_id"`
	AssetAccountId    *string `json:"asset_account_id"`
	ClientFeeItemId   *string `json:"client_fee_item_id"`
}

// SettingsHandler sparse-updates connection settings; absent fields are left
// untouched.
func SettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req settingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)
		db := config.GetDB()

		conn, err := models.GetConnectionByWorkspace(ctx, db, workspaceId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no connection for workspace"})
			return
		}

		update := map[string]interface{}{}
		if req.SyncEnabled != nil {
			update["sync_enabled"] = *req.SyncEnabled
		}
		if req.AbsorbFee != nil {
			update["absorb_fee"] = *req.AbsorbFee
		}
		if req.UseCompanyName != nil {
			update["use_company_name"] = *req.UseCompanyName
		}
		if req.AutoCreateProduct != nil {
			update["auto_create_product"] = *req.AutoCreateProduct
		}
		if req.IncomeAccountId != nil {
			update["income_account_id"] = *req.IncomeAccountId
		}
		if req.ExpenseAccountId != nil {
			update["expense_account_id"] = *req.ExpenseAccountId
		}
		if req.AssetAccountId != nil {
			update["asset_account_id"] = *req.AssetAccountId
		}
		if req.ClientFeeItemId != nil {
			update["client_fee_item_id"] = *req.ClientFeeItemId
		}
		if len(update) == 0 {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := db.WithContext(ctx).Model(conn).Updates(update).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// WebhookHandler is the portal's delivery endpoint. It always acknowledges:
// the portal's redelivery pressure is useless here because failed work is
// replayed by the resync sweep, and a non-2xx would eventually get the
// endpoint disabled on the portal side.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.Status(http.StatusOK)
			return
		}
		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)
		db := config.GetDB()

		var envelope WebhookEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.GetLogger().WithField("workspace_id", workspaceId).
				Info("dropped undecodable webhook body: " + err.Error())
			c.Status(http.StatusOK)
			return
		}

		conn, err := models.GetConnectionByWorkspace(ctx, db, workspaceId)
		if err != nil || conn == nil || !conn.SyncEnabled {
			c.Status(http.StatusOK)
			return
		}

		h, err := DefaultHandlersFactory(db, conn, config.GetLogger(), NewLimiter(0, 0))
		if err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "WebhookHandler", "DefaultHandlersFactory", workspaceId, err)
			c.Status(http.StatusOK)
			return
		}
		if err := h.Dispatch(ctx, envelope); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "WebhookHandler", "Dispatch", envelope.EventType, err)
		}
		c.Status(http.StatusOK)
	}
}

// CronResyncHandler triggers a sweep from the scheduler. Guarded by a shared
// secret compared in constant time.
func CronResyncHandler(sweeper *Sweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("CRON_SECRET")
		if secret == "" || !hmac.Equal([]byte(c.GetHeader("X-Cron-Secret")), []byte(secret)) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := sweeper.Run(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// ProductListHandler serves the cached flattened product+price listing.
func ProductListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)
		db := config.GetDB()

		conn, err := models.GetConnectionByWorkspace(ctx, db, workspaceId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no connection for workspace"})
			return
		}

		h, err := DefaultHandlersFactory(db, conn, config.GetLogger(), NewLimiter(0, 0))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		listings, nextToken, err := h.ListProductsCached(ctx, c.Query("nextToken"), utils.IntFromEnv("PRODUCT_PAGE_SIZE", 50))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": listings, "next_token": nextToken})
	}
}

// RegisterRoutes mounts the sync surface on the shared router.
func RegisterRoutes(r *gin.Engine, sweeper *Sweeper) {
	r.GET("/api/sync/status", StatusHandler())
	r.POST("/api/sync/disconnect", DisconnectHandler())
	r.PUT("/api/sync/settings", SettingsHandler())
	r.GET("/api/sync/products", ProductListHandler())
	r.GET("/api/sync/logs", SyncLogListHandler())
	r.GET("/api/sync/logs/export", SyncLogExportHandler())

	r.GET("/oauth/ledger/callback", OAuthCallbackHandler())
	r.POST("/webhooks/portal/:workspaceId", WebhookHandler())
	r.POST("/cron/resync", CronResyncHandler(sweeper))
	r.POST("/pubsub/resync", PubSubPushHandler(sweeper))
}

// newLedgerClient builds a ledger client bound to the connection's stored
// tokens.
func newLedgerClient(db *gorm.DB, conn *models.Connection) *ledgerapi.Client {
	return ledgerapi.New(
		ledgerapi.ConfigFromEnv(conn.LedgerCompanyId),
		newConnectionTokenSource(db, conn),
	)
}
