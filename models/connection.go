package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/plugin/soft_delete"
)

// Connection links one Portal workspace to one Ledger company. The access and
// refresh tokens stored here are the single source of truth for ledger
// authentication; every refresh writes back through SaveTokens so no caller
// keeps a stale in-memory copy.
type Connection struct {
	ID              uint   `gorm:"primary_key" json:"id"`
	WorkspaceId     string `gorm:"uniqueIndex:idx_connection_workspace,priority:1;size:64;not null" json:"workspace_id"`
	LedgerCompanyId string `gorm:"size:64" json:"ledger_company_id"`
	Status          string `gorm:"size:20;not null" json:"status"`

	AccessToken           string     `gorm:"type:text" json:"-"`
	RefreshToken          string     `gorm:"type:text" json:"-"`
	TokenExpiresAt        *time.Time `json:"token_expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`

	IncomeAccountId  string `gorm:"size:64" json:"income_account_id"`
	ExpenseAccountId string `gorm:"size:64" json:"expense_account_id"`
	AssetAccountId   string `gorm:"size:64" json:"asset_account_id"`
	ClientFeeItemId  string `gorm:"size:64" json:"client_fee_item_id"`

	SyncEnabled       bool `gorm:"default:true" json:"sync_enabled"`
	AbsorbFee         bool `gorm:"default:false" json:"absorb_fee"`
	UseCompanyName    bool `gorm:"default:false" json:"use_company_name"`
	AutoCreateProduct bool `gorm:"default:false" json:"auto_create_product"`

	CreatedAt time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:idx_connection_workspace,priority:2" json:"deleted_at"`
}

func GetConnectionByWorkspace(ctx context.Context, db *gorm.DB, workspaceId string) (*Connection, error) {
	var conn Connection
	err := db.WithContext(ctx).Where("workspace_id = ?", workspaceId).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func ListSyncEnabledConnections(ctx context.Context, db *gorm.DB) ([]Connection, error) {
	var conns []Connection
	err := db.WithContext(ctx).
		Where("status = ? AND sync_enabled = ?", ConnectionStatusConnected, true).
		Order("id").
		Find(&conns).Error
	return conns, err
}

// SaveTokens persists a refreshed token pair. It also mutates the receiver so
// the caller continues with the tokens that were actually stored.
func (c *Connection) SaveTokens(ctx context.Context, db *gorm.DB, accessToken, refreshToken string, expiresIn, refreshExpiresIn int) error {
	now := time.Now()
	tokenExpiry := now.Add(time.Duration(expiresIn) * time.Second)
	refreshExpiry := now.Add(time.Duration(refreshExpiresIn) * time.Second)

	err := db.WithContext(ctx).Model(c).Updates(map[string]interface{}{
		"access_token":             accessToken,
		"refresh_token":            refreshToken,
		"token_expires_at":         tokenExpiry,
		"refresh_token_expires_at": refreshExpiry,
		"status":                   ConnectionStatusConnected,
	}).Error
	if err != nil {
		return err
	}
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.TokenExpiresAt = &tokenExpiry
	c.RefreshTokenExpiresAt = &refreshExpiry
	c.Status = ConnectionStatusConnected
	return nil
}

// MarkAuthError flags the connection after a failed refresh. The webhook path
// checks HasUsableToken and defers work to the resync sweep while this is set.
func (c *Connection) MarkAuthError(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Model(c).Update("status", ConnectionStatusError).Error; err != nil {
		return err
	}
	c.Status = ConnectionStatusError
	return nil
}

func (c *Connection) HasUsableToken() bool {
	if c.Status != ConnectionStatusConnected {
		return false
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return false
	}
	if c.RefreshTokenExpiresAt != nil && time.Now().After(*c.RefreshTokenExpiresAt) {
		return false
	}
	return true
}

// Disconnect soft-deletes the connection. Identity maps and logs are kept for
// audit; a reconnect creates a fresh row.
func (c *Connection) Disconnect(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Model(c).Update("status", ConnectionStatusDisconnected).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Delete(c).Error
}

// ConnectionLog is a coarse record of OAuth/connection health per workspace,
// one live row per (workspace, kind).
type ConnectionLog struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	WorkspaceId string    `gorm:"uniqueIndex:idx_connection_log,priority:1;size:64;not null" json:"workspace_id"`
	Kind        string    `gorm:"uniqueIndex:idx_connection_log,priority:2;size:20;not null" json:"kind"`
	Status      string    `gorm:"size:20;not null" json:"status"`
	Remark      string    `gorm:"type:text" json:"remark"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func UpsertConnectionLog(ctx context.Context, db *gorm.DB, workspaceId, kind, status, remark string) error {
	var existing ConnectionLog
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND kind = ?", workspaceId, kind).
		Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry := ConnectionLog{
				WorkspaceId: workspaceId,
				Kind:        kind,
				Status:      status,
				Remark:      remark,
			}
			return db.WithContext(ctx).Create(&entry).Error
		}
		return err
	}
	return db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"status": status,
		"remark": remark,
	}).Error
}

// LastSuccessfulSync answers "when did this workspace last sync cleanly".
// Falls back to the connection log when no sync log rows exist yet.
func LastSuccessfulSync(ctx context.Context, db *gorm.DB, workspaceId string) (*time.Time, error) {
	var logEntry SyncLog
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceId, SyncStatusSuccess).
		Order("updated_at desc").
		Take(&logEntry).Error
	if err == nil {
		t := logEntry.UpdatedAt
		return &t, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var connLog ConnectionLog
	err = db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceId, ConnectionLogStatusSuccess).
		Order("updated_at desc").
		Take(&connLog).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t := connLog.UpdatedAt
	return &t, nil
}
