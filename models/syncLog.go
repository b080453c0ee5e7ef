package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncLog records every synchronization attempt. There is at most one live
// row per (workspace, portal id, event type): later attempts update the row
// in place, so the failed set reflects current state, not history. Failed
// rows double as the work queue for the resync sweep.
type SyncLog struct {
	ID          uint   `gorm:"primary_key" json:"id"`
	WorkspaceId string `gorm:"uniqueIndex:idx_sync_log,priority:1;size:64;not null" json:"workspace_id"`
	EntityType  string `gorm:"index;size:20;not null" json:"entity_type"`
	EventType   string `gorm:"uniqueIndex:idx_sync_log,priority:3;size:20;not null" json:"event_type"`
	Status      string `gorm:"index;size:20;not null" json:"status"`
	PortalId    string `gorm:"uniqueIndex:idx_sync_log,priority:2;size:128;not null" json:"portal_id"`
	LedgerId    string `gorm:"size:128" json:"ledger_id"`
	Remark      string `gorm:"type:text" json:"remark"`

	// Denormalized columns for the export surface.
	InvoiceNumber     string `gorm:"size:64" json:"invoice_number"`
	CustomerName      string `gorm:"size:255" json:"customer_name"`
	CustomerEmail     string `gorm:"size:255" json:"customer_email"`
	AmountCents       int64  `json:"amount_cents"`
	TaxCents          int64  `json:"tax_cents"`
	FeeCents          int64  `json:"fee_cents"`
	ProductName       string `gorm:"size:255" json:"product_name"`
	ProductPriceCents int64  `json:"product_price_cents"`
	LedgerItemName    string `gorm:"size:255" json:"ledger_item_name"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertSyncLog writes the outcome of one sync attempt, updating the live row
// for (workspace, portal id, event type) when one exists.
func UpsertSyncLog(ctx context.Context, db *gorm.DB, entry *SyncLog) error {
	var existing SyncLog
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND portal_id = ? AND event_type = ?",
			entry.WorkspaceId, entry.PortalId, entry.EventType).
		Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.WithContext(ctx).Create(entry).Error
		}
		return err
	}

	updates := map[string]interface{}{
		"entity_type":         entry.EntityType,
		"status":              entry.Status,
		"ledger_id":           entry.LedgerId,
		"remark":              entry.Remark,
		"invoice_number":      entry.InvoiceNumber,
		"customer_name":       entry.CustomerName,
		"customer_email":      entry.CustomerEmail,
		"amount_cents":        entry.AmountCents,
		"tax_cents":           entry.TaxCents,
		"fee_cents":           entry.FeeCents,
		"product_name":        entry.ProductName,
		"product_price_cents": entry.ProductPriceCents,
		"ledger_item_name":    entry.LedgerItemName,
	}
	if err := db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return err
	}
	entry.ID = existing.ID
	return nil
}

// ListFailedSyncLogs returns the replay queue for one workspace, grouped by
// (entity type, event type) ordering so the sweep processes like with like.
func ListFailedSyncLogs(ctx context.Context, db *gorm.DB, workspaceId string) ([]SyncLog, error) {
	var logs []SyncLog
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceId, SyncStatusFailed).
		Order("entity_type, event_type, id").
		Find(&logs).Error
	return logs, err
}

func ListSyncLogs(ctx context.Context, db *gorm.DB, workspaceId string, limit int) ([]SyncLog, error) {
	var logs []SyncLog
	q := db.WithContext(ctx).
		Where("workspace_id = ?", workspaceId).
		Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&logs).Error
	return logs, err
}
