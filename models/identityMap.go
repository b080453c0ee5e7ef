package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/plugin/soft_delete"
)

// Identity maps correlate a Portal entity with its Ledger counterpart. Each
// row also carries the ledger's optimistic-concurrency sync token, which MUST
// be refreshed after every successful ledger-side mutation: the next mutation
// submitted with a stale token is rejected by the ledger.
//
// DeletedAt uses the flag-style soft delete (0 while live) so the unique
// index holds among live rows: two concurrent inserts for the same portal
// entity cannot both land, the loser gets gorm.ErrDuplicatedKey.

type CustomerMap struct {
	ID               uint   `gorm:"primary_key" json:"id"`
	WorkspaceId      string `gorm:"uniqueIndex:idx_customer_map,priority:1;size:64;not null" json:"workspace_id"`
	PortalClientId   string `gorm:"uniqueIndex:idx_customer_map,priority:2;size:128;not null" json:"portal_client_id"`
	LedgerCustomerId string `gorm:"size:128;not null" json:"ledger_customer_id"`
	LedgerSyncToken  string `gorm:"size:32" json:"ledger_sync_token"`
	DisplayName      string `gorm:"size:255" json:"display_name"`

	CreatedAt time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:idx_customer_map,priority:3" json:"deleted_at"`
}

type ProductMap struct {
	ID              uint   `gorm:"primary_key" json:"id"`
	WorkspaceId     string `gorm:"uniqueIndex:idx_product_map,priority:1;size:64;not null" json:"workspace_id"`
	PortalProductId string `gorm:"uniqueIndex:idx_product_map,priority:2;size:128;not null" json:"portal_product_id"`
	PortalPriceId   string `gorm:"uniqueIndex:idx_product_map,priority:3;size:128;not null" json:"portal_price_id"`
	LedgerItemId    string `gorm:"size:128;not null" json:"ledger_item_id"`
	LedgerSyncToken string `gorm:"size:32" json:"ledger_sync_token"`

	// Cached portal-side fields for the sparse-update diff: only rows whose
	// name or description actually changed are pushed to the ledger.
	Name           string `gorm:"size:255" json:"name"`
	Description    string `gorm:"type:text" json:"description"`
	UnitPriceCents int64  `json:"unit_price_cents"`

	CreatedAt time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:idx_product_map,priority:4" json:"deleted_at"`
}

type InvoiceMap struct {
	ID              uint   `gorm:"primary_key" json:"id"`
	WorkspaceId     string `gorm:"uniqueIndex:idx_invoice_map,priority:1;size:64;not null" json:"workspace_id"`
	InvoiceNumber   string `gorm:"uniqueIndex:idx_invoice_map,priority:2;size:64;not null" json:"invoice_number"`
	PortalInvoiceId string `gorm:"size:128" json:"portal_invoice_id"`

	// Empty LedgerInvoiceId marks a placeholder row: the webhook arrived while
	// the connection had no usable access token and the actual ledger create
	// is deferred to the resync sweep.
	LedgerInvoiceId string `gorm:"size:128" json:"ledger_invoice_id"`
	LedgerDocNumber string `gorm:"size:64" json:"ledger_doc_number"`
	LedgerSyncToken string `gorm:"size:32" json:"ledger_sync_token"`

	CreatedAt time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:idx_invoice_map,priority:3" json:"deleted_at"`
}

func (m *InvoiceMap) IsPlaceholder() bool {
	return m.LedgerInvoiceId == ""
}

type PaymentMap struct {
	ID               uint   `gorm:"primary_key" json:"id"`
	WorkspaceId      string `gorm:"uniqueIndex:idx_payment_map,priority:1;size:64;not null" json:"workspace_id"`
	PortalPaymentId  string `gorm:"uniqueIndex:idx_payment_map,priority:2;size:128;not null" json:"portal_payment_id"`
	LedgerPurchaseId string `gorm:"size:128;not null" json:"ledger_purchase_id"`
	LedgerSyncToken  string `gorm:"size:32" json:"ledger_sync_token"`

	CreatedAt time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt soft_delete.DeletedAt `gorm:"softDelete:milli;uniqueIndex:idx_payment_map,priority:3" json:"deleted_at"`
}

func FindCustomerMap(ctx context.Context, db *gorm.DB, workspaceId, portalClientId string) (*CustomerMap, error) {
	var mapping CustomerMap
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND portal_client_id = ?", workspaceId, portalClientId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func CreateCustomerMap(ctx context.Context, db *gorm.DB, mapping *CustomerMap) error {
	return db.WithContext(ctx).Create(mapping).Error
}

func FindProductMap(ctx context.Context, db *gorm.DB, workspaceId, productId, priceId string) (*ProductMap, error) {
	var mapping ProductMap
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND portal_product_id = ? AND portal_price_id = ?", workspaceId, productId, priceId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

// FindProductMaps returns every price variant mapped for one portal product.
func FindProductMaps(ctx context.Context, db *gorm.DB, workspaceId, productId string) ([]ProductMap, error) {
	var mappings []ProductMap
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND portal_product_id = ?", workspaceId, productId).
		Order("id").
		Find(&mappings).Error
	return mappings, err
}

func CreateProductMap(ctx context.Context, db *gorm.DB, mapping *ProductMap) error {
	return db.WithContext(ctx).Create(mapping).Error
}

// UpdateProductMapFields refreshes the cached portal fields and the ledger
// sync token after a successful item mutation.
func (m *ProductMap) UpdateProductMapFields(ctx context.Context, db *gorm.DB, name, description, syncToken string) error {
	err := db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"name":              name,
		"description":       description,
		"ledger_sync_token": syncToken,
	}).Error
	if err != nil {
		return err
	}
	m.Name = name
	m.Description = description
	m.LedgerSyncToken = syncToken
	return nil
}

func FindInvoiceMapByNumber(ctx context.Context, db *gorm.DB, workspaceId, invoiceNumber string) (*InvoiceMap, error) {
	var mapping InvoiceMap
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND invoice_number = ?", workspaceId, invoiceNumber).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func CreateInvoiceMap(ctx context.Context, db *gorm.DB, mapping *InvoiceMap) error {
	return db.WithContext(ctx).Create(mapping).Error
}

// FillLedgerRefs completes a placeholder or refreshes the ledger side of an
// existing invoice mapping.
func (m *InvoiceMap) FillLedgerRefs(ctx context.Context, db *gorm.DB, ledgerInvoiceId, docNumber, syncToken string) error {
	err := db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"ledger_invoice_id": ledgerInvoiceId,
		"ledger_doc_number": docNumber,
		"ledger_sync_token": syncToken,
	}).Error
	if err != nil {
		return err
	}
	m.LedgerInvoiceId = ledgerInvoiceId
	m.LedgerDocNumber = docNumber
	m.LedgerSyncToken = syncToken
	return nil
}

func (m *InvoiceMap) UpdateSyncToken(ctx context.Context, db *gorm.DB, syncToken string) error {
	if err := db.WithContext(ctx).Model(m).Update("ledger_sync_token", syncToken).Error; err != nil {
		return err
	}
	m.LedgerSyncToken = syncToken
	return nil
}

func FindPaymentMap(ctx context.Context, db *gorm.DB, workspaceId, portalPaymentId string) (*PaymentMap, error) {
	var mapping PaymentMap
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND portal_payment_id = ?", workspaceId, portalPaymentId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func CreatePaymentMap(ctx context.Context, db *gorm.DB, mapping *PaymentMap) error {
	return db.WithContext(ctx).Create(mapping).Error
}
