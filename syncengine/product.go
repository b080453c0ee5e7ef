package syncengine

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

// SyncProductCreated mirrors a portal product into the ledger as a service
// item priced from the product's first price. Additional price variants share
// the same underlying item and are not mirrored separately. Idempotent on
// (product, price).
func (h *Handlers) SyncProductCreated(ctx context.Context, product portalapi.Product) error {
	entry := &models.SyncLog{
		EntityType:  models.EntityTypeProduct,
		EventType:   models.EventTypeCreated,
		PortalId:    product.Id,
		ProductName: product.Name,
	}

	prices, err := h.portal.ListPrices(ctx, product.Id)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if len(prices) == 0 {
		err := fmt.Errorf("product %s has no prices", product.Id)
		h.recordFailure(ctx, entry, err)
		return err
	}

	price := prices[0]
	mapping, err := models.FindProductMap(ctx, h.db, h.conn.WorkspaceId, product.Id, price.Id)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if mapping != nil {
		entry.Status = models.SyncStatusSuccess
		entry.LedgerId = mapping.LedgerItemId
		entry.Remark = "product already mapped"
		h.recordOutcome(ctx, entry)
		return nil
	}

	item, err := h.ledger.CreateItem(ctx, ledgerapi.NewItem{
		Name:            product.Name,
		Description:     product.Description,
		UnitPrice:       utils.CentsToDollars(price.UnitAmountCents),
		IncomeAccountId: h.conn.IncomeAccountId,
	})
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	err = models.CreateProductMap(ctx, h.db, &models.ProductMap{
		WorkspaceId:     h.conn.WorkspaceId,
		PortalProductId: product.Id,
		PortalPriceId:   price.Id,
		LedgerItemId:    item.Id,
		LedgerSyncToken: item.SyncToken,
		Name:            product.Name,
		Description:     product.Description,
		UnitPriceCents:  price.UnitAmountCents,
	})
	h.invalidateProductCache(ctx)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	entry.Status = models.SyncStatusSuccess
	entry.ProductPriceCents = price.UnitAmountCents
	entry.LedgerItemName = item.Name
	entry.LedgerId = item.Id
	h.recordOutcome(ctx, entry)
	return nil
}

// SyncProductUpdated pushes name/description changes to every mapped item of
// the product. Rows whose cached fields already match are skipped; when
// nothing changed there are no ledger calls at all. Price changes are not
// propagated, the ledger item keeps its original rate.
func (h *Handlers) SyncProductUpdated(ctx context.Context, product portalapi.Product) error {
	entry := &models.SyncLog{
		EntityType:  models.EntityTypeProduct,
		EventType:   models.EventTypeUpdated,
		PortalId:    product.Id,
		ProductName: product.Name,
	}

	mappings, err := models.FindProductMaps(ctx, h.db, h.conn.WorkspaceId, product.Id)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if len(mappings) == 0 {
		entry.Status = models.SyncStatusInfo
		entry.Remark = "product was never mapped"
		h.recordOutcome(ctx, entry)
		return nil
	}

	changed := 0
	for i := range mappings {
		mapping := &mappings[i]
		if mapping.Name == product.Name && mapping.Description == product.Description {
			continue
		}

		fields := ledgerapi.ItemUpdate{}
		if mapping.Name != product.Name {
			name := product.Name
			fields.Name = &name
		}
		if mapping.Description != product.Description {
			desc := product.Description
			fields.Description = &desc
		}

		item, err := h.sparseUpdateItem(ctx, mapping, fields)
		if err != nil {
			h.invalidateProductCache(ctx)
			h.recordFailure(ctx, entry, err)
			return err
		}
		if err := mapping.UpdateProductMapFields(ctx, h.db, product.Name, product.Description, item.SyncToken); err != nil {
			h.invalidateProductCache(ctx)
			h.recordFailure(ctx, entry, err)
			return err
		}
		entry.LedgerItemName = item.Name
		entry.LedgerId = item.Id
		changed++
	}

	if changed == 0 {
		entry.Status = models.SyncStatusInfo
		entry.Remark = "no mapped fields changed"
		h.recordOutcome(ctx, entry)
		return nil
	}

	h.invalidateProductCache(ctx)
	entry.Status = models.SyncStatusSuccess
	h.recordOutcome(ctx, entry)
	return nil
}

// sparseUpdateItem submits the sparse update with the stored sync token. A
// lock rejection gets one re-fetch for the current token before giving up.
func (h *Handlers) sparseUpdateItem(ctx context.Context, mapping *models.ProductMap, fields ledgerapi.ItemUpdate) (*ledgerapi.ItemRef, error) {
	item, err := h.ledger.SparseUpdateItem(ctx, mapping.LedgerItemId, mapping.LedgerSyncToken, fields)
	if err == nil {
		return item, nil
	}
	if !ledgerapi.IsLockError(err) {
		return nil, err
	}
	fresh, fetchErr := h.ledger.GetItem(ctx, mapping.LedgerItemId)
	if fetchErr != nil {
		return nil, fetchErr
	}
	return h.ledger.SparseUpdateItem(ctx, fresh.Id, fresh.SyncToken, fields)
}
