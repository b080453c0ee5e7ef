package syncengine

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// SyncPaymentSucceeded books the processor fee of a successful payment as a
// tenant expense. Only runs for connections that absorb fees; idempotent on
// the portal payment id.
//
// The ledger write and the mapping write are not atomic. If the mapping
// persist fails after the purchase was created, the purchase is deleted again
// before the error propagates, otherwise a replay would double-book the fee.
func (h *Handlers) SyncPaymentSucceeded(ctx context.Context, payment portalapi.Payment) error {
	entry := &models.SyncLog{
		EntityType:    models.EntityTypePayment,
		EventType:     models.EventTypeSucceeded,
		PortalId:      payment.Id,
		InvoiceNumber: payment.InvoiceNumber,
		AmountCents:   payment.AmountCents,
		FeeCents:      payment.FeeCents,
	}

	if !h.conn.AbsorbFee {
		entry.Status = models.SyncStatusInfo
		entry.Remark = "fee absorption disabled"
		h.recordOutcome(ctx, entry)
		return nil
	}
	if payment.FeeCents == 0 {
		entry.Status = models.SyncStatusInfo
		entry.Remark = "payment carried no fee"
		h.recordOutcome(ctx, entry)
		return nil
	}

	mapping, err := models.FindPaymentMap(ctx, h.db, h.conn.WorkspaceId, payment.Id)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if mapping != nil {
		entry.Status = models.SyncStatusSuccess
		entry.LedgerId = mapping.LedgerPurchaseId
		entry.Remark = "fee already booked"
		h.recordOutcome(ctx, entry)
		return nil
	}

	purchase, err := h.ledger.CreatePurchase(ctx, ledgerapi.NewPurchase{
		ExpenseAccountId: h.conn.ExpenseAccountId,
		PaymentAccountId: h.conn.AssetAccountId,
		Amount:           utils.CentsToDollars(payment.FeeCents),
		Memo:             fmt.Sprintf("Processing fee for invoice %s", payment.InvoiceNumber),
	})
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	err = models.CreatePaymentMap(ctx, h.db, &models.PaymentMap{
		WorkspaceId:      h.conn.WorkspaceId,
		PortalPaymentId:  payment.Id,
		LedgerPurchaseId: purchase.Id,
		LedgerSyncToken:  purchase.SyncToken,
	})
	if err != nil {
		h.compensatePurchase(ctx, purchase, payment.Id)
		h.recordFailure(ctx, entry, err)
		return err
	}

	entry.Status = models.SyncStatusSuccess
	entry.LedgerId = purchase.Id
	h.recordOutcome(ctx, entry)
	return nil
}

// compensatePurchase deletes a purchase whose mapping could not be persisted.
// A failed delete is only logged: the sweep's idempotency check cannot help
// here, so the orphan needs manual attention.
func (h *Handlers) compensatePurchase(ctx context.Context, purchase *ledgerapi.PurchaseRef, portalPaymentId string) {
	if err := h.ledger.DeletePurchase(ctx, purchase.Id, purchase.SyncToken); err != nil {
		h.logger.WithFields(logrus.Fields{
			"module":       "syncengine",
			"workspace_id": h.conn.WorkspaceId,
			"purchase_id":  purchase.Id,
			"payment_id":   portalPaymentId,
		}).Error("compensating purchase delete failed, orphaned purchase in ledger: " + err.Error())
	}
}
