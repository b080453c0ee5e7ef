package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrMappingMissing marks a data-consistency gap: a paid/voided event arrived
// for an invoice the engine never created in the ledger. Logged as failed so
// the resync sweep picks it up; never resolved by a blind create.
var ErrMappingMissing = errors.New("no ledger mapping for invoice")

// SyncInvoiceCreated creates the ledger-side invoice for a portal invoice,
// creating (or finding) the ledger customer first. Idempotent on the invoice
// number: an existing non-placeholder mapping makes this a no-op success.
//
// Before any ledger call the handler claims the mapping row by inserting a
// placeholder under the live-row unique index. Concurrent duplicate webhook
// deliveries collapse onto one claim: the loser sees either the duplicate-key
// conflict or the winner's placeholder and backs off, so the ledger invoice
// is created at most once. Placeholders are completed by the resync sweep.
func (h *Handlers) SyncInvoiceCreated(ctx context.Context, inv portalapi.Invoice) error {
	return h.syncInvoiceCreated(ctx, inv, false)
}

func (h *Handlers) syncInvoiceCreated(ctx context.Context, inv portalapi.Invoice, resume bool) error {
	entry := &models.SyncLog{
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      inv.Id,
		InvoiceNumber: inv.Number,
		AmountCents:   inv.TotalCents,
		TaxCents:      inv.TaxCents,
	}

	if inv.Status == portalapi.InvoiceStatusDraft {
		entry.Status = models.SyncStatusInfo
		entry.Remark = "draft invoice skipped"
		h.recordOutcome(ctx, entry)
		return nil
	}

	mapping, err := models.FindInvoiceMapByNumber(ctx, h.db, h.conn.WorkspaceId, inv.Number)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if mapping != nil && !mapping.IsPlaceholder() {
		entry.Status = models.SyncStatusSuccess
		entry.LedgerId = mapping.LedgerInvoiceId
		entry.Remark = "invoice already synced"
		h.recordOutcome(ctx, entry)
		return nil
	}

	if mapping != nil && !resume {
		// A placeholder means the creation is in flight on another delivery
		// or queued for the sweep. No log write here: it would clobber the
		// failed row that keeps the invoice on the replay queue.
		h.logger.WithFields(logrus.Fields{
			"module":         "syncengine",
			"workspace_id":   h.conn.WorkspaceId,
			"invoice_number": inv.Number,
		}).Info("invoice creation already claimed, skipping duplicate delivery")
		return nil
	}
	if mapping == nil {
		mapping = &models.InvoiceMap{
			WorkspaceId:     h.conn.WorkspaceId,
			InvoiceNumber:   inv.Number,
			PortalInvoiceId: inv.Id,
		}
		if err := models.CreateInvoiceMap(ctx, h.db, mapping); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				h.logger.WithFields(logrus.Fields{
					"module":         "syncengine",
					"workspace_id":   h.conn.WorkspaceId,
					"invoice_number": inv.Number,
				}).Info("invoice creation already claimed, skipping duplicate delivery")
				return nil
			}
			h.recordFailure(ctx, entry, err)
			return err
		}
	}

	payer, err := h.resolvePayer(ctx, inv.RecipientId)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	entry.CustomerName = strings.TrimSpace(payer.GivenName + " " + payer.FamilyName)
	entry.CustomerEmail = payer.Email

	customer, err := h.findOrCreateCustomer(ctx, payer)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	// Each line converts cents to dollars independently; no aggregate
	// rounding across lines.
	lines := make([]ledgerapi.InvoiceLine, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		lines = append(lines, ledgerapi.InvoiceLine{
			Amount:      utils.LineAmount(li.AmountCents, li.Quantity),
			UnitPrice:   utils.CentsToDollars(li.AmountCents),
			Quantity:    li.Quantity,
			Description: li.Description,
		})
	}

	ledgerInv, err := h.ledger.CreateInvoice(ctx, ledgerapi.NewInvoice{
		CustomerId: customer.Id,
		DocNumber:  inv.Number,
		Lines:      lines,
	})
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	if err := mapping.FillLedgerRefs(ctx, h.db, ledgerInv.Id, ledgerInv.DocNumber, ledgerInv.SyncToken); err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	entry.Status = models.SyncStatusSuccess
	entry.LedgerId = ledgerInv.Id
	h.recordOutcome(ctx, entry)
	return nil
}

// SyncInvoicePaid records a payment receipt against the mapped ledger invoice.
func (h *Handlers) SyncInvoicePaid(ctx context.Context, inv portalapi.Invoice) error {
	entry := &models.SyncLog{
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypePaid,
		PortalId:      inv.Id,
		InvoiceNumber: inv.Number,
		AmountCents:   inv.TotalCents,
		TaxCents:      inv.TaxCents,
	}

	mapping, err := models.FindInvoiceMapByNumber(ctx, h.db, h.conn.WorkspaceId, inv.Number)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if mapping == nil || mapping.IsPlaceholder() {
		h.recordFailure(ctx, entry, ErrMappingMissing)
		return ErrMappingMissing
	}

	ledgerInv, err := h.ledger.GetInvoice(ctx, mapping.LedgerInvoiceId)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	payment, err := h.ledger.CreateInvoicePayment(ctx, ledgerapi.NewInvoicePayment{
		CustomerId: ledgerInv.CustomerId,
		InvoiceId:  ledgerInv.Id,
		Amount:     ledgerInv.TotalAmt,
	})
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	if err := mapping.UpdateSyncToken(ctx, h.db, ledgerInv.SyncToken); err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	entry.Status = models.SyncStatusSuccess
	entry.LedgerId = payment.Id
	h.recordOutcome(ctx, entry)
	return nil
}

// SyncInvoiceVoided voids the mapped ledger invoice. An optimistic-lock
// rejection gets exactly one re-fetch for a fresh sync token; the stale token
// is never resubmitted.
func (h *Handlers) SyncInvoiceVoided(ctx context.Context, inv portalapi.Invoice) error {
	entry := &models.SyncLog{
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeVoided,
		PortalId:      inv.Id,
		InvoiceNumber: inv.Number,
	}

	mapping, err := models.FindInvoiceMapByNumber(ctx, h.db, h.conn.WorkspaceId, inv.Number)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if mapping == nil || mapping.IsPlaceholder() {
		h.recordFailure(ctx, entry, ErrMappingMissing)
		return ErrMappingMissing
	}

	voided, err := h.ledger.VoidInvoice(ctx, mapping.LedgerInvoiceId, mapping.LedgerSyncToken)
	if err != nil {
		var lockErr *ledgerapi.OptimisticLockError
		if !errors.As(err, &lockErr) {
			h.recordFailure(ctx, entry, err)
			return err
		}
		fresh, fetchErr := h.ledger.GetInvoice(ctx, mapping.LedgerInvoiceId)
		if fetchErr != nil {
			h.recordFailure(ctx, entry, fetchErr)
			return fetchErr
		}
		voided, err = h.ledger.VoidInvoice(ctx, fresh.Id, fresh.SyncToken)
		if err != nil {
			h.recordFailure(ctx, entry, err)
			return err
		}
	}

	if err := mapping.UpdateSyncToken(ctx, h.db, voided.SyncToken); err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	entry.Status = models.SyncStatusSuccess
	entry.LedgerId = mapping.LedgerInvoiceId
	h.recordOutcome(ctx, entry)
	return nil
}

// SyncInvoiceDeleted soft-deletes the mapping when the portal-side invoice is
// removed. The ledger record is left untouched; the books stay authoritative.
func (h *Handlers) SyncInvoiceDeleted(ctx context.Context, inv portalapi.Invoice) error {
	entry := &models.SyncLog{
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeDeleted,
		PortalId:      inv.Id,
		InvoiceNumber: inv.Number,
	}

	mapping, err := models.FindInvoiceMapByNumber(ctx, h.db, h.conn.WorkspaceId, inv.Number)
	if err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}
	if mapping == nil {
		entry.Status = models.SyncStatusInfo
		entry.Remark = "invoice was never mapped"
		h.recordOutcome(ctx, entry)
		return nil
	}
	if err := h.db.WithContext(ctx).Delete(mapping).Error; err != nil {
		h.recordFailure(ctx, entry, err)
		return err
	}

	entry.Status = models.SyncStatusSuccess
	entry.LedgerId = mapping.LedgerInvoiceId
	h.recordOutcome(ctx, entry)
	return nil
}

// resolvePayer resolves the invoice recipient to a portal client. When the
// recipient is a company, the company's longest-tenured active client stands
// in as the payer.
func (h *Handlers) resolvePayer(ctx context.Context, recipientId string) (*portalapi.Client, error) {
	client, err := h.portal.GetClient(ctx, recipientId)
	if err != nil {
		return nil, err
	}
	if client != nil {
		return client, nil
	}

	company, err := h.portal.GetCompany(ctx, recipientId)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, fmt.Errorf("recipient %s is neither a client nor a company", recipientId)
	}

	clients, err := h.portal.ListClients(ctx, company.Id)
	if err != nil {
		return nil, err
	}
	active := clients[:0:0]
	for _, cl := range clients {
		if cl.Status == portalapi.ClientStatusActive {
			active = append(active, cl)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("company %s has no active clients", company.Id)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	payer := active[0]
	return &payer, nil
}

// findOrCreateCustomer searches the ledger for an active customer by name and
// creates one when absent, substituting the company name per the
// useCompanyName flag.
func (h *Handlers) findOrCreateCustomer(ctx context.Context, payer *portalapi.Client) (*ledgerapi.CustomerRef, error) {
	existing, err := h.ledger.FindCustomerByName(ctx, payer.GivenName, payer.FamilyName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		h.upsertCustomerMap(ctx, payer, existing)
		return existing, nil
	}

	input := ledgerapi.NewCustomer{
		GivenName:  payer.GivenName,
		FamilyName: payer.FamilyName,
		Email:      payer.Email,
	}
	if h.conn.UseCompanyName && payer.CompanyId != "" {
		company, err := h.portal.GetCompany(ctx, payer.CompanyId)
		if err != nil {
			return nil, err
		}
		if company != nil {
			input.CompanyName = company.Name
			input.DisplayName = company.Name
		}
	}

	created, err := h.ledger.CreateCustomer(ctx, input)
	if err != nil {
		return nil, err
	}
	h.upsertCustomerMap(ctx, payer, created)
	return created, nil
}

// upsertCustomerMap caches the client->customer correspondence. Best effort:
// a miss only costs one extra ledger lookup next time.
func (h *Handlers) upsertCustomerMap(ctx context.Context, payer *portalapi.Client, customer *ledgerapi.CustomerRef) {
	existing, err := models.FindCustomerMap(ctx, h.db, h.conn.WorkspaceId, payer.Id)
	if err != nil || existing != nil {
		return
	}
	err = models.CreateCustomerMap(ctx, h.db, &models.CustomerMap{
		WorkspaceId:      h.conn.WorkspaceId,
		PortalClientId:   payer.Id,
		LedgerCustomerId: customer.Id,
		LedgerSyncToken:  customer.SyncToken,
		DisplayName:      customer.DisplayName,
	})
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"module":       "syncengine",
			"workspace_id": h.conn.WorkspaceId,
			"client_id":    payer.Id,
		}).Warn("failed to cache customer mapping: " + err.Error())
	}
}
