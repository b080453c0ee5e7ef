package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
)

func openInvoice() portalapi.Invoice {
	return portalapi.Invoice{
		Id:          "pinv-1",
		Number:      "INV-1001",
		Status:      portalapi.InvoiceStatusOpen,
		RecipientId: "client-1",
		TotalCents:  3000,
		LineItems: []portalapi.LineItem{
			{AmountCents: 1500, Quantity: 2, Description: "Consulting hour"},
		},
	}
}

func seedClient(portal *fakePortal) {
	portal.clients["client-1"] = &portalapi.Client{
		Id:         "client-1",
		GivenName:  "Aye",
		FamilyName: "Chan",
		Email:      "aye@example.com",
		Status:     portalapi.ClientStatusActive,
	}
}

func TestSyncInvoiceCreated(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	if err := h.SyncInvoiceCreated(context.Background(), openInvoice()); err != nil {
		t.Fatalf("SyncInvoiceCreated: %v", err)
	}

	if ledger.createInvoiceCalls != 1 {
		t.Fatalf("expected 1 ledger invoice create, got %d", ledger.createInvoiceCalls)
	}
	var created bool
	for _, inv := range ledger.invoices {
		created = true
		if inv.DocNumber != "INV-1001" {
			t.Fatalf("doc number: got %s", inv.DocNumber)
		}
		// Each line converts independently: 1500 cents x 2 = 30.00 dollars.
		if got := inv.Lines[0].Amount.StringFixed(2); got != "30.00" {
			t.Fatalf("line amount: got %s, want 30.00", got)
		}
		if got := inv.Lines[0].UnitPrice.StringFixed(2); got != "15.00" {
			t.Fatalf("unit price: got %s, want 15.00", got)
		}
	}
	if !created {
		t.Fatal("no ledger invoice recorded")
	}

	mapping, err := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, "INV-1001")
	if err != nil || mapping == nil {
		t.Fatalf("invoice mapping missing: %v", err)
	}
	if mapping.IsPlaceholder() {
		t.Fatal("mapping left as placeholder")
	}
	if mapping.LedgerSyncToken == "" {
		t.Fatal("mapping has no sync token")
	}

	entry := findSyncLog(t, db, "pinv-1", models.EventTypeCreated)
	if entry.Status != models.SyncStatusSuccess {
		t.Fatalf("log status: got %s", entry.Status)
	}
	if entry.CustomerName != "Aye Chan" || entry.CustomerEmail != "aye@example.com" {
		t.Fatalf("log customer fields: %q %q", entry.CustomerName, entry.CustomerEmail)
	}
	if entry.AmountCents != 3000 {
		t.Fatalf("log amount: got %d", entry.AmountCents)
	}
}

func TestSyncInvoiceCreated_Idempotent(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, _ := newTestHandlers(t, ledger, portal)

	inv := openInvoice()
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	// Duplicate webhook delivery of the same invoice.
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if ledger.createInvoiceCalls != 1 {
		t.Fatalf("duplicate created a second ledger invoice (%d calls)", ledger.createInvoiceCalls)
	}
	entry := findSyncLog(t, db, "pinv-1", models.EventTypeCreated)
	if entry.Status != models.SyncStatusSuccess {
		t.Fatalf("log status after duplicate: %s", entry.Status)
	}
}

func TestSyncInvoiceCreated_DraftSkipped(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	h, db, _ := newTestHandlers(t, ledger, portal)

	inv := openInvoice()
	inv.Status = portalapi.InvoiceStatusDraft
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("SyncInvoiceCreated: %v", err)
	}
	if ledger.createInvoiceCalls != 0 {
		t.Fatal("draft invoice reached the ledger")
	}
	entry := findSyncLog(t, db, "pinv-1", models.EventTypeCreated)
	if entry.Status != models.SyncStatusInfo {
		t.Fatalf("draft log status: %s", entry.Status)
	}
}

func TestSyncInvoiceCreated_FillsPlaceholder(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	// A webhook that arrived while the token was unusable left this stub.
	err := models.CreateInvoiceMap(context.Background(), db, &models.InvoiceMap{
		WorkspaceId:     conn.WorkspaceId,
		InvoiceNumber:   "INV-1001",
		PortalInvoiceId: "pinv-1",
	})
	if err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}

	// The sweep resumes placeholders; a live delivery would back off.
	if err := h.syncInvoiceCreated(context.Background(), openInvoice(), true); err != nil {
		t.Fatalf("syncInvoiceCreated: %v", err)
	}

	mapping, err := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, "INV-1001")
	if err != nil || mapping == nil {
		t.Fatalf("mapping: %v", err)
	}
	if mapping.IsPlaceholder() {
		t.Fatal("placeholder was not completed")
	}
	// No second row was created for the same number.
	var count int64
	db.Model(&models.InvoiceMap{}).Where("invoice_number = ?", "INV-1001").Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 mapping row, got %d", count)
	}
}

func TestSyncInvoiceCreated_PlaceholderBlocksDuplicateDelivery(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	// Another delivery (or a deferred webhook) already claimed the number.
	err := models.CreateInvoiceMap(context.Background(), db, &models.InvoiceMap{
		WorkspaceId:     conn.WorkspaceId,
		InvoiceNumber:   "INV-1001",
		PortalInvoiceId: "pinv-1",
	})
	if err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}

	if err := h.SyncInvoiceCreated(context.Background(), openInvoice()); err != nil {
		t.Fatalf("SyncInvoiceCreated: %v", err)
	}
	if ledger.createInvoiceCalls != 0 {
		t.Fatalf("duplicate delivery reached the ledger (%d calls)", ledger.createInvoiceCalls)
	}

	var count int64
	db.Model(&models.InvoiceMap{}).Where("invoice_number = ?", "INV-1001").Count(&count)
	if count != 1 {
		t.Fatalf("mapping rows: %d", count)
	}
	// The queued failed row (if any) must not be overwritten by the skip.
	var logs int64
	db.Model(&models.SyncLog{}).Count(&logs)
	if logs != 0 {
		t.Fatalf("skip wrote %d log rows", logs)
	}
}

func TestSyncInvoiceCreated_ClaimSurvivesLedgerFailure(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	ledger.createInvoiceErr = errors.New("ledger unavailable")
	if err := h.SyncInvoiceCreated(context.Background(), openInvoice()); err == nil {
		t.Fatal("expected ledger failure")
	}

	// The claim stays behind as a placeholder plus a failed log row, exactly
	// what the sweep needs to resume.
	mapping, err := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, "INV-1001")
	if err != nil || mapping == nil {
		t.Fatalf("claim row: %v", err)
	}
	if !mapping.IsPlaceholder() {
		t.Fatalf("claim row not a placeholder: %+v", mapping)
	}
	failed := findSyncLog(t, db, "pinv-1", models.EventTypeCreated)
	if failed.Status != models.SyncStatusFailed {
		t.Fatalf("log status: %s", failed.Status)
	}

	ledger.createInvoiceErr = nil
	if err := h.syncInvoiceCreated(context.Background(), openInvoice(), true); err != nil {
		t.Fatalf("resume: %v", err)
	}
	mapping, err = models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, "INV-1001")
	if err != nil || mapping == nil || mapping.IsPlaceholder() {
		t.Fatalf("resume did not complete the mapping: %+v", mapping)
	}
	if ledger.createInvoiceCalls != 2 {
		t.Fatalf("invoice creates: %d", ledger.createInvoiceCalls)
	}
}

func TestSyncInvoiceCreated_CompanyRecipient(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	portal.companies["comp-1"] = &portalapi.Company{Id: "comp-1", Name: "Acme Pte"}
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	portal.companyClients["comp-1"] = []portalapi.Client{
		{Id: "c-new", GivenName: "New", FamilyName: "Hire", Status: portalapi.ClientStatusActive, CreatedAt: newer},
		{Id: "c-gone", GivenName: "Old", FamilyName: "Gone", Status: "inactive", CreatedAt: older},
		{Id: "c-old", GivenName: "First", FamilyName: "Member", Status: portalapi.ClientStatusActive, CreatedAt: older},
	}
	h, db, _ := newTestHandlers(t, ledger, portal)

	inv := openInvoice()
	inv.RecipientId = "comp-1"
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("SyncInvoiceCreated: %v", err)
	}

	// The longest-tenured active client stands in as payer.
	entry := findSyncLog(t, db, "pinv-1", models.EventTypeCreated)
	if entry.CustomerName != "First Member" {
		t.Fatalf("payer: got %q, want First Member", entry.CustomerName)
	}
}

func TestSyncInvoicePaid_NoMappingFails(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	h, db, _ := newTestHandlers(t, ledger, portal)

	err := h.SyncInvoicePaid(context.Background(), openInvoice())
	if !errors.Is(err, ErrMappingMissing) {
		t.Fatalf("expected ErrMappingMissing, got %v", err)
	}
	if ledger.createPaymentCalls != 0 {
		t.Fatal("payment created without a mapping")
	}
	entry := findSyncLog(t, db, "pinv-1", models.EventTypePaid)
	if entry.Status != models.SyncStatusFailed {
		t.Fatalf("log status: %s", entry.Status)
	}
}

func TestSyncInvoicePaid(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	inv := openInvoice()
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	inv.Status = portalapi.InvoiceStatusPaid
	if err := h.SyncInvoicePaid(context.Background(), inv); err != nil {
		t.Fatalf("paid: %v", err)
	}
	if ledger.createPaymentCalls != 1 {
		t.Fatalf("payment calls: %d", ledger.createPaymentCalls)
	}
	mapping, _ := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, inv.Number)
	if mapping.LedgerSyncToken == "" {
		t.Fatal("sync token not refreshed after payment")
	}
}

func TestSyncInvoiceVoided_StaleTokenRefetchedOnce(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	inv := openInvoice()
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another operation bumped the ledger-side token; our stored copy is
	// stale now.
	mapping, _ := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, inv.Number)
	for _, ref := range ledger.invoices {
		ref.SyncToken = "7"
	}

	inv.Status = portalapi.InvoiceStatusVoided
	if err := h.SyncInvoiceVoided(context.Background(), inv); err != nil {
		t.Fatalf("void: %v", err)
	}
	if len(ledger.voidedInvoices) != 1 {
		t.Fatalf("voided: %v", ledger.voidedInvoices)
	}

	refreshed, _ := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, inv.Number)
	if refreshed.LedgerSyncToken == mapping.LedgerSyncToken {
		t.Fatal("stored token not refreshed after re-fetch")
	}
}

func TestSyncInvoiceDeleted(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	h, db, conn := newTestHandlers(t, ledger, portal)

	inv := openInvoice()
	if err := h.SyncInvoiceCreated(context.Background(), inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.SyncInvoiceDeleted(context.Background(), inv); err != nil {
		t.Fatalf("delete: %v", err)
	}

	mapping, err := models.FindInvoiceMapByNumber(context.Background(), db, conn.WorkspaceId, inv.Number)
	if err != nil {
		t.Fatalf("find after delete: %v", err)
	}
	if mapping != nil {
		t.Fatal("mapping still visible after soft delete")
	}
	// The ledger record is untouched.
	if len(ledger.voidedInvoices) != 0 {
		t.Fatal("portal delete must not touch the ledger invoice")
	}
}
