package syncengine

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func seedFailedLog(t *testing.T, db *gorm.DB, entry *models.SyncLog) {
	t.Helper()
	entry.Status = models.SyncStatusFailed
	if err := models.UpsertSyncLog(context.Background(), db, entry); err != nil {
		t.Fatalf("seed failed log: %v", err)
	}
}

func fakeFactory(ledger *fakeLedger, portal *fakePortal) HandlersFactory {
	return func(db *gorm.DB, conn *models.Connection, logger *logrus.Logger, limiter *Limiter) (*Handlers, error) {
		return NewHandlers(db, ledger, portal, conn, logger, limiter), nil
	}
}

func TestSweepReplaysFailedRows(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	product := seedProduct(portal)
	portal.invoices = []portalapi.Invoice{openInvoice()}

	db := newTestDB(t)
	conn := newTestConnection(t, db)

	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId:   conn.WorkspaceId,
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      "pinv-1",
		InvoiceNumber: "INV-1001",
	})
	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId: conn.WorkspaceId,
		EntityType:  models.EntityTypeProduct,
		EventType:   models.EventTypeCreated,
		PortalId:    product.Id,
		ProductName: product.Name,
	})
	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId:   conn.WorkspaceId,
		EntityType:    models.EntityTypePayment,
		EventType:     models.EventTypeSucceeded,
		PortalId:      "pay-1",
		InvoiceNumber: "INV-1001",
		AmountCents:   3000,
		FeeCents:      117,
	})

	sweeper := NewSweeper(db, quietLogger(), fakeFactory(ledger, portal))
	if err := sweeper.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ledger.createInvoiceCalls != 1 {
		t.Fatalf("invoice creates: %d", ledger.createInvoiceCalls)
	}
	if ledger.createItemCalls != 1 {
		t.Fatalf("item creates: %d", ledger.createItemCalls)
	}
	if ledger.createPurchaseCalls != 1 {
		t.Fatalf("purchase creates: %d", ledger.createPurchaseCalls)
	}

	remaining, err := models.ListFailedSyncLogs(context.Background(), db, conn.WorkspaceId)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("rows still failed after sweep: %d", len(remaining))
	}
}

// A created row whose invoice has since been paid catches up to the current
// portal state in a single sweep.
func TestSweepChasesCurrentInvoiceState(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	inv := openInvoice()
	inv.Status = portalapi.InvoiceStatusPaid
	portal.invoices = []portalapi.Invoice{inv}

	db := newTestDB(t)
	conn := newTestConnection(t, db)
	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId:   conn.WorkspaceId,
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      inv.Id,
		InvoiceNumber: inv.Number,
	})

	sweeper := NewSweeper(db, quietLogger(), fakeFactory(ledger, portal))
	if err := sweeper.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ledger.createInvoiceCalls != 1 || ledger.createPaymentCalls != 1 {
		t.Fatalf("calls: create=%d payment=%d", ledger.createInvoiceCalls, ledger.createPaymentCalls)
	}
}

func TestSweepMarksVanishedEntitiesInfo(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()

	db := newTestDB(t)
	conn := newTestConnection(t, db)
	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId:   conn.WorkspaceId,
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      "pinv-gone",
		InvoiceNumber: "INV-404",
	})

	sweeper := NewSweeper(db, quietLogger(), fakeFactory(ledger, portal))
	if err := sweeper.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry := findSyncLog(t, db, "pinv-gone", models.EventTypeCreated)
	if entry.Status != models.SyncStatusInfo {
		t.Fatalf("log status: %s", entry.Status)
	}
	if ledger.createInvoiceCalls != 0 {
		t.Fatal("vanished invoice reached the ledger")
	}
}

func TestSweepSkipsTenantWithoutToken(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	portal.invoices = []portalapi.Invoice{openInvoice()}

	db := newTestDB(t)
	conn := newTestConnection(t, db)
	if err := db.Model(conn).Updates(map[string]interface{}{
		"access_token": "", "refresh_token": "",
	}).Error; err != nil {
		t.Fatalf("clear tokens: %v", err)
	}
	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId:   conn.WorkspaceId,
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      "pinv-1",
		InvoiceNumber: "INV-1001",
	})

	sweeper := NewSweeper(db, quietLogger(), fakeFactory(ledger, portal))
	if err := sweeper.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ledger.createInvoiceCalls != 0 {
		t.Fatal("tokenless tenant reached the ledger")
	}
	// The row stays queued for the next sweep.
	remaining, _ := models.ListFailedSyncLogs(context.Background(), db, conn.WorkspaceId)
	if len(remaining) != 1 {
		t.Fatalf("queue length: %d", len(remaining))
	}
}

func TestSweepRunForOtherWorkspaceIsNoop(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	seedClient(portal)
	portal.invoices = []portalapi.Invoice{openInvoice()}

	db := newTestDB(t)
	conn := newTestConnection(t, db)
	seedFailedLog(t, db, &models.SyncLog{
		WorkspaceId:   conn.WorkspaceId,
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      "pinv-1",
		InvoiceNumber: "INV-1001",
	})

	sweeper := NewSweeper(db, quietLogger(), fakeFactory(ledger, portal))
	if err := sweeper.RunFor(context.Background(), "some-other-workspace"); err != nil {
		t.Fatalf("RunFor: %v", err)
	}
	if ledger.createInvoiceCalls != 0 {
		t.Fatal("narrowed sweep touched a different workspace")
	}
}

// Work cut off by the sweep budget must stay on the replay queue: a success
// computed after the deadline is stored as failed.
func TestRecordOutcomeDemotesLateSuccess(t *testing.T) {
	ledger := newFakeLedger()
	portal := newFakePortal()
	h, db, _ := newTestHandlers(t, ledger, portal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry := &models.SyncLog{
		EntityType:    models.EntityTypeInvoice,
		EventType:     models.EventTypeCreated,
		PortalId:      "pinv-late",
		InvoiceNumber: "INV-2002",
		Status:        models.SyncStatusSuccess,
	}
	h.recordOutcome(ctx, entry)

	stored := findSyncLog(t, db, "pinv-late", models.EventTypeCreated)
	if stored.Status != models.SyncStatusFailed {
		t.Fatalf("late success stored as %s", stored.Status)
	}
}
