package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const sweepLockKey = "portalsync:resync-sweep"

// HandlersFactory builds the per-tenant handler set. Swapped for a fake in
// tests; the default wires real ledger and portal clients.
type HandlersFactory func(db *gorm.DB, conn *models.Connection, logger *logrus.Logger, limiter *Limiter) (*Handlers, error)

// DefaultHandlersFactory constructs per-tenant API clients. The ledger client
// authenticates with the connection's stored tokens; the portal client uses
// the platform API key. Clients are rebuilt per tenant per sweep since neither
// SDK is safe to share across tenants.
func DefaultHandlersFactory(db *gorm.DB, conn *models.Connection, logger *logrus.Logger, limiter *Limiter) (*Handlers, error) {
	ledger := ledgerapi.New(
		ledgerapi.ConfigFromEnv(conn.LedgerCompanyId),
		newConnectionTokenSource(db, conn),
	)
	portal, err := portalapi.New(os.Getenv("PORTAL_API_KEY"))
	if err != nil {
		return nil, err
	}
	return NewHandlers(db, ledger, portal, conn, logger, limiter), nil
}

// Sweeper replays every failed sync log row against current portal state. One
// instance runs per deployment; the Redis lock keeps overlapping schedules and
// horizontal replicas from double-processing.
type Sweeper struct {
	db      *gorm.DB
	logger  *logrus.Logger
	build   HandlersFactory
	budget  time.Duration
	lockTTL time.Duration
}

// NewSweeper accepts a nil db: the shared handle is resolved per run, which
// lets main construct the sweeper before the database connection is up.
func NewSweeper(db *gorm.DB, logger *logrus.Logger, build HandlersFactory) *Sweeper {
	budget := time.Duration(utils.IntFromEnv("SWEEP_BUDGET_MINUTES", 13)) * time.Minute
	return &Sweeper{
		db:      db,
		logger:  logger,
		build:   build,
		budget:  budget,
		lockTTL: budget + time.Minute,
	}
}

func (s *Sweeper) database() *gorm.DB {
	if s.db != nil {
		return s.db
	}
	return config.GetDB()
}

// Run executes one sweep across all sync-enabled tenants. Tenants are
// processed sequentially so one tenant's portal traffic never competes with
// another's; concurrency only exists inside a tenant's product replays.
func (s *Sweeper) Run(ctx context.Context) error {
	return s.run(ctx, "")
}

// RunFor sweeps a single tenant, e.g. right after an OAuth reconnect.
func (s *Sweeper) RunFor(ctx context.Context, workspaceId string) error {
	return s.run(ctx, workspaceId)
}

func (s *Sweeper) run(ctx context.Context, workspaceId string) error {
	lock, err := s.acquireLock(ctx)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.WithField("module", "syncengine").Info("resync sweep already running elsewhere, skipping")
			return nil
		}
		return err
	}
	if lock != nil {
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	tracer := otel.Tracer("syncengine")
	ctx, span := tracer.Start(ctx, "resync-sweep")
	defer span.End()

	conns, err := models.ListSyncEnabledConnections(ctx, s.database())
	if err != nil {
		return err
	}
	if workspaceId != "" {
		filtered := conns[:0]
		for _, conn := range conns {
			if conn.WorkspaceId == workspaceId {
				filtered = append(filtered, conn)
			}
		}
		conns = filtered
	}
	span.SetAttributes(attribute.Int("tenants", len(conns)))

	for i := range conns {
		if ctx.Err() != nil {
			s.logger.WithField("module", "syncengine").Warn("sweep budget exhausted, remaining tenants deferred to next run")
			break
		}
		s.sweepTenant(ctx, &conns[i])
	}
	return nil
}

func (s *Sweeper) acquireLock(ctx context.Context) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	return locker.Obtain(ctx, sweepLockKey, s.lockTTL, nil)
}

// sweepTenant replays one tenant's failed rows. Panics are contained here so a
// single tenant's bad data never takes down the whole sweep.
func (s *Sweeper) sweepTenant(ctx context.Context, conn *models.Connection) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"module":       "syncengine",
				"workspace_id": conn.WorkspaceId,
			}).Error(fmt.Sprintf("panic while sweeping tenant: %v", r))
		}
	}()

	ctx, span := otel.Tracer("syncengine").Start(ctx, "sweep-tenant")
	span.SetAttributes(attribute.String("workspace_id", conn.WorkspaceId))
	defer span.End()

	logFields := logrus.Fields{
		"module":       "syncengine",
		"workspace_id": conn.WorkspaceId,
	}

	failed, err := models.ListFailedSyncLogs(ctx, s.database(), conn.WorkspaceId)
	if err != nil {
		s.logger.WithFields(logFields).Error("failed to load replay queue: " + err.Error())
		return
	}
	if len(failed) == 0 {
		return
	}

	if !conn.HasUsableToken() {
		s.logger.WithFields(logFields).Warn("tenant has no usable token, replay deferred again")
		return
	}

	h, err := s.build(s.database(), conn, s.logger, NewLimiter(0, 0))
	if err != nil {
		s.logger.WithFields(logFields).Error("failed to build tenant clients: " + err.Error())
		return
	}

	invoices, err := s.fetchInvoices(ctx, h)
	if err != nil {
		s.logger.WithFields(logFields).Error("failed to list portal invoices: " + err.Error())
		return
	}
	products, err := s.fetchProducts(ctx, h)
	if err != nil {
		s.logger.WithFields(logFields).Error("failed to list portal products: " + err.Error())
		return
	}

	var (
		invoiceRows []models.SyncLog
		productRows []models.SyncLog
		paymentRows []models.SyncLog
	)
	for _, row := range failed {
		switch row.EntityType {
		case models.EntityTypeInvoice:
			invoiceRows = append(invoiceRows, row)
		case models.EntityTypeProduct:
			productRows = append(productRows, row)
		case models.EntityTypePayment:
			paymentRows = append(paymentRows, row)
		}
	}

	// Invoice replays run sequentially: paid and voided rows depend on the
	// created row's mapping being in place.
	for _, row := range invoiceRows {
		if ctx.Err() != nil {
			return
		}
		s.replayInvoice(ctx, h, row, invoices)
	}

	var wg sync.WaitGroup
	for _, row := range productRows {
		if ctx.Err() != nil {
			break
		}
		row := row
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.limiter.Do(ctx, func() {
				s.replayProduct(ctx, h, row, products)
			})
		}()
	}
	wg.Wait()

	for _, row := range paymentRows {
		if ctx.Err() != nil {
			return
		}
		s.replayPayment(ctx, h, row)
	}

	_ = models.UpsertConnectionLog(context.WithoutCancel(ctx), s.database(), conn.WorkspaceId,
		models.ConnectionLogKindSync, models.ConnectionLogStatusSuccess,
		fmt.Sprintf("resync sweep replayed %d rows", len(failed)))
}

// fetchInvoices pulls the tenant's full invoice list once and indexes it by
// number, so each replay is a map lookup instead of a portal call.
func (s *Sweeper) fetchInvoices(ctx context.Context, h *Handlers) (map[string]portalapi.Invoice, error) {
	index := make(map[string]portalapi.Invoice)
	next := ""
	for {
		page, token, err := h.portal.ListInvoices(ctx, next, 100)
		if err != nil {
			return nil, err
		}
		for _, inv := range page {
			index[inv.Number] = inv
		}
		if token == "" {
			return index, nil
		}
		next = token
	}
}

func (s *Sweeper) fetchProducts(ctx context.Context, h *Handlers) (map[string]portalapi.Product, error) {
	index := make(map[string]portalapi.Product)
	next := ""
	for {
		page, token, err := h.portal.ListProducts(ctx, next, 100)
		if err != nil {
			return nil, err
		}
		for _, product := range page {
			index[product.Id] = product
		}
		if token == "" {
			return index, nil
		}
		next = token
	}
}

// replayInvoice re-runs a failed invoice event against the invoice's CURRENT
// portal state: a row that failed as open but has since been paid replays as
// paid, matching what a fresh webhook would deliver today.
func (s *Sweeper) replayInvoice(ctx context.Context, h *Handlers, row models.SyncLog, index map[string]portalapi.Invoice) {
	inv, ok := index[row.InvoiceNumber]
	if !ok {
		row.Status = models.SyncStatusInfo
		row.Remark = "invoice no longer present in portal"
		h.recordOutcome(ctx, &row)
		return
	}

	switch row.EventType {
	case models.EventTypeCreated:
		// resume=true: the sweep owns placeholder rows and completes them.
		_ = h.syncInvoiceCreated(ctx, inv, true)
		// The portal state may have moved past "open" while the row sat in
		// the queue; chase the current status so the ledger catches up in
		// one sweep instead of two.
		if inv.Status == portalapi.InvoiceStatusPaid {
			_ = h.SyncInvoicePaid(ctx, inv)
		}
		if inv.Status == portalapi.InvoiceStatusVoided {
			_ = h.SyncInvoiceVoided(ctx, inv)
		}
	case models.EventTypePaid:
		_ = h.SyncInvoicePaid(ctx, inv)
	case models.EventTypeVoided:
		_ = h.SyncInvoiceVoided(ctx, inv)
	case models.EventTypeDeleted:
		_ = h.SyncInvoiceDeleted(ctx, inv)
	}
}

func (s *Sweeper) replayProduct(ctx context.Context, h *Handlers, row models.SyncLog, index map[string]portalapi.Product) {
	product, ok := index[row.PortalId]
	if !ok {
		row.Status = models.SyncStatusInfo
		row.Remark = "product no longer present in portal"
		h.recordOutcome(ctx, &row)
		return
	}
	switch row.EventType {
	case models.EventTypeCreated:
		_ = h.SyncProductCreated(ctx, product)
	case models.EventTypeUpdated:
		_ = h.SyncProductUpdated(ctx, product)
	}
}

// replayPayment reconstructs the payment from the log row's denormalized
// columns; the portal has no payment read API.
func (s *Sweeper) replayPayment(ctx context.Context, h *Handlers, row models.SyncLog) {
	payment := portalapi.Payment{
		Id:            row.PortalId,
		InvoiceNumber: row.InvoiceNumber,
		AmountCents:   row.AmountCents,
		FeeCents:      row.FeeCents,
	}
	_ = h.SyncPaymentSucceeded(ctx, payment)
}
