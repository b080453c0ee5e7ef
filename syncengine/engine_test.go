package syncengine

import (
	"context"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// One connection keeps the in-memory database alive for the whole test.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&models.Connection{},
		&models.ConnectionLog{},
		&models.CustomerMap{},
		&models.ProductMap{},
		&models.InvoiceMap{},
		&models.PaymentMap{},
		&models.SyncLog{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestConnection(t *testing.T, db *gorm.DB) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		WorkspaceId:      "ws-1",
		LedgerCompanyId:  "company-1",
		Status:           models.ConnectionStatusConnected,
		AccessToken:      "access",
		RefreshToken:     "refresh",
		IncomeAccountId:  "income-1",
		ExpenseAccountId: "expense-1",
		AssetAccountId:   "asset-1",
		SyncEnabled:      true,
		AbsorbFee:        true,
	}
	if err := db.Create(conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func newTestHandlers(t *testing.T, ledger *fakeLedger, portal *fakePortal) (*Handlers, *gorm.DB, *models.Connection) {
	t.Helper()
	db := newTestDB(t)
	conn := newTestConnection(t, db)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	h := NewHandlers(db, ledger, portal, conn, log, NewLimiter(0, 0))
	return h, db, conn
}

func findSyncLog(t *testing.T, db *gorm.DB, portalId, eventType string) *models.SyncLog {
	t.Helper()
	var entry models.SyncLog
	err := db.Where("portal_id = ? AND event_type = ?", portalId, eventType).Take(&entry).Error
	if err != nil {
		t.Fatalf("sync log for %s/%s: %v", portalId, eventType, err)
	}
	return &entry
}

// fakeLedger implements LedgerAPI in memory, counting mutations and failing
// on demand.
type fakeLedger struct {
	seq int

	existingCustomer *fakeCustomer
	invoices         map[string]*ledgerapi.InvoiceRef
	items            map[string]*ledgerapi.ItemRef

	createInvoiceCalls  int
	createPaymentCalls  int
	createItemCalls     int
	sparseUpdateCalls   int
	createPurchaseCalls int
	voidedInvoices      []string
	deletedPurchases    []string

	createInvoiceErr  error
	createItemErr     error
	voidErrOnce       error
	sparseErrOnce     error
	deletePurchaseErr error
}

type fakeCustomer struct {
	GivenName  string
	FamilyName string
	Ref        ledgerapi.CustomerRef
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		invoices: make(map[string]*ledgerapi.InvoiceRef),
		items:    make(map[string]*ledgerapi.ItemRef),
	}
}

func (f *fakeLedger) nextId(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeLedger) RefreshToken(ctx context.Context) error { return nil }

func (f *fakeLedger) FindCustomerByName(ctx context.Context, givenName, familyName string) (*ledgerapi.CustomerRef, error) {
	if f.existingCustomer != nil &&
		f.existingCustomer.GivenName == givenName &&
		f.existingCustomer.FamilyName == familyName {
		ref := f.existingCustomer.Ref
		return &ref, nil
	}
	return nil, nil
}

func (f *fakeLedger) CreateCustomer(ctx context.Context, input ledgerapi.NewCustomer) (*ledgerapi.CustomerRef, error) {
	ref := ledgerapi.CustomerRef{
		Id:          f.nextId("cust"),
		SyncToken:   "0",
		DisplayName: input.DisplayName,
		GivenName:   input.GivenName,
		FamilyName:  input.FamilyName,
		CompanyName: input.CompanyName,
		Email:       input.Email,
		Active:      true,
	}
	if ref.DisplayName == "" {
		ref.DisplayName = input.GivenName + " " + input.FamilyName
	}
	f.existingCustomer = &fakeCustomer{GivenName: input.GivenName, FamilyName: input.FamilyName, Ref: ref}
	out := ref
	return &out, nil
}

func (f *fakeLedger) CreateInvoice(ctx context.Context, input ledgerapi.NewInvoice) (*ledgerapi.InvoiceRef, error) {
	f.createInvoiceCalls++
	if f.createInvoiceErr != nil {
		return nil, f.createInvoiceErr
	}
	ref := &ledgerapi.InvoiceRef{
		Id:         f.nextId("inv"),
		SyncToken:  "0",
		DocNumber:  input.DocNumber,
		CustomerId: input.CustomerId,
		Lines:      input.Lines,
	}
	for _, line := range input.Lines {
		ref.TotalAmt = ref.TotalAmt.Add(line.Amount)
	}
	f.invoices[ref.Id] = ref
	out := *ref
	return &out, nil
}

func (f *fakeLedger) GetInvoice(ctx context.Context, id string) (*ledgerapi.InvoiceRef, error) {
	ref, ok := f.invoices[id]
	if !ok {
		return nil, ledgerapi.ErrNotFound
	}
	out := *ref
	return &out, nil
}

func (f *fakeLedger) VoidInvoice(ctx context.Context, id, syncToken string) (*ledgerapi.InvoiceRef, error) {
	if f.voidErrOnce != nil {
		err := f.voidErrOnce
		f.voidErrOnce = nil
		return nil, err
	}
	ref, ok := f.invoices[id]
	if !ok {
		return nil, ledgerapi.ErrNotFound
	}
	if ref.SyncToken != syncToken {
		return nil, &ledgerapi.OptimisticLockError{EntityId: id}
	}
	ref.SyncToken = fmt.Sprintf("%s.v", ref.SyncToken)
	f.voidedInvoices = append(f.voidedInvoices, id)
	out := *ref
	return &out, nil
}

func (f *fakeLedger) CreateInvoicePayment(ctx context.Context, input ledgerapi.NewInvoicePayment) (*ledgerapi.PaymentRef, error) {
	f.createPaymentCalls++
	return &ledgerapi.PaymentRef{Id: f.nextId("pay"), SyncToken: "0", TotalAmt: input.Amount}, nil
}

func (f *fakeLedger) CreatePurchase(ctx context.Context, input ledgerapi.NewPurchase) (*ledgerapi.PurchaseRef, error) {
	f.createPurchaseCalls++
	return &ledgerapi.PurchaseRef{Id: f.nextId("purch"), SyncToken: "0", TotalAmt: input.Amount}, nil
}

func (f *fakeLedger) DeletePurchase(ctx context.Context, id, syncToken string) error {
	if f.deletePurchaseErr != nil {
		return f.deletePurchaseErr
	}
	f.deletedPurchases = append(f.deletedPurchases, id)
	return nil
}

func (f *fakeLedger) CreateItem(ctx context.Context, input ledgerapi.NewItem) (*ledgerapi.ItemRef, error) {
	f.createItemCalls++
	if f.createItemErr != nil {
		return nil, f.createItemErr
	}
	ref := &ledgerapi.ItemRef{
		Id:              f.nextId("item"),
		SyncToken:       "0",
		Name:            input.Name,
		Description:     input.Description,
		Type:            "Service",
		Taxable:         true,
		UnitPrice:       input.UnitPrice,
		IncomeAccountId: input.IncomeAccountId,
	}
	f.items[ref.Id] = ref
	out := *ref
	return &out, nil
}

func (f *fakeLedger) GetItem(ctx context.Context, id string) (*ledgerapi.ItemRef, error) {
	ref, ok := f.items[id]
	if !ok {
		return nil, ledgerapi.ErrNotFound
	}
	out := *ref
	return &out, nil
}

func (f *fakeLedger) SparseUpdateItem(ctx context.Context, id, syncToken string, fields ledgerapi.ItemUpdate) (*ledgerapi.ItemRef, error) {
	f.sparseUpdateCalls++
	if f.sparseErrOnce != nil {
		err := f.sparseErrOnce
		f.sparseErrOnce = nil
		return nil, err
	}
	ref, ok := f.items[id]
	if !ok {
		return nil, ledgerapi.ErrNotFound
	}
	if ref.SyncToken != syncToken {
		return nil, &ledgerapi.OptimisticLockError{EntityId: id}
	}
	if fields.Name != nil {
		ref.Name = *fields.Name
	}
	if fields.Description != nil {
		ref.Description = *fields.Description
	}
	ref.SyncToken = fmt.Sprintf("%s.u", ref.SyncToken)
	out := *ref
	return &out, nil
}

// fakePortal serves fixed portal state.
type fakePortal struct {
	invoices       []portalapi.Invoice
	products       []portalapi.Product
	prices         map[string][]portalapi.Price
	clients        map[string]*portalapi.Client
	companies      map[string]*portalapi.Company
	companyClients map[string][]portalapi.Client
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		prices:         make(map[string][]portalapi.Price),
		clients:        make(map[string]*portalapi.Client),
		companies:      make(map[string]*portalapi.Company),
		companyClients: make(map[string][]portalapi.Client),
	}
}

func (f *fakePortal) ListInvoices(ctx context.Context, nextToken string, limit int) ([]portalapi.Invoice, string, error) {
	return f.invoices, "", nil
}

func (f *fakePortal) ListProducts(ctx context.Context, nextToken string, limit int) ([]portalapi.Product, string, error) {
	return f.products, "", nil
}

func (f *fakePortal) ListPrices(ctx context.Context, productId string) ([]portalapi.Price, error) {
	return f.prices[productId], nil
}

func (f *fakePortal) GetClient(ctx context.Context, id string) (*portalapi.Client, error) {
	if c, ok := f.clients[id]; ok {
		out := *c
		return &out, nil
	}
	return nil, nil
}

func (f *fakePortal) GetCompany(ctx context.Context, id string) (*portalapi.Company, error) {
	if c, ok := f.companies[id]; ok {
		out := *c
		return &out, nil
	}
	return nil, nil
}

func (f *fakePortal) ListClients(ctx context.Context, companyId string) ([]portalapi.Client, error) {
	return f.companyClients[companyId], nil
}
