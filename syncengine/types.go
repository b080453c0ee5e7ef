package syncengine

import (
	"context"

	"bitbucket.org/mmdatafocus/portalsync_backend/ledgerapi"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LedgerAPI is the slice of the ledger client the sync handlers consume.
// Declared here so tests can substitute fakes.
type LedgerAPI interface {
	RefreshToken(ctx context.Context) error
	FindCustomerByName(ctx context.Context, givenName, familyName string) (*ledgerapi.CustomerRef, error)
	CreateCustomer(ctx context.Context, input ledgerapi.NewCustomer) (*ledgerapi.CustomerRef, error)
	CreateInvoice(ctx context.Context, input ledgerapi.NewInvoice) (*ledgerapi.InvoiceRef, error)
	GetInvoice(ctx context.Context, id string) (*ledgerapi.InvoiceRef, error)
	VoidInvoice(ctx context.Context, id, syncToken string) (*ledgerapi.InvoiceRef, error)
	CreateInvoicePayment(ctx context.Context, input ledgerapi.NewInvoicePayment) (*ledgerapi.PaymentRef, error)
	CreatePurchase(ctx context.Context, input ledgerapi.NewPurchase) (*ledgerapi.PurchaseRef, error)
	DeletePurchase(ctx context.Context, id, syncToken string) error
	CreateItem(ctx context.Context, input ledgerapi.NewItem) (*ledgerapi.ItemRef, error)
	GetItem(ctx context.Context, id string) (*ledgerapi.ItemRef, error)
	SparseUpdateItem(ctx context.Context, id, syncToken string, fields ledgerapi.ItemUpdate) (*ledgerapi.ItemRef, error)
}

// PortalAPI is the slice of the portal client the handlers and sweep consume.
type PortalAPI interface {
	ListInvoices(ctx context.Context, nextToken string, limit int) ([]portalapi.Invoice, string, error)
	ListProducts(ctx context.Context, nextToken string, limit int) ([]portalapi.Product, string, error)
	ListPrices(ctx context.Context, productId string) ([]portalapi.Price, error)
	GetClient(ctx context.Context, id string) (*portalapi.Client, error)
	GetCompany(ctx context.Context, id string) (*portalapi.Company, error)
	ListClients(ctx context.Context, companyId string) ([]portalapi.Client, error)
}

// Handlers holds the per-tenant sync handlers. Explicitly constructed and
// passed by reference; no hidden shared state across tenants.
type Handlers struct {
	db      *gorm.DB
	ledger  LedgerAPI
	portal  PortalAPI
	conn    *models.Connection
	logger  *logrus.Logger
	limiter *Limiter
}

func NewHandlers(db *gorm.DB, ledger LedgerAPI, portal PortalAPI, conn *models.Connection, logger *logrus.Logger, limiter *Limiter) *Handlers {
	return &Handlers{
		db:      db,
		ledger:  ledger,
		portal:  portal,
		conn:    conn,
		logger:  logger,
		limiter: limiter,
	}
}
