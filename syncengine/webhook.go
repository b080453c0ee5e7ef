package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/portalapi"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// Event names on the portal webhook wire.
const (
	EventInvoiceCreated   = "invoice.created"
	EventInvoicePaid      = "invoice.paid"
	EventInvoiceVoided    = "invoice.voided"
	EventInvoiceDeleted   = "invoice.deleted"
	EventProductCreated   = "product.created"
	EventProductUpdated   = "product.updated"
	EventPaymentSucceeded = "payment.succeeded"
)

// WebhookEnvelope is the portal's delivery wrapper. Data stays raw until the
// event type selects a shape.
type WebhookEnvelope struct {
	EventType string          `json:"eventType" validate:"required"`
	Data      json.RawMessage `json:"data" validate:"required"`
	Created   int64           `json:"created"`
}

// Per-event validation shapes. The portal occasionally delivers partial
// payloads during its own outages; anything failing these is dropped with an
// info log rather than half-processed.
type invoicePayload struct {
	Id     string `json:"id" validate:"required"`
	Number string `json:"number" validate:"required"`
}

// createdInvoicePayload is the stricter shape for a finalized invoice.created:
// creating a ledger invoice needs the payer, the status, and at least one line,
// so a delivery missing any of those is dropped instead of producing a mangled
// ledger document. Drafts stay on the loose shape, the portal sends them
// without lines.
type createdInvoicePayload struct {
	Id          string             `json:"id" validate:"required"`
	Number      string             `json:"number" validate:"required"`
	Status      string             `json:"status" validate:"required"`
	RecipientId string             `json:"recipientId" validate:"required"`
	TotalCents  *int64             `json:"total" validate:"required"`
	LineItems   []createdLineShape `json:"lineItems" validate:"required,min=1,dive"`
}

type createdLineShape struct {
	AmountCents *int64 `json:"amount" validate:"required"`
	Quantity    int64  `json:"quantity" validate:"required,min=1"`
}

type productPayload struct {
	Id   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type paymentPayload struct {
	Id            string `json:"id" validate:"required"`
	InvoiceNumber string `json:"invoiceNumber" validate:"required"`
}

// Dispatch routes one webhook delivery to its handler. The returned error is
// for logging only: the HTTP layer always acknowledges, retries happen through
// the resync sweep, never through portal redelivery.
func (h *Handlers) Dispatch(ctx context.Context, envelope WebhookEnvelope) error {
	if err := validate.Struct(envelope); err != nil {
		h.dropEvent(envelope.EventType, "malformed envelope: "+err.Error())
		return nil
	}

	switch envelope.EventType {
	case EventInvoiceCreated, EventInvoicePaid, EventInvoiceVoided, EventInvoiceDeleted:
		return h.dispatchInvoice(ctx, envelope)
	case EventProductCreated, EventProductUpdated:
		return h.dispatchProduct(ctx, envelope)
	case EventPaymentSucceeded:
		return h.dispatchPayment(ctx, envelope)
	default:
		h.dropEvent(envelope.EventType, "unknown event type")
		return nil
	}
}

func (h *Handlers) dispatchInvoice(ctx context.Context, envelope WebhookEnvelope) error {
	var inv portalapi.Invoice
	if err := json.Unmarshal(envelope.Data, &inv); err != nil {
		h.dropEvent(envelope.EventType, "undecodable payload: "+err.Error())
		return nil
	}
	shape := invoicePayload{Id: inv.Id, Number: inv.Number}
	if err := validate.Struct(shape); err != nil {
		h.dropEvent(envelope.EventType, "incomplete invoice payload: "+err.Error())
		return nil
	}
	if envelope.EventType == EventInvoiceCreated && inv.Status != portalapi.InvoiceStatusDraft {
		var created createdInvoicePayload
		if err := json.Unmarshal(envelope.Data, &created); err != nil {
			h.dropEvent(envelope.EventType, "undecodable payload: "+err.Error())
			return nil
		}
		if err := validate.Struct(created); err != nil {
			h.dropEvent(envelope.EventType, "incomplete invoice payload: "+err.Error())
			return nil
		}
	}

	// invoice.deleted only touches the local mapping, no token needed.
	if envelope.EventType == EventInvoiceDeleted {
		return h.SyncInvoiceDeleted(ctx, inv)
	}

	if !h.conn.HasUsableToken() {
		return h.deferInvoice(ctx, envelope.EventType, inv)
	}

	switch envelope.EventType {
	case EventInvoiceCreated:
		return h.SyncInvoiceCreated(ctx, inv)
	case EventInvoicePaid:
		return h.SyncInvoicePaid(ctx, inv)
	default:
		return h.SyncInvoiceVoided(ctx, inv)
	}
}

func (h *Handlers) dispatchProduct(ctx context.Context, envelope WebhookEnvelope) error {
	var product portalapi.Product
	if err := json.Unmarshal(envelope.Data, &product); err != nil {
		h.dropEvent(envelope.EventType, "undecodable payload: "+err.Error())
		return nil
	}
	shape := productPayload{Id: product.Id, Name: product.Name}
	if err := validate.Struct(shape); err != nil {
		h.dropEvent(envelope.EventType, "incomplete product payload: "+err.Error())
		return nil
	}

	if !h.conn.HasUsableToken() {
		eventType := models.EventTypeCreated
		if envelope.EventType == EventProductUpdated {
			eventType = models.EventTypeUpdated
		}
		entry := &models.SyncLog{
			EntityType:  models.EntityTypeProduct,
			EventType:   eventType,
			PortalId:    product.Id,
			ProductName: product.Name,
		}
		h.recordFailure(ctx, entry, errTokenUnusable)
		return nil
	}

	if envelope.EventType == EventProductUpdated {
		return h.SyncProductUpdated(ctx, product)
	}

	// Product creation only runs live when the tenant opted in; otherwise the
	// row is queued as failed and the resync sweep mirrors it later, which
	// keeps webhook latency flat for tenants with large catalogs.
	if h.conn.AutoCreateProduct {
		return h.SyncProductCreated(ctx, product)
	}
	entry := &models.SyncLog{
		EntityType:  models.EntityTypeProduct,
		EventType:   models.EventTypeCreated,
		PortalId:    product.Id,
		ProductName: product.Name,
	}
	h.recordFailure(ctx, entry, fmt.Errorf("deferred: auto product creation disabled"))
	return nil
}

func (h *Handlers) dispatchPayment(ctx context.Context, envelope WebhookEnvelope) error {
	var payment portalapi.Payment
	if err := json.Unmarshal(envelope.Data, &payment); err != nil {
		h.dropEvent(envelope.EventType, "undecodable payload: "+err.Error())
		return nil
	}
	shape := paymentPayload{Id: payment.Id, InvoiceNumber: payment.InvoiceNumber}
	if err := validate.Struct(shape); err != nil {
		h.dropEvent(envelope.EventType, "incomplete payment payload: "+err.Error())
		return nil
	}

	if !h.conn.HasUsableToken() {
		entry := &models.SyncLog{
			EntityType:    models.EntityTypePayment,
			EventType:     models.EventTypeSucceeded,
			PortalId:      payment.Id,
			InvoiceNumber: payment.InvoiceNumber,
			AmountCents:   payment.AmountCents,
			FeeCents:      payment.FeeCents,
		}
		h.recordFailure(ctx, entry, errTokenUnusable)
		return nil
	}

	return h.SyncPaymentSucceeded(ctx, payment)
}

var errTokenUnusable = fmt.Errorf("connection has no usable token, deferred to resync")

// deferInvoice parks an invoice event until the tenant re-authorizes. A
// created event additionally leaves a placeholder mapping so a paid/voided
// arriving in the meantime is recognized as "known but not yet in the ledger"
// instead of "never seen".
func (h *Handlers) deferInvoice(ctx context.Context, portalEvent string, inv portalapi.Invoice) error {
	eventType := models.EventTypeCreated
	switch portalEvent {
	case EventInvoicePaid:
		eventType = models.EventTypePaid
	case EventInvoiceVoided:
		eventType = models.EventTypeVoided
	}

	if portalEvent == EventInvoiceCreated && inv.Status != portalapi.InvoiceStatusDraft {
		existing, err := models.FindInvoiceMapByNumber(ctx, h.db, h.conn.WorkspaceId, inv.Number)
		if err == nil && existing == nil {
			_ = models.CreateInvoiceMap(ctx, h.db, &models.InvoiceMap{
				WorkspaceId:     h.conn.WorkspaceId,
				InvoiceNumber:   inv.Number,
				PortalInvoiceId: inv.Id,
			})
		}
	}

	entry := &models.SyncLog{
		EntityType:    models.EntityTypeInvoice,
		EventType:     eventType,
		PortalId:      inv.Id,
		InvoiceNumber: inv.Number,
		AmountCents:   inv.TotalCents,
		TaxCents:      inv.TaxCents,
	}
	h.recordFailure(ctx, entry, errTokenUnusable)
	return nil
}

func (h *Handlers) dropEvent(eventType, reason string) {
	h.logger.WithFields(logrus.Fields{
		"module":       "syncengine",
		"workspace_id": h.conn.WorkspaceId,
		"event_type":   eventType,
	}).Info("dropped webhook delivery: " + reason)
}
