package ledgerapi

import (
	"context"
	"net/http"
	"net/url"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

type invoiceEnvelope struct {
	Invoice InvoiceRef `json:"Invoice"`
}

type paymentEnvelope struct {
	Payment PaymentRef `json:"Payment"`
}

func (c *Client) CreateInvoice(ctx context.Context, input NewInvoice) (*InvoiceRef, error) {
	payload := map[string]any{
		"CustomerId": input.CustomerId,
		"DocNumber":  input.DocNumber,
		"Line":       input.Lines,
	}
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*InvoiceRef, error) {
		var envelope invoiceEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("invoice"), nil, payload, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Invoice, nil
	})
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*InvoiceRef, error) {
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*InvoiceRef, error) {
		var envelope invoiceEnvelope
		if err := c.do(ctx, http.MethodGet, c.companyPath("invoice/"+id), nil, nil, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Invoice, nil
	})
}

// VoidInvoice voids the invoice identified by id, carrying the caller's sync
// token. Stale tokens surface as *OptimisticLockError without retry.
func (c *Client) VoidInvoice(ctx context.Context, id, syncToken string) (*InvoiceRef, error) {
	payload := map[string]any{
		"Id":        id,
		"SyncToken": syncToken,
	}
	query := url.Values{}
	query.Set("operation", "void")
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*InvoiceRef, error) {
		var envelope invoiceEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("invoice"), query, payload, &envelope); err != nil {
			return nil, wrapLockError(err, id)
		}
		return &envelope.Invoice, nil
	})
}

// CreateInvoicePayment records a payment receipt against an invoice.
func (c *Client) CreateInvoicePayment(ctx context.Context, input NewInvoicePayment) (*PaymentRef, error) {
	payload := map[string]any{
		"CustomerId": input.CustomerId,
		"TotalAmt":   input.Amount,
		"Line": []map[string]any{
			{
				"Amount":    input.Amount,
				"InvoiceId": input.InvoiceId,
			},
		},
	}
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*PaymentRef, error) {
		var envelope paymentEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("payment"), nil, payload, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Payment, nil
	})
}
