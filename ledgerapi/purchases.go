package ledgerapi

import (
	"context"
	"net/http"
	"net/url"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

type purchaseEnvelope struct {
	Purchase PurchaseRef `json:"Purchase"`
}

func (c *Client) CreatePurchase(ctx context.Context, input NewPurchase) (*PurchaseRef, error) {
	payload := map[string]any{
		"PaymentAccountId": input.PaymentAccountId,
		"PaymentType":      "Cash",
		"TotalAmt":         input.Amount,
		"Memo":             input.Memo,
		"Line": []map[string]any{
			{
				"Amount":           input.Amount,
				"ExpenseAccountId": input.ExpenseAccountId,
			},
		},
	}
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*PurchaseRef, error) {
		var envelope purchaseEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("purchase"), nil, payload, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Purchase, nil
	})
}

// DeletePurchase removes a purchase. Used as the compensating action when the
// local payment mapping cannot be persisted after a successful create.
func (c *Client) DeletePurchase(ctx context.Context, id, syncToken string) error {
	payload := map[string]any{
		"Id":        id,
		"SyncToken": syncToken,
	}
	query := url.Values{}
	query.Set("operation", "delete")
	_, err := utils.WithRetry(ctx, c.retry, IsRetryable, func() (struct{}, error) {
		err := c.do(ctx, http.MethodPost, c.companyPath("purchase"), query, payload, nil)
		return struct{}{}, wrapLockError(err, id)
	})
	return err
}
