package ledgerapi

import (
	"context"
	"net/http"
	"net/url"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

type itemEnvelope struct {
	Item ItemRef `json:"Item"`
}

// CreateItem creates a taxable service item priced in dollars.
func (c *Client) CreateItem(ctx context.Context, input NewItem) (*ItemRef, error) {
	payload := map[string]any{
		"Name":            input.Name,
		"Description":     input.Description,
		"Type":            "Service",
		"Taxable":         true,
		"UnitPrice":       input.UnitPrice,
		"IncomeAccountId": input.IncomeAccountId,
	}
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*ItemRef, error) {
		var envelope itemEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("item"), nil, payload, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Item, nil
	})
}

func (c *Client) GetItem(ctx context.Context, id string) (*ItemRef, error) {
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*ItemRef, error) {
		var envelope itemEnvelope
		if err := c.do(ctx, http.MethodGet, c.companyPath("item/"+id), nil, nil, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Item, nil
	})
}

// SparseUpdateItem pushes only the provided fields, carrying the caller's
// sync token. A stale token surfaces as *OptimisticLockError; the caller must
// re-fetch before any retry.
func (c *Client) SparseUpdateItem(ctx context.Context, id, syncToken string, fields ItemUpdate) (*ItemRef, error) {
	payload := map[string]any{
		"Id":        id,
		"SyncToken": syncToken,
		"sparse":    true,
	}
	if fields.Name != nil {
		payload["Name"] = *fields.Name
	}
	if fields.Description != nil {
		payload["Description"] = *fields.Description
	}

	query := url.Values{}
	query.Set("operation", "update")
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*ItemRef, error) {
		var envelope itemEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("item"), query, payload, &envelope); err != nil {
			return nil, wrapLockError(err, id)
		}
		return &envelope.Item, nil
	})
}

// wrapLockError stamps the entity id onto optimistic-lock failures so sweep
// logs identify the conflicting record.
func wrapLockError(err error, entityId string) error {
	if lockErr, ok := err.(*OptimisticLockError); ok && lockErr.EntityId == "" {
		lockErr.EntityId = entityId
	}
	return err
}
