package ledgerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

// query runs one SQL-ish custom query against the ledger, decoding the
// response into out.
func (c *Client) query(ctx context.Context, q string, out any) error {
	params := url.Values{}
	params.Set("query", q)
	return c.do(ctx, http.MethodGet, c.companyPath("query"), params, nil, out)
}

// Query exposes the raw custom-query surface for callers that need shapes not
// covered by the typed methods.
func (c *Client) Query(ctx context.Context, q string) (json.RawMessage, error) {
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (json.RawMessage, error) {
		var raw json.RawMessage
		if err := c.query(ctx, q, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
}
