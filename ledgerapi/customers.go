package ledgerapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

type customerEnvelope struct {
	Customer CustomerRef `json:"Customer"`
}

type customerQueryEnvelope struct {
	QueryResponse struct {
		Customer []CustomerRef `json:"Customer"`
	} `json:"QueryResponse"`
}

// FindCustomerByName looks up an active customer by given and family name.
// Returns nil when no match exists.
func (c *Client) FindCustomerByName(ctx context.Context, givenName, familyName string) (*CustomerRef, error) {
	q := fmt.Sprintf(
		"SELECT * FROM Customer WHERE GivenName = '%s' AND FamilyName = '%s' AND Active = true",
		escapeQueryLiteral(givenName), escapeQueryLiteral(familyName),
	)
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*CustomerRef, error) {
		var envelope customerQueryEnvelope
		if err := c.query(ctx, q, &envelope); err != nil {
			return nil, err
		}
		if len(envelope.QueryResponse.Customer) == 0 {
			return nil, nil
		}
		return &envelope.QueryResponse.Customer[0], nil
	})
}

func (c *Client) CreateCustomer(ctx context.Context, input NewCustomer) (*CustomerRef, error) {
	displayName := input.DisplayName
	if displayName == "" {
		displayName = strings.TrimSpace(input.GivenName + " " + input.FamilyName)
	}
	payload := map[string]any{
		"GivenName":   input.GivenName,
		"FamilyName":  input.FamilyName,
		"DisplayName": displayName,
	}
	if input.CompanyName != "" {
		payload["CompanyName"] = input.CompanyName
	}
	if input.Email != "" {
		payload["PrimaryEmailAddr"] = input.Email
	}

	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*CustomerRef, error) {
		var envelope customerEnvelope
		if err := c.do(ctx, http.MethodPost, c.companyPath("customer"), nil, payload, &envelope); err != nil {
			return nil, err
		}
		return &envelope.Customer, nil
	})
}

// escapeQueryLiteral escapes single quotes for the ledger's query grammar.
func escapeQueryLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
