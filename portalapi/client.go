package portalapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"golang.org/x/time/rate"
)

// ErrRateLimited marks a portal 429. The only error the retry wrapper acts on.
var ErrRateLimited = errors.New("portal: rate limited")

func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// APIClient wraps the portal's REST API for one workspace. The portal is rate
// limited, so every request passes through a token-bucket limiter and the
// uniform retry policy.
type APIClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *rate.Limiter
	retry     utils.RetryPolicy
}

func New(apiKey string) (*APIClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("PORTAL_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.portal.example.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("PORTAL_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("portal api key is empty")
	}
	perMin := utils.IntFromEnv("PORTAL_RATE_LIMIT_PER_MIN", 120)
	interval := time.Minute / time.Duration(perMin)

	return &APIClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		retry:     utils.DefaultRetryPolicy(),
	}, nil
}

type listResponse struct {
	Data      []json.RawMessage `json:"data"`
	NextToken string            `json:"nextToken"`
}

func (c *APIClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("portal api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

type pageResult[T any] struct {
	items []T
	next  string
}

func listPage[T any](ctx context.Context, c *APIClient, path string, nextToken string, limit int) ([]T, string, error) {
	result, err := utils.WithRetry(ctx, c.retry, IsRetryable, func() (pageResult[T], error) {
		params := url.Values{}
		if nextToken != "" {
			params.Set("nextToken", nextToken)
		}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		var resp listResponse
		if err := c.get(ctx, path, params, &resp); err != nil {
			return pageResult[T]{}, err
		}
		items := make([]T, 0, len(resp.Data))
		for _, raw := range resp.Data {
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				return pageResult[T]{}, err
			}
			items = append(items, item)
		}
		return pageResult[T]{items: items, next: resp.NextToken}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return result.items, result.next, nil
}

// ListInvoices returns one page; callers loop until nextToken comes back empty.
func (c *APIClient) ListInvoices(ctx context.Context, nextToken string, limit int) ([]Invoice, string, error) {
	return listPage[Invoice](ctx, c, "/v1/invoices", nextToken, limit)
}

func (c *APIClient) ListProducts(ctx context.Context, nextToken string, limit int) ([]Product, string, error) {
	return listPage[Product](ctx, c, "/v1/products", nextToken, limit)
}

func (c *APIClient) ListPrices(ctx context.Context, productId string) ([]Price, error) {
	var (
		prices []Price
		next   string
	)
	for {
		page, token, err := listPage[Price](ctx, c, "/v1/products/"+productId+"/prices", next, 0)
		if err != nil {
			return nil, err
		}
		prices = append(prices, page...)
		if token == "" {
			return prices, nil
		}
		next = token
	}
}

// GetClient returns nil when the client does not exist.
func (c *APIClient) GetClient(ctx context.Context, id string) (*Client, error) {
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*Client, error) {
		var client Client
		if err := c.get(ctx, "/v1/clients/"+id, nil, &client); err != nil {
			return nil, err
		}
		if client.Id == "" {
			return nil, nil
		}
		return &client, nil
	})
}

func (c *APIClient) GetCompany(ctx context.Context, id string) (*Company, error) {
	return utils.WithRetry(ctx, c.retry, IsRetryable, func() (*Company, error) {
		var company Company
		if err := c.get(ctx, "/v1/companies/"+id, nil, &company); err != nil {
			return nil, err
		}
		if company.Id == "" {
			return nil, nil
		}
		return &company, nil
	})
}

func (c *APIClient) ListClients(ctx context.Context, companyId string) ([]Client, error) {
	var (
		clients []Client
		next    string
	)
	for {
		page, token, err := listPage[Client](ctx, c, "/v1/companies/"+companyId+"/clients", next, 0)
		if err != nil {
			return nil, err
		}
		clients = append(clients, page...)
		if token == "" {
			return clients, nil
		}
		next = token
	}
}
