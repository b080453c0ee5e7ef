package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
)

// Ledger fault codes. 5010 is the stale-object (optimistic lock) rejection.
const (
	faultCodeStaleObject = "5010"
)

// TokenSource is the durable home of the OAuth token pair. The client never
// caches tokens across calls: it reads through the source every time, and
// every refresh writes back through Save, so a refresh performed by a
// concurrent operation is always visible.
type TokenSource interface {
	Tokens() (accessToken, refreshToken string, expiresAt *time.Time)
	Save(ctx context.Context, accessToken, refreshToken string, expiresIn, refreshExpiresIn int) error
}

// refreshFailureNotifier is implemented by sources that want to know when the
// authorization server rejected the refresh token outright, so connection
// state can be flagged for operator attention.
type refreshFailureNotifier interface {
	RefreshRejected(ctx context.Context)
}

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientId     string
	ClientSecret string
	CompanyId    string
}

// ConfigFromEnv fills endpoint and app credentials from the environment.
func ConfigFromEnv(companyId string) Config {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.ledger.example.com"
	}
	tokenURL := strings.TrimSpace(os.Getenv("LEDGER_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = baseURL + "/oauth2/v1/tokens/bearer"
	}
	return Config{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		TokenURL:     tokenURL,
		ClientId:     os.Getenv("LEDGER_CLIENT_ID"),
		ClientSecret: os.Getenv("LEDGER_CLIENT_SECRET"),
		CompanyId:    companyId,
	}
}

type Client struct {
	cfg    Config
	tokens TokenSource
	http   *http.Client
	retry  utils.RetryPolicy
}

func New(cfg Config, tokens TokenSource) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: 30 * time.Second},
		retry:  utils.DefaultRetryPolicy(),
	}
}

// RefreshToken exchanges the current refresh token for a new token pair and
// persists it. Refresh is intentionally unmutexed: if two operations race,
// the loser's next call fails 401 and triggers one more refresh cycle, which
// the ledger tolerates. No mutation is ever sent with a token known stale.
func (c *Client) RefreshToken(ctx context.Context) error {
	_, refreshToken, _ := c.tokens.Tokens()
	if refreshToken == "" {
		return ErrUnauthorized
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.ClientId, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			if n, ok := c.tokens.(refreshFailureNotifier); ok {
				n.RefreshRejected(ctx)
			}
		}
		return fmt.Errorf("%w: token refresh failed (%d)", ErrUnauthorized, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return err
	}
	return c.tokens.Save(ctx, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, tok.RefreshTokenExpiresIn)
}

// ExchangeCode completes the OAuth authorization-code grant and persists the
// resulting token pair. Used once per connect; everything after runs on
// refresh tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) error {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.ClientId, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: code exchange failed (%d)", ErrUnauthorized, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return err
	}
	return c.tokens.Save(ctx, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, tok.RefreshTokenExpiresIn)
}

func (c *Client) companyPath(resource string) string {
	return fmt.Sprintf("%s/v3/company/%s/%s", c.cfg.BaseURL, c.cfg.CompanyId, resource)
}

// do sends one authenticated request, classifying failures into the error
// taxonomy. A 401 gets exactly one refresh-and-retry. Rate limiting is
// retried by the surrounding combinator, not here.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	refreshed := false
	for {
		accessToken, _, expiresAt := c.tokens.Tokens()
		if accessToken == "" || (expiresAt != nil && time.Now().After(*expiresAt)) {
			if refreshed {
				return ErrUnauthorized
			}
			if err := c.RefreshToken(ctx); err != nil {
				return err
			}
			refreshed = true
			continue
		}

		var bodyReader io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			bodyReader = bytes.NewReader(raw)
		}

		reqURL := endpoint
		if len(query) > 0 {
			reqURL = endpoint + "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil || len(raw) == 0 {
				return nil
			}
			return json.Unmarshal(raw, out)
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return ErrUnauthorized
			}
			if err := c.RefreshToken(ctx); err != nil {
				return err
			}
			refreshed = true
			continue
		case resp.StatusCode == http.StatusTooManyRequests:
			return &RateLimitedError{RetryAfter: retryAfter(resp)}
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		default:
			return classifyFault(raw, resp.StatusCode)
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func classifyFault(raw []byte, status int) error {
	var fault faultResponse
	if err := json.Unmarshal(raw, &fault); err == nil && len(fault.Fault.Error) > 0 {
		first := fault.Fault.Error[0]
		if first.Code == faultCodeStaleObject {
			return &OptimisticLockError{}
		}
		detail := first.Detail
		if detail == "" {
			detail = first.Message
		}
		return &ValidationFault{Code: first.Code, Detail: detail}
	}
	return fmt.Errorf("ledger api error %d: %s", status, strings.TrimSpace(string(raw)))
}
