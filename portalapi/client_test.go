package portalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, serverURL string) *APIClient {
	t.Helper()
	t.Setenv("PORTAL_API_BASE_URL", serverURL)
	t.Setenv("PORTAL_RATE_LIMIT_PER_MIN", "60000")
	client, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.retry.BaseBackoff = time.Millisecond
	client.retry.MaxBackoff = time.Millisecond
	return client
}

func TestListInvoicesPagesAndAuthenticates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("nextToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":      []any{map[string]any{"id": "i1", "number": "INV-1"}},
				"nextToken": "page2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"id": "i2", "number": "INV-2"}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	first, next, err := client.ListInvoices(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(first) != 1 || first[0].Number != "INV-1" || next != "page2" {
		t.Fatalf("page 1: %+v next=%q", first, next)
	}

	second, next, err := client.ListInvoices(context.Background(), next, 50)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(second) != 1 || second[0].Number != "INV-2" || next != "" {
		t.Fatalf("page 2: %+v next=%q", second, next)
	}
}

func TestRateLimitRetried(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/products", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"id": "p1", "name": "Retainer"}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)
	products, _, err := client.ListProducts(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 1 || calls != 2 {
		t.Fatalf("products=%d calls=%d", len(products), calls)
	}
}

func TestGetClientNilWhenMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/clients/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)
	got, err := client.GetClient(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing client, got %+v", got)
	}
}
