package syncengine

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
	"github.com/sirupsen/logrus"
)

const productCacheTTL = 24 * time.Hour

// ProductListing is the flattened product+price row served to the UI from the
// read-through cache.
type ProductListing struct {
	ProductId      string `json:"product_id"`
	PriceId        string `json:"price_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	NextToken      string `json:"-"`
}

type productPage struct {
	Listings  []ProductListing `json:"listings"`
	NextToken string           `json:"next_token"`
}

func productCacheKey(workspaceId, nextToken string) string {
	return fmt.Sprintf("ProductList:%s:%s", workspaceId, nextToken)
}

func productCacheSetKey(workspaceId string) string {
	return fmt.Sprintf("ProductListKeys:%s", workspaceId)
}

// ListProductsCached serves one page of flattened product+price rows,
// consulting Redis before the portal. Every cache key is tracked in a
// per-workspace set so invalidation can remove all pages at once; entries
// never expire out from under a mutation, they are removed explicitly when
// product state changes.
func (h *Handlers) ListProductsCached(ctx context.Context, nextToken string, limit int) ([]ProductListing, string, error) {
	key := productCacheKey(h.conn.WorkspaceId, nextToken)

	var page productPage
	found, err := config.GetRedisObject(key, &page)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"module":       "syncengine",
			"workspace_id": h.conn.WorkspaceId,
		}).Warn("product cache read failed: " + err.Error())
	}
	if found {
		return page.Listings, page.NextToken, nil
	}

	products, portalNext, err := h.portal.ListProducts(ctx, nextToken, limit)
	if err != nil {
		return nil, "", err
	}

	listings := make([]ProductListing, 0, len(products))
	for _, product := range products {
		prices, err := h.portal.ListPrices(ctx, product.Id)
		if err != nil {
			return nil, "", err
		}
		for _, price := range prices {
			listings = append(listings, ProductListing{
				ProductId:      product.Id,
				PriceId:        price.Id,
				Name:           product.Name,
				Description:    product.Description,
				UnitPriceCents: price.UnitAmountCents,
			})
		}
	}

	page = productPage{Listings: listings, NextToken: portalNext}
	if err := config.SetRedisObject(key, page, productCacheTTL); err == nil {
		_ = config.AddRedisSet(productCacheSetKey(h.conn.WorkspaceId), key)
	}
	return listings, portalNext, nil
}

// invalidateProductCache drops every cached product page for the workspace.
// Best effort: a stale read costs one UI refresh, not correctness.
func (h *Handlers) invalidateProductCache(ctx context.Context) {
	setKey := productCacheSetKey(h.conn.WorkspaceId)
	keys, err := config.GetRedisSetMembers(setKey)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"module":       "syncengine",
			"workspace_id": h.conn.WorkspaceId,
		}).Warn("product cache invalidation failed: " + err.Error())
		return
	}
	if len(keys) == 0 {
		return
	}
	keys = append(keys, setKey)
	if err := config.RemoveRedisKey(keys...); err != nil {
		h.logger.WithFields(logrus.Fields{
			"module":       "syncengine",
			"workspace_id": h.conn.WorkspaceId,
		}).Warn("product cache invalidation failed: " + err.Error())
	}
}
