package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/sales/internal/domain"
	"github.com/wleicht/salesapi/services/sales/internal/service"
	"go.uber.org/zap"
)

// CachedCatalog keeps name and price in redis. Stock levels are never served from here.
type CachedCatalog struct {
	next        service.Catalog
	redisClient *redis.Client
	cacheTTL    time.Duration
	logger      *zap.Logger
}

var _ service.Catalog = (*CachedCatalog)(nil)

func NewCachedCatalog(next service.Catalog, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &CachedCatalog{
		next:        next,
		redisClient: redisClient,
		cacheTTL:    ttl,
		logger:      logger,
	}
}

type cachedProduct struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

func catalogKey(id int64) string {
	return fmt.Sprintf("catalog:product:%d", id)
}

func (c *CachedCatalog) GetProduct(ctx context.Context, productID int64) (domain.CatalogProduct, error) {
	key := catalogKey(productID)

	val, err := c.redisClient.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached cachedProduct
		if err := json.Unmarshal(val, &cached); err == nil {
			return domain.CatalogProduct{ID: cached.ID, Name: cached.Name, Price: cached.Price}, nil
		}
		mylogger.Warn(ctx, c.logger, "Corrupt catalog cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		mylogger.Warn(ctx, c.logger, "Catalog cache read failed", zap.String("key", key), zap.Error(err))
	}

	product, err := c.next.GetProduct(ctx, productID)
	if err != nil {
		return domain.CatalogProduct{}, err
	}

	data, err := json.Marshal(cachedProduct{ID: product.ID, Name: product.Name, Price: product.Price})
	if err == nil {
		if err := c.redisClient.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
			mylogger.Warn(ctx, c.logger, "Catalog cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	return product, nil
}
