package reorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "reorder:version"

// Cache wraps Redis based caching of reorder reports with versioning controls.
// A nil cache degrades to direct generation.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

func (c *Cache) reportKey(ctx context.Context, supplierID int64) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("reorder:report:%d:%d", supplierID, ver), nil
}

// StoreReport caches a freshly generated report.
func (c *Cache) StoreReport(ctx context.Context, report Report) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.reportKey(ctx, report.SupplierID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// FetchReport loads a cached report or populates it using the loader.
// Concurrent misses for the same supplier share one loader call. A cache
// failure falls through to a direct load.
func (c *Cache) FetchReport(ctx context.Context, supplierID int64, dest *Report, loader func(context.Context) (Report, error)) error {
	if loader == nil {
		return errors.New("reorder: loader required")
	}
	if c == nil || c.client == nil {
		report, err := loader(ctx)
		if err != nil {
			return err
		}
		*dest = report
		return nil
	}
	if key, err := c.reportKey(ctx, supplierID); err == nil {
		if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
			return json.Unmarshal(payload, dest)
		}
	}
	resultChan := c.group.DoChan(fmt.Sprintf("report:%d", supplierID), func() (interface{}, error) {
		return loader(ctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return res.Err
		}
		*dest = res.Val.(Report)
		return nil
	}
}

// Bump invalidates cached reports by incrementing the global version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
