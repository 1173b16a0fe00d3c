package lanecache

import (
	"context"
	"time"
)

// Item is value stored in cache for memcached key.
type Item struct {
	Flags uint32
	// Exptime is unix time after which item is expired. Zero means never.
	Exptime int64
	Data    []byte
}

func (i Item) Expired(now time.Time) bool {
	return i.Exptime != 0 && i.Exptime <= now.Unix()
}

//go:generate mockery -name=Cache -inpkg -testonly

// Cache is what connections need from cache. *cache.Cache[string, Item] implements it.
type Cache interface {
	Get(ctx context.Context, key string) (Item, error)
	GetOrLoad(ctx context.Context, key string) (Item, error)
	Put(ctx context.Context, key string, i Item) error
	Delete(ctx context.Context, key string) error
}
