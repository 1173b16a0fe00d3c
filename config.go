package lanecache

import (
	"io"
	"time"

	"github.com/skipor/lanecache/aof"
	"github.com/skipor/lanecache/cache"
	"github.com/skipor/lanecache/log"
)

const (
	WriteThroughPolicy = "write-through"
	WriteBehindPolicy  = "write-behind"
)

// Config is parsed daemon config.
type Config struct {
	Addr           string
	MetricsAddr    string
	LogDestination io.Writer
	LogLevel       log.Level
	MaxItemSize    int
	// OpTimeout bounds wait for single cache operation. Zero means no bound.
	OpTimeout   time.Duration
	Cache       cache.Config[string]
	WritePolicy string
	Backing     BackingConfig
}

type BackingConfig struct {
	// AOF.Name empty means in-memory backing store.
	AOF          aof.Config
	FixCorrupted bool
}
