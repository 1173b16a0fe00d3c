// Package config is daemon configuration: JSON file and command line values,
// merged and parsed into lanecache.Config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/lanecache"
	"github.com/skipor/lanecache/internal/util"
	"github.com/skipor/lanecache/log"
)

func Parse(conf Config) (lconf lanecache.Config, err error) {
	lconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	lconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	var maxItemSize int64
	maxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if maxItemSize > lanecache.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	lconf.MaxItemSize = int(maxItemSize)
	if conf.Capacity < 0 || conf.Lanes < 0 {
		err = stackerr.Newf("Negative capacity or lanes.")
		return
	}
	lconf.Cache.Capacity = conf.Capacity
	lconf.Cache.Lanes = conf.Lanes
	lconf.Cache.LaneTimeout = time.Duration(conf.LaneTimeout)
	lconf.OpTimeout = time.Duration(conf.OpTimeout)
	switch conf.WritePolicy {
	case lanecache.WriteThroughPolicy, lanecache.WriteBehindPolicy:
		lconf.WritePolicy = conf.WritePolicy
	default:
		err = stackerr.Newf("Unknown write policy %q.", conf.WritePolicy)
		return
	}

	b := conf.Backing
	lconf.Backing.AOF.Name = b.Name
	lconf.Backing.AOF.SyncPeriod = time.Duration(b.Sync)
	lconf.Backing.FixCorrupted = b.FixCorrupted
	var bufSize int64
	bufSize, err = parseSize(b.BufSize)
	if err != nil {
		err = stackerr.Newf("Backing buf size parse error: %v", err)
		return
	}
	lconf.Backing.AOF.BuffSize = int(bufSize)
	// Empty rotate size disables auto rotation.
	if b.RotateSize != "" {
		lconf.Backing.AOF.RotateSize, err = parseSize(b.RotateSize)
		if err != nil {
			err = stackerr.Newf("Backing rotate size parse error: %v", err)
			return
		}
	}

	lconf.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	lconf.MetricsAddr = conf.MetricsAddr
	return
}

func Default() *Config {
	return &Config{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		Capacity:       1 << 16,
		Lanes:          8,
		LaneTimeout:    Duration(5 * time.Second),
		WritePolicy:    lanecache.WriteThroughPolicy,
		MaxItemSize:    "1m",
		Backing: BackingConfig{
			BufSize:    "4k",
			RotateSize: "64m",
		},
	}
}

type Config struct {
	Port           int    `json:"port,omitempty"`
	Host           string `json:"host,omitempty"`
	LogDestination string `json:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level,omitempty"`
	// Capacity is max number of cached keys.
	Capacity    int      `json:"capacity,omitempty"`
	Lanes       int      `json:"lanes,omitempty"`
	LaneTimeout Duration `json:"lane-timeout,omitempty"`
	OpTimeout   Duration `json:"op-timeout,omitempty"`
	WritePolicy string   `json:"write-policy,omitempty"`
	// Size values 10g, 128m, 1024k, 1000000b
	MaxItemSize string        `json:"max-item-size,omitempty"`
	MetricsAddr string        `json:"metrics-addr,omitempty"`
	Backing     BackingConfig `json:"backing,omitempty"`
}

type BackingConfig struct {
	// Name is AOF path. Empty means in memory backing store.
	Name         string   `json:"name,omitempty"`
	Sync         Duration `json:"sync,omitempty"`
	BufSize      string   `json:"buf-size,omitempty"`
	RotateSize   string   `json:"rotate-size,omitempty"`
	FixCorrupted bool     `json:"fix-corrupted,omitempty"`
}

// Duration is time.Duration, which is "1s", "100ms" string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Merge overwrites def values with non zero override values.
func Merge(def, override *Config) {
	defBacking := def.Backing
	merge(def, override)
	merge(&defBacking, &override.Backing)
	def.Backing = defBacking
}

func merge(def, override interface{}) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideVal := overrideVal.Field(i)
		if !util.IsZeroVal(overrideVal) {
			defVal.Field(i).Set(overrideVal)
		}
	}
}

func Marshal(conf *Config) []byte {
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

func Unmarshal(data []byte) (*Config, error) {
	conf := &Config{}
	err := json.Unmarshal(data, conf)
	return conf, stackerr.Wrap(err)
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0664)
	}
	return
}
