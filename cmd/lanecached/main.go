package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/skipor/lanecache"
	"github.com/skipor/lanecache/backing"
	"github.com/skipor/lanecache/cache"
	"github.com/skipor/lanecache/cmd/lanecached/config"
	"github.com/skipor/lanecache/internal/tag"
	"github.com/skipor/lanecache/log"
	"github.com/skipor/lanecache/metrics"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf := parseConfig()
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}
	err := run(l, conf)
	if err != nil {
		l.Fatal("Run error: ", err)
	}
}

// backingStore is what daemon needs from backing store.
type backingStore interface {
	cache.BackingStore[string, lanecache.Item]
	Close() error
}

type memoryBacking struct {
	*backing.Map[string, lanecache.Item]
}

func (memoryBacking) Close() error { return nil }

func openBacking(l log.Logger, conf lanecache.BackingConfig) (backingStore, error) {
	if conf.AOF.Name == "" {
		l.Warn("Backing file is not set. Data is kept in memory only.")
		return memoryBacking{backing.NewMap[string, lanecache.Item]()}, nil
	}
	f, err := backing.OpenFile[string, lanecache.Item](l, backing.FileConfig{
		AOF:          conf.AOF,
		FixCorrupted: conf.FixCorrupted,
	})
	if err != nil {
		if cerr, ok := err.(*backing.CorruptedError); ok {
			err = fmt.Errorf("%v\nPass fix-corrupted option or chose another backing file", cerr)
		}
		return nil, err
	}
	return f, nil
}

func newWritePolicy(l log.Logger, conf lanecache.Config) cache.WritePolicy[string, lanecache.Item] {
	if conf.WritePolicy == lanecache.WriteBehindPolicy {
		return cache.NewWriteBehind[string, lanecache.Item](l, cache.WriteBehindConfig[string]{
			Lanes: conf.Cache.Lanes,
		})
	}
	return cache.WriteThrough[string, lanecache.Item]()
}

func run(l log.Logger, conf lanecache.Config) (err error) {
	b, err := openBacking(l, conf.Backing)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := b.Close()
		if closeErr != nil {
			l.Error("Backing store close error: ", closeErr)
		}
	}()
	registry := gometrics.NewRegistry()
	conf.Cache.Registry = registry
	c, err := cache.New[string, lanecache.Item](l, conf.Cache, b, newWritePolicy(l, conf))
	if err != nil {
		return err
	}
	defer func() {
		closeErr := c.Close()
		if closeErr != nil {
			l.Error("Cache close error: ", closeErr)
		}
	}()

	s := &lanecache.Server{
		Addr:     conf.Addr,
		Log:      l,
		Registry: registry,
		ConnMeta: lanecache.ConnMeta{
			Cache:       c,
			MaxItemSize: conf.MaxItemSize,
			OpTimeout:   conf.OpTimeout,
		},
	}
	var ms *metrics.Server
	if conf.MetricsAddr != "" {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(metrics.NewCollector("lanecache", registry))
		ms = metrics.NewServer(conf.MetricsAddr, promRegistry)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var g errgroup.Group
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		err := s.ListenAndServe()
		if err == lanecache.ErrServerClosed {
			return nil
		}
		return err
	})
	if ms != nil {
		g.Go(func() error {
			l.Infof("Serve metrics on %s.", conf.MetricsAddr)
			err := ms.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}
	select {
	case sig := <-stop:
		l.Infof("Got %v. Shutting down.", sig)
	case <-done:
	}
	s.Close()
	if ms != nil {
		ms.Close()
	}
	return g.Wait()
}

// parseConfig parses command flags, reads config file if any, returns merged config.
func parseConfig() lanecache.Config {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	flg := parseFlags()
	fileConf := config.Default()
	if flg.ConfigPath != "" {
		data, err := ioutil.ReadFile(flg.ConfigPath)
		if err != nil {
			l.Fatal("Config file read error: ", err)
		}
		var read *config.Config
		read, err = config.Unmarshal(data)
		if err != nil {
			l.Fatal("Config parse error: ", err)
		}
		config.Merge(fileConf, read)
	}
	config.Merge(fileConf, &flg.Config)
	if flg.PrintConfig {
		os.Stdout.Write(config.Marshal(fileConf))
		os.Exit(0)
	}
	conf, err := config.Parse(*fileConf)
	if err != nil {
		l.Fatal("Config error: ", err)
	}
	return conf
}

type Flags struct {
	ConfigPath  string
	PrintConfig bool
	config.Config
}

func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")
	flag.BoolVar(&f.PrintConfig, "print-config", false, "print merged config and exit")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Host, "host", "", usage("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, usage("port num", def.Port))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.IntVar(&f.Capacity, "capacity", 0, usage("max number of cached keys", def.Capacity))
	flag.IntVar(&f.Lanes, "lanes", 0, usage("number of key lanes", def.Lanes))
	flag.Var(&f.LaneTimeout, "lane-timeout", usage("cross lane eviction timeout", def.LaneTimeout))
	flag.Var(&f.OpTimeout, "op-timeout", usage("cache operation timeout, 0 is unbounded", def.OpTimeout))
	flag.StringVar(&f.WritePolicy, "write-policy", "", usage("write-through or write-behind", def.WritePolicy))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", usage("max item size: 10m, 1024k", def.MaxItemSize))
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "", usage("prometheus metrics endpoint address, disabled if empty", def.MetricsAddr))
	flag.StringVar(&f.Backing.Name, "backing-file", "", usage("backing store append only file, in memory if empty", def.Backing.Name))
	flag.Var(&f.Backing.Sync, "backing-sync", usage("backing file sync period, less than 100ms syncs every write", def.Backing.Sync))
	flag.StringVar(&f.Backing.BufSize, "backing-buf-size", "", usage("backing file write buffer size: 4k", def.Backing.BufSize))
	flag.StringVar(&f.Backing.RotateSize, "backing-rotate-size", "", usage("backing file size, after which it is compacted: 64m", def.Backing.RotateSize))
	flag.BoolVar(&f.Backing.FixCorrupted, "fix-corrupted", false, "truncate corrupted backing file to valid prefix")
	flag.Parse()
	return f
}
