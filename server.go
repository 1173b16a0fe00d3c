// Package lanecache is memcached text protocol frontend for lane sharded LRU cache.
package lanecache

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/skipor/lanecache/log"
)

var ErrServerClosed = errors.New("lanecache: server closed")

type Server struct {
	Addr string
	ConnMeta
	Log log.Logger
	// Registry receives connection metrics, if not nil.
	Registry metrics.Registry

	connCounter int64
	active      metrics.Counter
	accepted    metrics.Meter

	lock     sync.Mutex
	listener net.Listener
	closed   bool
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Cache       Cache
	MaxItemSize int
	OpTimeout   time.Duration
}

func (s *Server) ListenAndServe() error {
	if s.Addr == "" {
		s.Addr = ":11211"
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections until listener fails or server is closed.
// ErrServerClosed returned after Close.
func (s *Server) Serve(l net.Listener) error {
	s.init()
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.lock.Unlock()
	s.Log.Infof("Serve on %s.", l.Addr())

	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		s.accepted.Mark(1)
		go s.serveConn(c)
	}
}

// Close stops accepting new connections. Served connections are not interrupted.
func (s *Server) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *Server) serveConn(c net.Conn) {
	s.active.Inc(1)
	defer s.active.Dec(1)
	s.newConn(c).serve()
}

func (s *Server) newConn(c net.Conn) *conn {
	conn := newConn(s.Log.WithFields(log.Fields{"conn": s.connCounter}), &s.ConnMeta, c)
	s.connCounter++
	return conn
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.Cache == nil {
		panic("nil cache")
	}
	if s.Registry == nil {
		s.Registry = metrics.NewRegistry()
	}
	s.active = metrics.GetOrRegisterCounter("server.conn.active", s.Registry)
	s.accepted = metrics.GetOrRegisterMeter("server.conn.accepted", s.Registry)
	s.ConnMeta.init()
}

func (m *ConnMeta) init() {
	if m.MaxItemSize == 0 {
		m.MaxItemSize = DefaultMaxItemSize
	}
}
