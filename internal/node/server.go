// Package node serves a catalog over the chunk transfer protocol.
package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/catalog"
	"github.com/fruitsalade/chunkshare/internal/cipher"
	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/events"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

// Config holds server settings.
type Config struct {
	Addr           string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxRequestSize int
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Addr:           "0.0.0.0:8080",
		MaxConnections: 10,
		IdleTimeout:    5 * time.Minute,
		MaxRequestSize: protocol.MaxRequestSize,
	}
}

// Server accepts connections and handles each on its own goroutine. At most
// MaxConnections are served at once; further connections wait in the
// listen backlog until a slot frees up.
type Server struct {
	cfg     Config
	catalog *catalog.Catalog
	cipher  *cipher.Cipher
	journal atomic.Pointer[events.Journal]

	slots chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a server for cat. Zero config fields take their defaults.
func New(cat *catalog.Catalog, c *cipher.Cipher, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = def.MaxRequestSize
	}
	return &Server{
		cfg:     cfg,
		catalog: cat,
		cipher:  c,
		slots:   make(chan struct{}, cfg.MaxConnections),
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// SetJournal enables get_changes, answered from j.
func (s *Server) SetJournal(j *events.Journal) {
	s.journal.Store(j)
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errkind.E(errkind.Transport, "listen", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errkind.Errorf(errkind.Transport, "serve", "server is not listening")
	}

	// Holding the group while the loop runs keeps handler Adds ordered
	// before Close's Wait.
	s.wg.Add(1)
	defer s.wg.Done()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	logging.Info("node listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", s.cfg.MaxConnections))

	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.done:
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.slots
			select {
			case <-s.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logging.Warn("accept timeout", logging.Err(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return errkind.E(errkind.Transport, "accept", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.listener != nil {
			err = s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		logging.Info("node stopped")
	})
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
