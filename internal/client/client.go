// Package client speaks the chunk transfer protocol to a node over a single
// TCP connection.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/retry"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

// DefaultTimeout bounds connecting and each request/response exchange.
const DefaultTimeout = 30 * time.Second

// Config holds session settings.
type Config struct {
	Addr            string
	Timeout         time.Duration
	Proxy           *ProxyConfig
	RetryConfig     retry.Config
	MaxResponseSize int
}

// Session is one connection to a node. Requests are issued strictly one at
// a time. After a transport failure the session is unusable and must be
// replaced by a new Dial.
type Session struct {
	cfg  Config
	conn net.Conn
	r    *protocol.Reader

	mu     sync.Mutex
	broken error
}

// Chunk is a download_chunk payload. Data is still encrypted.
type Chunk struct {
	Index int64
	Data  []byte
	Size  int64
}

// Dial connects to the node, retrying transient connect failures.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = protocol.MaxResponseSize
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.RetryConfig.OnRetry == nil {
		addr := cfg.Addr
		cfg.RetryConfig.OnRetry = func(attempt int, err error) {
			logging.Warn("connect failed, retrying",
				zap.String("addr", addr),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}

	d, err := newDialer(cfg.Timeout, cfg.Proxy)
	if err != nil {
		return nil, err
	}

	conn, err := retry.DoWithResult(ctx, cfg.RetryConfig, func() (net.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		c, err := d.DialContext(dctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		return c, nil
	})
	if err != nil {
		return nil, errkind.E(errkind.Transport, "connect "+cfg.Addr, err)
	}

	logging.Debug("connected to node", zap.String("addr", cfg.Addr))
	return &Session{
		cfg:  cfg,
		conn: conn,
		r:    protocol.NewReader(conn, cfg.MaxResponseSize),
	}, nil
}

// Close closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken == nil {
		s.broken = net.ErrClosed
	}
	return s.conn.Close()
}

// ListFiles returns the node's catalog.
func (s *Session) ListFiles(ctx context.Context) (map[string]protocol.FileSummary, error) {
	resp, err := s.call(ctx, "list_files", protocol.ListFilesRequest())
	if err != nil {
		return nil, err
	}
	if resp.Files == nil {
		return map[string]protocol.FileSummary{}, nil
	}
	return resp.Files, nil
}

// FileInfo returns metadata for one file.
func (s *Session) FileInfo(ctx context.Context, filename string) (*protocol.FileInfo, error) {
	op := "get_file_info " + filename
	resp, err := s.call(ctx, op, protocol.FileInfoRequest(filename))
	if err != nil {
		return nil, err
	}
	if resp.FileInfo == nil {
		return nil, errkind.Errorf(errkind.Protocol, op, "response has no file_info")
	}
	return resp.FileInfo, nil
}

// DownloadChunk fetches one encrypted chunk. A successful response with an
// empty payload is reported as ErrChunkOutOfRange.
func (s *Session) DownloadChunk(ctx context.Context, filename string, index int64) (*Chunk, error) {
	op := fmt.Sprintf("download_chunk %s[%d]", filename, index)
	resp, err := s.call(ctx, op, protocol.DownloadChunkRequest(filename, index))
	if err != nil {
		return nil, err
	}
	if resp.ChunkData == "" {
		return nil, errkind.E(errkind.Remote, op, protocol.ErrChunkOutOfRange)
	}
	data, err := base64.StdEncoding.DecodeString(resp.ChunkData)
	if err != nil {
		return nil, errkind.E(errkind.Protocol, op, err)
	}
	return &Chunk{Index: index, Data: data, Size: resp.ChunkSize}, nil
}

// ChangeSet is a get_changes result.
type ChangeSet struct {
	Changes   []protocol.Change
	Latest    uint64
	Truncated bool
}

// Changes returns catalog changes newer than since.
func (s *Session) Changes(ctx context.Context, since uint64) (*ChangeSet, error) {
	resp, err := s.call(ctx, "get_changes", protocol.ChangesRequest(since))
	if err != nil {
		return nil, err
	}
	return &ChangeSet{Changes: resp.Changes, Latest: resp.Latest, Truncated: resp.Truncated}, nil
}

// call performs one round trip and converts error responses to kinded errors.
func (s *Session) call(ctx context.Context, op string, req protocol.Request) (*protocol.Response, error) {
	resp, err := s.roundTrip(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		kind := errkind.Remote
		if errors.Is(err, protocol.ErrUnknownCommand) || errors.Is(err, protocol.ErrInvalidRequest) {
			kind = errkind.Protocol
		}
		return nil, errkind.E(kind, op, err)
	}
	return resp, nil
}

func (s *Session) roundTrip(ctx context.Context, op string, req protocol.Request) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return nil, errkind.E(errkind.Transport, op, s.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, errkind.E(errkind.Transport, op, err)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.WriteMessage(s.conn, req); err != nil {
		return nil, s.fail(ctx, op, err)
	}

	msg, err := s.r.ReadMessage()
	if err != nil {
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			s.broken = err
			return nil, errkind.E(errkind.Protocol, op, err)
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, s.fail(ctx, op, err)
	}

	resp, err := protocol.DecodeResponse(msg)
	if err != nil {
		return nil, errkind.E(errkind.Protocol, op, err)
	}
	return resp, nil
}

// fail marks the session broken and wraps err as a transport error,
// preferring the context error when the context ended the exchange.
func (s *Session) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	s.broken = err
	s.conn.Close()
	return errkind.E(errkind.Transport, op, err)
}
