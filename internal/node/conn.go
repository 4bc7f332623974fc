package node

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/metrics"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

// serveConn runs the request/response loop for one connection until the
// peer closes it or an I/O error occurs.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	ctx = logging.WithConnID(ctx, uuid.NewString(), conn.RemoteAddr().String())
	log := logging.WithContext(ctx)
	log.Debug("connection accepted")

	r := protocol.NewReader(conn, s.cfg.MaxRequestSize)
	served := 0
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msg, err := r.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("connection closed by peer", zap.Int("requests", served))
			case errors.Is(err, protocol.ErrMessageTooLarge):
				log.Warn("request too large, closing connection",
					zap.Int("limit", s.cfg.MaxRequestSize))
				s.write(conn, protocol.Failure(protocol.CodeInvalidRequest, protocol.MsgMessageTooLarge))
			default:
				if !isClosedErr(err) {
					log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		resp := s.handle(ctx, msg)
		if err := s.write(conn, resp); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
		served++
	}
}

func (s *Server) write(conn net.Conn, v interface{}) error {
	if s.cfg.IdleTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	return protocol.WriteMessage(conn, v)
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
