package node

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/catalog"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/metrics"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

// reply is satisfied by every response type through the embedded Result.
type reply interface {
	OK() bool
}

// handle decodes one request and produces its response. Malformed input
// yields an error response; the connection stays open.
func (s *Server) handle(ctx context.Context, msg []byte) reply {
	start := time.Now()

	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		metrics.RecordRequest("invalid", false, time.Since(start))
		logging.WithContext(ctx).Debug("malformed request", zap.Error(err))
		return protocol.Failure(protocol.CodeInvalidRequest,
			fmt.Sprintf("%s: %v", protocol.MsgInvalidJSON, err))
	}

	resp := s.Dispatch(ctx, req)

	label := string(req.Command)
	if !req.Command.Valid() {
		label = "unknown"
	}
	metrics.RecordRequest(label, resp.OK(), time.Since(start))
	return resp
}

// Dispatch runs a decoded request against the catalog.
func (s *Server) Dispatch(ctx context.Context, req protocol.Request) reply {
	switch req.Command {
	case protocol.CmdListFiles:
		return s.listFiles()
	case protocol.CmdGetFileInfo:
		return s.fileInfo(req)
	case protocol.CmdDownloadChunk:
		return s.downloadChunk(ctx, req)
	case protocol.CmdGetChanges:
		return s.changes(req)
	default:
		logging.WithContext(ctx).Debug("unknown command", zap.String("command", string(req.Command)))
		return protocol.Failure(protocol.CodeUnknownCommand, protocol.MsgUnknownCommand)
	}
}

func (s *Server) listFiles() reply {
	entries := s.catalog.List()
	files := make(map[string]protocol.FileSummary, len(entries))
	for _, e := range entries {
		files[e.Name] = protocol.FileSummary{Size: e.Size, Hash: e.Hash}
	}
	return protocol.ListFilesResponse{Result: protocol.Success(), Files: files}
}

func (s *Server) fileInfo(req protocol.Request) reply {
	if req.Filename == "" {
		return protocol.Failure(protocol.CodeInvalidRequest, "filename is required")
	}
	entry, err := s.catalog.Lookup(req.Filename)
	if err != nil {
		return protocol.Failure(protocol.CodeFileNotFound, protocol.MsgFileNotFound)
	}
	return protocol.FileInfoResponse{
		Result: protocol.Success(),
		FileInfo: &protocol.FileInfo{
			Size:      entry.Size,
			Hash:      entry.Hash,
			Path:      entry.StoragePath,
			ChunkSize: protocol.ChunkSize,
		},
	}
}

func (s *Server) downloadChunk(ctx context.Context, req protocol.Request) reply {
	if req.Filename == "" {
		return protocol.Failure(protocol.CodeInvalidRequest, "filename is required")
	}
	if req.ChunkIndex == nil || *req.ChunkIndex < 0 {
		return protocol.Failure(protocol.CodeInvalidRequest, "chunk_index must be a non-negative integer")
	}

	plain, err := s.catalog.ReadChunk(req.Filename, *req.ChunkIndex, protocol.ChunkSize)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return protocol.Failure(protocol.CodeFileNotFound, protocol.MsgFileNotFound)
	case errors.Is(err, catalog.ErrChunkOutOfRange):
		return protocol.Failure(protocol.CodeChunkOutOfRange, protocol.MsgChunkNotAvail)
	case err != nil:
		logging.WithContext(ctx).Error("chunk read failed",
			zap.String("filename", req.Filename),
			zap.Int64("chunk_index", *req.ChunkIndex),
			zap.Error(err))
		return protocol.Failure(protocol.CodeInternal, "Failed to read chunk")
	}

	metrics.RecordChunkServed(len(plain))
	return protocol.ChunkResponse{
		Result:    protocol.Success(),
		ChunkData: base64.StdEncoding.EncodeToString(s.cipher.Encrypt(plain)),
		ChunkSize: int64(len(plain)),
	}
}

func (s *Server) changes(req protocol.Request) reply {
	j := s.journal.Load()
	if j == nil {
		return protocol.Failure(protocol.CodeUnavailable, "Change tracking is not enabled")
	}
	evs, latest, truncated := j.Since(req.Since)
	out := make([]protocol.Change, 0, len(evs))
	for _, ev := range evs {
		out = append(out, protocol.Change{
			Seq:  ev.Seq,
			Type: string(ev.Type),
			Name: ev.Name,
			Size: ev.Size,
			Hash: ev.Hash,
			Time: ev.Time.Unix(),
		})
	}
	return protocol.ChangesResponse{
		Result:    protocol.Success(),
		Changes:   out,
		Latest:    latest,
		Truncated: truncated,
	}
}
