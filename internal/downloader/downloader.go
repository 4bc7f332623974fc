// Package downloader reassembles remote files chunk by chunk, resuming
// interrupted transfers from the last complete chunk.
package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/catalog"
	"github.com/fruitsalade/chunkshare/internal/cipher"
	"github.com/fruitsalade/chunkshare/internal/client"
	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/resume"
	"github.com/fruitsalade/chunkshare/internal/retry"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

// PartSuffix is appended to the destination path while downloading.
const PartSuffix = ".part"

// freeSpace is replaced in tests.
var freeSpace = diskFree

// Session is the subset of a node connection the downloader needs.
type Session interface {
	ListFiles(ctx context.Context) (map[string]protocol.FileSummary, error)
	FileInfo(ctx context.Context, filename string) (*protocol.FileInfo, error)
	DownloadChunk(ctx context.Context, filename string, index int64) (*client.Chunk, error)
}

// Config controls a Downloader.
type Config struct {
	DownloadDir   string
	DisableResume bool
	VerifyHash    bool
	NodeAddr      string

	// Retry bounds reconnect attempts when Redial is set.
	Retry retry.Config
}

// Progress is reported after every chunk written.
type Progress struct {
	Filename   string
	Chunk      int64
	Chunks     int64
	Downloaded uint64
	Total      uint64
}

// Result describes a finished download.
type Result struct {
	Path       string
	Size       uint64
	Hash       string
	StartChunk int64
	Fetched    int64
	Duration   time.Duration
}

// Downloader fetches files over one Session. Chunks are requested strictly
// one after another.
type Downloader struct {
	sess   Session
	cipher *cipher.Cipher
	store  *resume.Store
	cfg    Config

	// OnProgress, when set, is called after each chunk is durably written.
	OnProgress func(Progress)

	// Redial, when set, opens a replacement session after a transport
	// failure so Download can resume from the last written chunk.
	Redial func(ctx context.Context) (Session, error)
}

// New creates a downloader.
func New(sess Session, c *cipher.Cipher, store *resume.Store, cfg Config) *Downloader {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Downloader{sess: sess, cipher: c, store: store, cfg: cfg}
}

// Paths returns the final and temporary paths for filename.
func (d *Downloader) Paths(filename string) (final, temp string) {
	final = filepath.Join(d.cfg.DownloadDir, filename)
	return final, final + PartSuffix
}

// Close closes the current session if it can be closed.
func (d *Downloader) Close() error {
	if c, ok := d.sess.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Download fetches filename into the download directory. On any failure
// other than provably inconsistent data, the partial file and its resume
// entry are left in place for the next attempt. With Redial set, transport
// failures reconnect and resume up to Retry.MaxAttempts times.
func (d *Downloader) Download(ctx context.Context, filename string) (*Result, error) {
	if d.Redial == nil {
		return d.download(ctx, filename)
	}

	var res *Result
	err := retry.Do(ctx, d.cfg.Retry, func() error {
		if d.sess == nil {
			sess, err := d.Redial(ctx)
			if err != nil {
				return err
			}
			d.sess = sess
		}
		r, err := d.download(ctx, filename)
		if err == nil {
			res = r
			return nil
		}
		if errkind.Is(err, errkind.Transport) && ctx.Err() == nil {
			logging.Warn("connection lost, reconnecting to resume",
				zap.String("filename", filename), zap.Error(err))
			d.Close()
			d.sess = nil
			return retry.Retryable(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Downloader) download(ctx context.Context, filename string) (*Result, error) {
	op := "download " + filename
	start := time.Now()

	if !catalog.ValidName(filename) {
		return nil, errkind.Errorf(errkind.Config, op, "invalid file name %q", filename)
	}

	info, err := d.sess.FileInfo(ctx, filename)
	if err != nil {
		return nil, err
	}
	if info.ChunkSize != 0 && info.ChunkSize != protocol.ChunkSize {
		return nil, errkind.Errorf(errkind.Protocol, op,
			"node uses %d byte chunks, expected %d", info.ChunkSize, protocol.ChunkSize)
	}

	if err := os.MkdirAll(d.cfg.DownloadDir, 0755); err != nil {
		return nil, errkind.E(errkind.Storage, op, err)
	}
	finalPath, tempPath := d.Paths(filename)
	log := logging.L().With(zap.String("filename", filename))

	existing, err := d.prepareTemp(log, tempPath, info.Size)
	if err != nil {
		return nil, errkind.E(errkind.Storage, op, err)
	}
	startChunk := int64(existing / protocol.ChunkSize)
	chunks := protocol.ChunkCount(info.Size)

	if need := info.Size - existing; need > 0 {
		if free, err := freeSpace(d.cfg.DownloadDir); err != nil {
			log.Debug("free space check failed", zap.Error(err))
		} else if free < need {
			return nil, errkind.Errorf(errkind.Storage, op,
				"need %d bytes, only %d free in %s", need, free, d.cfg.DownloadDir)
		}
	}

	if err := d.store.Register(filename, info.Size, tempPath); err != nil {
		return nil, err
	}
	if err := d.store.UpdateProgress(filename, existing); err != nil {
		return nil, err
	}

	if existing > 0 {
		log.Info("resuming download",
			zap.Uint64("from_bytes", existing),
			zap.Int64("start_chunk", startChunk),
			zap.Int64("chunks", chunks))
	} else {
		log.Info("starting download", zap.Uint64("size", info.Size), zap.Int64("chunks", chunks))
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errkind.E(errkind.Storage, op, err)
	}
	downloaded, err := d.fetch(ctx, f, filename, info.Size, startChunk, chunks)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errkind.E(errkind.Storage, op, cerr)
	}
	if err != nil {
		log.Warn("download interrupted, partial data kept",
			zap.Uint64("downloaded", downloaded), zap.Error(err))
		return nil, err
	}

	if d.cfg.VerifyHash {
		if err := d.verify(filename, tempPath, info.Hash); err != nil {
			return nil, err
		}
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return nil, errkind.E(errkind.Storage, op, err)
	}
	if err := d.store.Complete(filename); err != nil {
		return nil, err
	}

	res := &Result{
		Path:       finalPath,
		Size:       info.Size,
		Hash:       info.Hash,
		StartChunk: startChunk,
		Fetched:    chunks - startChunk,
		Duration:   time.Since(start),
	}
	log.Info("download complete",
		zap.String("path", finalPath),
		zap.Int64("fetched_chunks", res.Fetched),
		zap.Duration("took", res.Duration))
	return res, nil
}

// prepareTemp decides how much of an existing partial file is reusable and
// truncates it back to a chunk boundary. It returns the reusable length.
// Only a partial longer than the remote file is discarded; a shorter one
// is kept even if the remote size changed since it was written.
func (d *Downloader) prepareTemp(log *zap.Logger, tempPath string, total uint64) (uint64, error) {
	st, statErr := os.Stat(tempPath)
	if errors.Is(statErr, os.ErrNotExist) {
		return 0, nil
	}
	if statErr != nil {
		return 0, statErr
	}

	discard := ""
	switch {
	case d.cfg.DisableResume:
		discard = "resume disabled"
	case !st.Mode().IsRegular():
		return 0, fmt.Errorf("%s is not a regular file", tempPath)
	case uint64(st.Size()) > total:
		discard = "partial file larger than remote file"
	}
	if discard != "" {
		log.Info("discarding partial file", zap.String("reason", discard))
		if err := os.Remove(tempPath); err != nil {
			return 0, err
		}
		return 0, nil
	}

	size := uint64(st.Size())
	aligned := size - size%protocol.ChunkSize
	if aligned != size {
		log.Debug("truncating partial chunk",
			zap.Uint64("size", size), zap.Uint64("boundary", aligned))
		if err := os.Truncate(tempPath, int64(aligned)); err != nil {
			return 0, err
		}
	}
	return aligned, nil
}

// fetch requests chunks [start, chunks) and appends their plaintext to f.
// It returns the number of bytes in f when it stops.
func (d *Downloader) fetch(ctx context.Context, f *os.File, filename string, total uint64, start, chunks int64) (uint64, error) {
	downloaded := uint64(start) * protocol.ChunkSize
	for i := start; i < chunks; i++ {
		op := fmt.Sprintf("download %s chunk %d", filename, i)
		if err := ctx.Err(); err != nil {
			return downloaded, errkind.E(errkind.Transport, op, err)
		}

		chunk, err := d.sess.DownloadChunk(ctx, filename, i)
		if err != nil {
			return downloaded, err
		}
		plain, err := d.cipher.Decrypt(chunk.Data)
		if err != nil {
			return downloaded, errkind.E(errkind.Crypto, op, err)
		}

		want := total - downloaded
		if want > protocol.ChunkSize {
			want = protocol.ChunkSize
		}
		if uint64(len(plain)) != want || chunk.Size != int64(len(plain)) {
			return downloaded, errkind.Errorf(errkind.Protocol, op,
				"chunk has %d bytes (advertised %d), expected %d", len(plain), chunk.Size, want)
		}

		if _, err := f.Write(plain); err != nil {
			return downloaded, errkind.E(errkind.Storage, op, err)
		}
		if err := f.Sync(); err != nil {
			return downloaded, errkind.E(errkind.Storage, op, err)
		}
		downloaded += want

		if err := d.store.UpdateProgress(filename, downloaded); err != nil {
			return downloaded, err
		}
		if d.OnProgress != nil {
			d.OnProgress(Progress{
				Filename:   filename,
				Chunk:      i,
				Chunks:     chunks,
				Downloaded: downloaded,
				Total:      total,
			})
		}
	}
	return downloaded, nil
}

// verify compares the finished temp file with the advertised hash. A
// mismatch cannot be repaired by resuming, so the partial state is dropped.
func (d *Downloader) verify(filename, tempPath, want string) error {
	op := "verify " + filename
	got, err := fileHash(tempPath)
	if err != nil {
		return errkind.E(errkind.Storage, op, err)
	}
	if got == want {
		return nil
	}
	os.Remove(tempPath)
	if err := d.store.Complete(filename); err != nil {
		return err
	}
	return errkind.Errorf(errkind.Protocol, op, "content hash %s does not match %s", got, want)
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
