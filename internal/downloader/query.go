package downloader

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/resume"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

// RemoteFile is one entry of a node's catalog.
type RemoteFile struct {
	Name string
	Size uint64
	Hash string
}

// NodeInfo summarizes a node.
type NodeInfo struct {
	Addr            string
	Files           int
	TotalBytes      uint64
	SupportsResume  bool
	ProtocolVersion string
}

// Partial is an incomplete download and the bytes present on disk.
type Partial struct {
	resume.DownloadState
	OnDisk uint64
}

// Percent returns completion based on the bytes on disk.
func (p Partial) Percent() float64 {
	if p.TotalSize == 0 {
		return 0
	}
	return float64(p.OnDisk) / float64(p.TotalSize) * 100
}

// ListRemote returns the node's files sorted by name.
func (d *Downloader) ListRemote(ctx context.Context) ([]RemoteFile, error) {
	files, err := d.sess.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	return sortedFiles(files, func(string) bool { return true }), nil
}

// Search returns remote files whose name contains query, ignoring case.
func (d *Downloader) Search(ctx context.Context, query string) ([]RemoteFile, error) {
	files, err := d.sess.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	return sortedFiles(files, func(name string) bool {
		return strings.Contains(strings.ToLower(name), q)
	}), nil
}

func sortedFiles(files map[string]protocol.FileSummary, keep func(string) bool) []RemoteFile {
	out := make([]RemoteFile, 0, len(files))
	for name, f := range files {
		if keep(name) {
			out = append(out, RemoteFile{Name: name, Size: f.Size, Hash: f.Hash})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NodeInfo describes the connected node.
func (d *Downloader) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	files, err := d.sess.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	info := &NodeInfo{
		Addr:            d.cfg.NodeAddr,
		Files:           len(files),
		SupportsResume:  true,
		ProtocolVersion: protocol.Version,
	}
	for _, f := range files {
		info.TotalBytes += f.Size
	}
	return info, nil
}

// Incomplete lists resumable downloads with their on-disk progress.
func (d *Downloader) Incomplete() []Partial {
	states := d.store.ListIncomplete()
	out := make([]Partial, 0, len(states))
	for _, st := range states {
		p := Partial{DownloadState: st}
		if fi, err := os.Stat(st.TempPath); err == nil {
			p.OnDisk = uint64(fi.Size())
		}
		out = append(out, p)
	}
	return out
}

// Cleanup deletes the partial file and resume entry of filename, or of
// every incomplete download when filename is empty. It returns how many
// entries were removed.
func (d *Downloader) Cleanup(filename string) (int, error) {
	var targets []resume.DownloadState
	if filename == "" {
		targets = d.store.ListIncomplete()
	} else if st, ok := d.store.Get(filename); ok {
		targets = []resume.DownloadState{st}
	}

	removed := 0
	for _, st := range targets {
		if st.TempPath != "" {
			if err := os.Remove(st.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, errkind.E(errkind.Storage, "cleanup "+st.Filename, err)
			}
		}
		if err := d.store.Complete(st.Filename); err != nil {
			return removed, err
		}
		logging.Info("cleaned up incomplete download",
			zap.String("filename", st.Filename), zap.String("temp_path", st.TempPath))
		removed++
	}
	return removed, nil
}
