// Package catalog indexes the regular files directly under a share directory.
package catalog

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/metrics"
)

// ErrNotFound is returned when a name is not in the catalog.
var ErrNotFound = errors.New("file not in catalog")

// Entry describes one shared file. StoragePath is local only.
type Entry struct {
	Name        string
	Size        uint64
	Hash        string // hex MD5 of the content
	StoragePath string
	ModTime     time.Time
}

// Catalog is the in-memory index of a share directory. Readers run
// concurrently; Scan and Refresh take the write lock only to swap state in.
type Catalog struct {
	root string

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// New creates a catalog for dir, creating the directory if needed. The
// catalog is empty until Scan is called.
func New(dir string) (*Catalog, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, errkind.E(errkind.Storage, "resolve share dir", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, errkind.E(errkind.Storage, "create share dir", err)
	}
	// Resolve symlinks so every storage path is checked against the real root.
	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, errkind.E(errkind.Storage, "resolve share dir", err)
	}
	info, err := os.Stat(realPath)
	if err != nil {
		return nil, errkind.E(errkind.Storage, "stat share dir", err)
	}
	if !info.IsDir() {
		return nil, errkind.Errorf(errkind.Storage, "open catalog", "not a directory: %s", realPath)
	}
	return &Catalog{
		root:    realPath,
		entries: make(map[string]*Entry),
	}, nil
}

// Root returns the absolute share directory.
func (c *Catalog) Root() string {
	return c.root
}

// ValidName reports whether name can be a catalog key: a plain, non-hidden
// file name without path separators.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// Scan rebuilds the catalog from disk and returns the number of files
// indexed. Hashing happens without holding the lock. If the directory cannot
// be read the previous snapshot stays in place.
func (c *Catalog) Scan() (int, error) {
	start := time.Now()

	dirEntries, err := os.ReadDir(c.root)
	if err != nil {
		metrics.RecordCatalogScan(time.Since(start), false)
		return 0, errkind.E(errkind.Storage, "scan", err)
	}

	entries := make(map[string]*Entry, len(dirEntries))
	order := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() || !ValidName(de.Name()) {
			continue
		}
		entry, err := c.index(de.Name())
		if err != nil {
			logging.Warn("skipping unreadable file",
				logging.String("name", de.Name()), logging.Err(err))
			continue
		}
		entries[entry.Name] = entry
		order = append(order, entry.Name)
	}

	c.mu.Lock()
	c.entries = entries
	c.order = order
	c.mu.Unlock()

	metrics.RecordCatalogScan(time.Since(start), true)
	metrics.SetCatalogFiles(len(entries))
	logging.Debug("catalog scanned",
		logging.Int("files", len(entries)),
		logging.Duration("took", time.Since(start)))
	return len(entries), nil
}

// index stats and hashes one file under the root.
func (c *Catalog) index(name string) (*Entry, error) {
	path := filepath.Join(c.root, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", name)
	}

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return &Entry{
		Name:        name,
		Size:        uint64(info.Size()),
		Hash:        hex.EncodeToString(h.Sum(nil)),
		StoragePath: path,
		ModTime:     info.ModTime(),
	}, nil
}

// Refresh re-indexes a single file. A file that no longer exists, or is no
// longer a regular file, is removed from the catalog.
func (c *Catalog) Refresh(name string) error {
	if !ValidName(name) {
		return errkind.Errorf(errkind.Storage, "refresh", "invalid name %q", name)
	}

	info, statErr := os.Lstat(filepath.Join(c.root, name))
	if statErr != nil && !os.IsNotExist(statErr) {
		return errkind.E(errkind.Storage, "refresh", statErr)
	}
	if statErr != nil || !info.Mode().IsRegular() {
		c.remove(name)
		return nil
	}

	entry, err := c.index(name)
	if err != nil {
		return errkind.E(errkind.Storage, "refresh", err)
	}

	c.mu.Lock()
	if _, exists := c.entries[name]; !exists {
		c.order = append(c.order, name)
	}
	c.entries[name] = entry
	count := len(c.entries)
	c.mu.Unlock()

	metrics.SetCatalogFiles(count)
	return nil
}

func (c *Catalog) remove(name string) {
	c.mu.Lock()
	if _, ok := c.entries[name]; ok {
		delete(c.entries, name)
		for i, n := range c.order {
			if n == name {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	count := len(c.entries)
	c.mu.Unlock()
	metrics.SetCatalogFiles(count)
}

// Add copies the local file at src into the share directory under name
// (the source base name when empty) and indexes it.
func (c *Catalog) Add(src, name string) (string, error) {
	if name == "" {
		name = filepath.Base(src)
	}
	if !ValidName(name) {
		return "", errkind.Errorf(errkind.Storage, "add", "invalid name %q", name)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", errkind.E(errkind.Storage, "add", err)
	}
	defer in.Close()

	// Write to a hidden temp file then rename so scans never index a partial copy.
	tmp, err := os.CreateTemp(c.root, ".chunkshare-*.tmp")
	if err != nil {
		return "", errkind.E(errkind.Storage, "add", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errkind.E(errkind.Storage, "add", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errkind.E(errkind.Storage, "add", err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.root, name)); err != nil {
		os.Remove(tmpName)
		return "", errkind.E(errkind.Storage, "add", err)
	}

	return name, c.Refresh(name)
}

// Lookup returns a copy of the entry for name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *entry, nil
}

// Summary is the remotely visible part of an Entry.
type Summary struct {
	Name string
	Size uint64
	Hash string
}

// List returns all entries in insertion order without storage paths.
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Summary, 0, len(c.order))
	for _, name := range c.order {
		e := c.entries[name]
		out = append(out, Summary{Name: e.Name, Size: e.Size, Hash: e.Hash})
	}
	return out
}

// Hashes returns each catalog name with its content hash.
func (c *Catalog) Hashes() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.entries))
	for name, e := range c.entries {
		out[name] = e.Hash
	}
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Diff holds the names added, removed and modified between two snapshots.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Compare diffs two Hashes snapshots. A name present in both with a
// different hash is modified. Each list is sorted.
func Compare(before, after map[string]string) Diff {
	var d Diff
	for name, hash := range after {
		prev, ok := before[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case prev != hash:
			d.Modified = append(d.Modified, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}
