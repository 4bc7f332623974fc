// Package watcher keeps a catalog in sync with its share directory.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fruitsalade/chunkshare/internal/catalog"
	"github.com/fruitsalade/chunkshare/internal/events"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/metrics"
)

// Watcher modes.
const (
	ModeStopped = "stopped"
	ModeEvents  = "events"
	ModePolling = "polling"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 5 * time.Second

// newFSWatcher is replaced in tests to simulate missing event support.
var newFSWatcher = fsnotify.NewWatcher

// Config controls a Watcher.
type Config struct {
	Interval     time.Duration
	ForcePolling bool
}

// Watcher rescans the catalog when its directory changes and publishes the
// added, removed and modified names. Filesystem events only signal a pending refresh;
// all scans happen on a single goroutine.
type Watcher struct {
	catalog *catalog.Catalog
	bus     *events.Bus
	cfg     Config

	mu   sync.Mutex
	mode string
	fsw  *fsnotify.Watcher

	refresh  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for cat. bus may be nil.
func New(cat *catalog.Catalog, bus *events.Bus, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Watcher{
		catalog: cat,
		bus:     bus,
		cfg:     cfg,
		mode:    ModeStopped,
		refresh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Mode returns the active mode.
func (w *Watcher) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Start performs an initial scan and begins watching. The mode is chosen
// once here: event-driven when available, polling otherwise.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.catalog.Scan(); err != nil {
		return err
	}

	mode := ModePolling
	if !w.cfg.ForcePolling {
		fsw, err := w.openEvents()
		if err != nil {
			logging.Warn("filesystem events unavailable, falling back to polling",
				logging.String("dir", w.catalog.Root()),
				logging.Err(err))
		} else {
			w.fsw = fsw
			mode = ModeEvents
		}
	}

	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
	metrics.SetWatcherMode(mode)

	if mode == ModeEvents {
		w.wg.Add(1)
		go w.eventLoop(ctx)
	}
	w.wg.Add(1)
	go w.refreshLoop(ctx, mode == ModePolling)

	logging.Info("watching share directory",
		logging.String("dir", w.catalog.Root()),
		logging.String("mode", mode),
		logging.Int("files", w.catalog.Len()))
	return nil
}

func (w *Watcher) openEvents() (*fsnotify.Watcher, error) {
	fsw, err := newFSWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(w.catalog.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

// Stop halts watching and waits for the goroutines to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.wg.Wait()

		w.mu.Lock()
		w.mode = ModeStopped
		w.mu.Unlock()
		metrics.SetWatcherMode("")
	})
}

// eventLoop turns filesystem events into refresh signals.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if relevant(ev) {
				w.signal()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("filesystem watch error", logging.Err(err))
			w.signal()
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write)
}

// signal requests a refresh. Signals arriving while one is pending coalesce.
func (w *Watcher) signal() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

func (w *Watcher) refreshLoop(ctx context.Context, polling bool) {
	defer w.wg.Done()

	var tick <-chan time.Time
	if polling {
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			w.rescan()
		case <-w.refresh:
			w.rescan()
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// rescan runs a full scan and publishes what changed.
func (w *Watcher) rescan() {
	before := w.catalog.Hashes()
	if _, err := w.catalog.Scan(); err != nil {
		logging.Warn("catalog rescan failed, keeping previous snapshot", logging.Err(err))
		return
	}
	diff := catalog.Compare(before, w.catalog.Hashes())
	if diff.Empty() {
		return
	}

	logging.Info("catalog changed",
		logging.Strings("added", diff.Added),
		logging.Strings("removed", diff.Removed),
		logging.Strings("modified", diff.Modified))

	if w.bus == nil {
		return
	}
	for _, name := range diff.Added {
		w.publish(events.Added, name)
	}
	for _, name := range diff.Modified {
		w.publish(events.Modified, name)
	}
	for _, name := range diff.Removed {
		w.bus.Publish(events.Event{Type: events.Removed, Name: name})
	}
}

// publish sends a change for a name still in the catalog, with its
// current size and hash.
func (w *Watcher) publish(typ events.Type, name string) {
	ev := events.Event{Type: typ, Name: name}
	if entry, err := w.catalog.Lookup(name); err == nil {
		ev.Size = entry.Size
		ev.Hash = entry.Hash
	}
	w.bus.Publish(ev)
}
