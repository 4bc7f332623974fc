// chunkshare node
//
// Publishes the files of a share directory over the chunk transfer protocol:
// - encrypted 1 MiB chunks, resumable by clients
// - catalog kept fresh by filesystem events (polling fallback)
// - recent catalog changes served to clients via get_changes
// - Prometheus metrics & structured logging (zap)
//
// Usage:
//
//	chunkshare-node [-config config.json] [-host h] [-port p] [-share dir] [-journal n] [-add file]...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fruitsalade/chunkshare/internal/catalog"
	"github.com/fruitsalade/chunkshare/internal/cipher"
	"github.com/fruitsalade/chunkshare/internal/config"
	"github.com/fruitsalade/chunkshare/internal/events"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/metrics"
	"github.com/fruitsalade/chunkshare/internal/node"
	"github.com/fruitsalade/chunkshare/internal/watcher"
)

type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath, "Configuration file")
	host := flag.String("host", "", "Listen host (overrides node.host)")
	port := flag.Int("port", 0, "Listen port (overrides node.port)")
	shareDir := flag.String("share", "", "Share directory (overrides node.share_dir)")
	polling := flag.Bool("polling", false, "Poll the share directory instead of using filesystem events")
	journalSize := flag.Int("journal", events.DefaultJournalSize, "Number of catalog changes kept for get_changes")
	var addFiles multiFlag
	flag.Var(&addFiles, "add", "Copy a local file into the share directory before serving (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Node.Host = *host
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *shareDir != "" {
		cfg.Node.ShareDir = *shareDir
	}
	if *polling {
		cfg.Node.ForcePolling = true
	}
	if err := cfg.ValidateNode(); err != nil {
		return err
	}

	if err := logging.Init(cfg.LoggingSettings()); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	c, err := cipher.New(cfg.Node.Key)
	if err != nil {
		logging.Error("invalid key", logging.Err(err))
		return err
	}

	cat, err := catalog.New(cfg.Node.ShareDir)
	if err != nil {
		logging.Error("share directory unusable", logging.Err(err))
		return err
	}
	for _, path := range addFiles {
		name, err := cat.Add(path, "")
		if err != nil {
			logging.Error("add file failed", logging.String("path", path), logging.Err(err))
			return err
		}
		logging.Info("added file to share", logging.String("name", name))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The watcher publishes catalog changes; the journal keeps the recent
	// ones for clients polling get_changes.
	bus := events.NewBus()
	journal := events.NewJournal(*journalSize)
	sub := bus.Subscribe(64)
	defer sub.Close()
	go journal.Follow(sub)

	w := watcher.New(cat, bus, watcher.Config{
		Interval:     cfg.WatchInterval(),
		ForcePolling: cfg.Node.ForcePolling,
	})
	if err := w.Start(ctx); err != nil {
		logging.Error("initial scan failed", logging.Err(err))
		return err
	}
	defer w.Stop()

	if cfg.Node.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Node.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", logging.String("addr", cfg.Node.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", logging.Err(err))
			}
		}()
		defer metricsServer.Close()
	}

	logging.Info("chunkshare node starting",
		logging.String("addr", cfg.NodeAddr()),
		logging.String("share_dir", cat.Root()),
		logging.Int("files", cat.Len()),
		logging.String("watch_mode", w.Mode()))

	srv := node.New(cat, c, node.Config{
		Addr:           cfg.NodeAddr(),
		MaxConnections: cfg.Node.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout(),
	})
	srv.SetJournal(journal)
	err = srv.ListenAndServe(ctx)
	// Serve returns once the listener closes; Close also waits for the
	// in-flight handlers.
	srv.Close()
	if err != nil {
		logging.Error("node failed", logging.Err(err))
		return err
	}
	logging.Info("shutting down...")
	return nil
}
