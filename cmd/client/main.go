// chunkshare client
//
// Lists, searches and downloads files from a chunkshare node. Downloads are
// resumable: an interrupted transfer continues from the last whole chunk.
//
// Sub-commands:
//
//	chunkshare list                     List files on the node
//	chunkshare search <query>           Case-insensitive name search
//	chunkshare info                     Show node summary
//	chunkshare stat <file>              Show size and hash of one file
//	chunkshare download <file>...       Download (and resume) files
//	chunkshare changes                  Show recent catalog changes
//	chunkshare incomplete               List resumable downloads
//	chunkshare cleanup [file]           Delete partial downloads
//	chunkshare init-config              Create a configuration file
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/fruitsalade/chunkshare/internal/cipher"
	"github.com/fruitsalade/chunkshare/internal/client"
	"github.com/fruitsalade/chunkshare/internal/config"
	"github.com/fruitsalade/chunkshare/internal/downloader"
	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/resume"
	"github.com/fruitsalade/chunkshare/internal/retry"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "list":
		err = cmdList(args)
	case "search":
		err = cmdSearch(args)
	case "info":
		err = cmdInfo(args)
	case "stat":
		err = cmdStat(args)
	case "download":
		err = cmdDownload(args)
	case "changes":
		err = cmdChanges(args)
	case "incomplete":
		err = cmdIncomplete(args)
	case "cleanup":
		err = cmdCleanup(args)
	case "init-config":
		err = cmdInitConfig(args)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if k := errkind.KindOf(err); k != errkind.Unknown {
			fmt.Fprintf(os.Stderr, "(%s error)\n", k)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: chunkshare <command> [flags] [args]

Commands:
  list                 List files on the node
  search <query>       Search file names on the node
  info                 Show node summary
  stat <file>          Show size and hash of a remote file
  download <file>...   Download files, resuming partial transfers
  changes              Show recent catalog changes on the node
  incomplete           List resumable downloads
  cleanup [file]       Delete partial downloads (all when no file given)
  init-config          Create a configuration file interactively

Run 'chunkshare <command> -h' for command flags.`)
}

// env is the state shared by the sub-commands.
type env struct {
	cfg    *config.Config
	cipher *cipher.Cipher
	store  *resume.Store
	addr   string
}

type commonFlags struct {
	config *string
	host   *string
	port   *int
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config: fs.String("config", config.DefaultPath, "Configuration file"),
		host:   fs.String("host", "", "Node host (overrides client.default_host)"),
		port:   fs.Int("port", 0, "Node port (overrides client.default_port)"),
	}
}

// setup loads config, initializes logging, obtains the key and opens the
// resume store.
func setup(cf commonFlags) (*env, error) {
	cfg, err := config.Load(*cf.config)
	if err != nil {
		return nil, err
	}
	if *cf.host != "" {
		cfg.Client.DefaultHost = *cf.host
	}
	if *cf.port != 0 {
		cfg.Client.DefaultPort = *cf.port
	}
	if err := logging.Init(cfg.LoggingSettings()); err != nil {
		return nil, errkind.E(errkind.Config, "init logging", err)
	}

	if cfg.Client.Key == "" {
		key, err := promptSecret("Encryption key: ")
		if err != nil {
			return nil, err
		}
		cfg.Client.Key = key
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	c, err := cipher.New(cfg.Client.Key)
	if err != nil {
		return nil, err
	}
	if cfg.Client.KeyHash != "" && !c.Verify(cfg.Client.KeyHash) {
		return nil, errkind.Errorf(errkind.Crypto, "verify key", "key does not match client.key_hash")
	}

	store, err := resume.Open(cfg.Client.StateFile)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, cipher: c, store: store, addr: cfg.ClientAddr()}, nil
}

// dial opens a session to the configured node.
func (e *env) dial(ctx context.Context) (*client.Session, error) {
	proxy, err := e.cfg.ProxySettings()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, client.Config{
		Addr:    e.addr,
		Timeout: e.cfg.Timeout(),
		Proxy:   proxy,
	})
}

// redial has the signature of Downloader.Redial. A failed dial must not
// hand back a typed nil session.
func (e *env) redial(ctx context.Context) (downloader.Session, error) {
	s, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// connect dials the node and returns a downloader bound to the session.
// Closing the downloader closes the session.
func (e *env) connect(ctx context.Context, dcfg downloader.Config) (*downloader.Downloader, error) {
	sess, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	dcfg.DownloadDir = e.cfg.Client.DownloadDir
	dcfg.NodeAddr = e.addr
	return downloader.New(sess, e.cipher, e.store, dcfg), nil
}

func (e *env) offline() *downloader.Downloader {
	return downloader.New(nil, e.cipher, e.store, downloader.Config{DownloadDir: e.cfg.Client.DownloadDir})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := addCommon(fs)
	fs.Parse(args)

	e, err := setup(cf)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	d, err := e.connect(ctx, downloader.Config{})
	if err != nil {
		return err
	}
	defer d.Close()

	files, err := d.ListRemote(ctx)
	if err != nil {
		return err
	}
	printFiles(files)
	return nil
}

func cmdSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cf := addCommon(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errkind.Errorf(errkind.Config, "search", "usage: chunkshare search <query>")
	}

	e, err := setup(cf)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	d, err := e.connect(ctx, downloader.Config{})
	if err != nil {
		return err
	}
	defer d.Close()

	files, err := d.Search(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Printf("No files matching %q\n", fs.Arg(0))
		return nil
	}
	printFiles(files)
	return nil
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	cf := addCommon(fs)
	fs.Parse(args)

	e, err := setup(cf)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	d, err := e.connect(ctx, downloader.Config{})
	if err != nil {
		return err
	}
	defer d.Close()

	info, err := d.NodeInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Node:            %s\n", info.Addr)
	fmt.Printf("Files:           %d\n", info.Files)
	fmt.Printf("Total size:      %s\n", formatBytes(info.TotalBytes))
	fmt.Printf("Supports resume: %v\n", info.SupportsResume)
	fmt.Printf("Protocol:        %s\n", info.ProtocolVersion)
	return nil
}

func cmdStat(args []string) error {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	cf := addCommon(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errkind.Errorf(errkind.Config, "stat", "usage: chunkshare stat <file>")
	}

	e, err := setup(cf)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	info, err := sess.FileInfo(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Name:   %s\n", fs.Arg(0))
	fmt.Printf("Size:   %s (%d bytes)\n", formatBytes(info.Size), info.Size)
	fmt.Printf("MD5:    %s\n", info.Hash)
	if info.ChunkSize > 0 {
		fmt.Printf("Chunks: %d x %s\n", (info.Size+uint64(info.ChunkSize)-1)/uint64(info.ChunkSize), formatBytes(uint64(info.ChunkSize)))
	}
	return nil
}

func cmdDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	cf := addCommon(fs)
	noResume := fs.Bool("no-resume", false, "Discard partial downloads and start over")
	verify := fs.Bool("verify", false, "Verify the MD5 of each finished file")
	outDir := fs.String("o", "", "Download directory (overrides client.download_dir)")
	quiet := fs.Bool("q", false, "Do not print progress")
	retries := fs.Int("retries", 3, "Reconnect and resume this many times after a lost connection")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errkind.Errorf(errkind.Config, "download", "usage: chunkshare download <file>...")
	}

	e, err := setup(cf)
	if err != nil {
		return err
	}
	if *outDir != "" {
		e.cfg.Client.DownloadDir = *outDir
	}

	ctx, cancel := signalContext()
	defer cancel()
	dcfg := downloader.Config{
		DisableResume: *noResume,
		VerifyHash:    *verify || e.cfg.Client.VerifyHash,
	}
	if *retries > 0 {
		dcfg.Retry = retry.DefaultConfig()
		dcfg.Retry.MaxAttempts = *retries + 1
	}
	d, err := e.connect(ctx, dcfg)
	if err != nil {
		return err
	}
	defer d.Close()
	if *retries > 0 {
		d.Redial = e.redial
	}

	if !*quiet {
		d.OnProgress = printProgress()
	}

	var failed []string
	for _, name := range fs.Args() {
		res, err := d.Download(ctx, name)
		if !*quiet {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			failed = append(failed, name)
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}
		fmt.Printf("%s -> %s (%s, %s/s)\n", name, res.Path, formatBytes(res.Size), formatBytes(rate(res)))
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d download(s) failed: %s (rerun to resume)", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// rate is the transfer speed of the bytes fetched in this run.
func rate(res *downloader.Result) uint64 {
	resumed := uint64(res.StartChunk) * protocol.ChunkSize
	if resumed > res.Size {
		resumed = res.Size
	}
	secs := res.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return uint64(float64(res.Size-resumed) / secs)
}

func printProgress() func(downloader.Progress) {
	last := time.Time{}
	return func(p downloader.Progress) {
		if time.Since(last) < 200*time.Millisecond && p.Downloaded != p.Total {
			return
		}
		last = time.Now()
		pct := 100.0
		if p.Total > 0 {
			pct = float64(p.Downloaded) / float64(p.Total) * 100
		}
		fmt.Fprintf(os.Stderr, "\r%s: chunk %d/%d  %s / %s  %5.1f%%",
			p.Filename, p.Chunk+1, p.Chunks, formatBytes(p.Downloaded), formatBytes(p.Total), pct)
	}
}

func cmdChanges(args []string) error {
	fs := flag.NewFlagSet("changes", flag.ExitOnError)
	cf := addCommon(fs)
	since := fs.Uint64("since", 0, "Only show changes after this sequence number")
	follow := fs.Bool("follow", false, "Keep polling for new changes until interrupted")
	interval := fs.Duration("interval", 2*time.Second, "Polling interval with -follow")
	fs.Parse(args)

	e, err := setup(cf)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	cursor := *since
	for {
		set, err := sess.Changes(ctx, cursor)
		if err != nil {
			if *follow && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if set.Truncated {
			fmt.Fprintf(os.Stderr, "Some changes after #%d are no longer kept by the node; run 'chunkshare list' for the full catalog\n", cursor)
		}
		if len(set.Changes) > 0 {
			printChanges(set.Changes)
		} else if !*follow {
			fmt.Println("No changes")
		}
		if set.Latest > cursor {
			cursor = set.Latest
		}
		if !*follow {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
}

func printChanges(changes []protocol.Change) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tCHANGE\tNAME\tSIZE")
	for _, c := range changes {
		size := "-"
		if c.Type != "removed" {
			size = formatBytes(c.Size)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.Seq,
			time.Unix(c.Time, 0).Format(time.RFC3339), c.Type, c.Name, size)
	}
	tw.Flush()
}

func cmdIncomplete(args []string) error {
	fs := flag.NewFlagSet("incomplete", flag.ExitOnError)
	cf := addCommon(fs)
	fs.Parse(args)

	e, err := setup(cf)
	if err != nil {
		return err
	}
	partials := e.offline().Incomplete()
	if len(partials) == 0 {
		fmt.Println("No incomplete downloads")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tDONE\tTOTAL\tPROGRESS\tUPDATED")
	for _, p := range partials {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%s\n", p.Filename, formatBytes(p.OnDisk),
			formatBytes(p.TotalSize), p.Percent(), p.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cf := addCommon(fs)
	fs.Parse(args)
	if fs.NArg() > 1 {
		return errkind.Errorf(errkind.Config, "cleanup", "usage: chunkshare cleanup [file]")
	}

	e, err := setup(cf)
	if err != nil {
		return err
	}
	n, err := e.offline().Cleanup(fs.Arg(0))
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Nothing to clean up")
		return nil
	}
	fmt.Printf("Removed %d incomplete download(s)\n", n)
	return nil
}

func cmdInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("config", config.DefaultPath, "Configuration file to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*path); err == nil && !*force {
		return errkind.Errorf(errkind.Config, "init-config", "%s already exists (use -force to overwrite)", *path)
	}

	var key string
	for {
		k, err := promptSecret(fmt.Sprintf("Encryption key (min %d characters): ", cipher.MinKeyLength))
		if err != nil {
			return err
		}
		if len(k) < cipher.MinKeyLength {
			fmt.Fprintf(os.Stderr, "Key must be at least %d characters\n", cipher.MinKeyLength)
			continue
		}
		confirm, err := promptSecret("Confirm encryption key: ")
		if err != nil {
			return err
		}
		if k != confirm {
			fmt.Fprintln(os.Stderr, "Keys don't match")
			continue
		}
		key = k
		break
	}

	cfg := config.Default()
	in := bufio.NewReader(os.Stdin)
	cfg.Node.Host = prompt(in, "Node host", cfg.Node.Host)
	if p, err := strconv.Atoi(prompt(in, "Node port", strconv.Itoa(cfg.Node.Port))); err == nil {
		cfg.Node.Port = p
	}
	cfg.Node.ShareDir = prompt(in, "Share directory", cfg.Node.ShareDir)
	cfg.Node.Key = key
	cfg.Client.DefaultHost = cfg.Node.Host
	cfg.Client.DefaultPort = cfg.Node.Port

	c, err := cipher.New(key)
	if err != nil {
		return err
	}
	hash, err := c.KeyHash()
	if err != nil {
		return err
	}
	cfg.Client.KeyHash = hash

	if err := cfg.ValidateNode(); err != nil {
		return err
	}
	if err := config.WriteFile(*path, cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration saved to %s\n", *path)
	fmt.Printf("Start the node with: chunkshare-node -config %s\n", *path)
	return nil
}

func prompt(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	line, err := in.ReadString('\n')
	if err != nil {
		return def
	}
	if line = strings.TrimSpace(line); line == "" {
		return def
	}
	return line
}

func promptSecret(label string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errkind.Errorf(errkind.Config, "read key", "no key configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errkind.E(errkind.Config, "read key", err)
	}
	return string(b), nil
}

func printFiles(files []downloader.RemoteFile) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMD5")
	var total uint64
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, formatBytes(f.Size), f.Hash)
		total += f.Size
	}
	tw.Flush()
	fmt.Printf("%d file(s), %s\n", len(files), formatBytes(total))
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
