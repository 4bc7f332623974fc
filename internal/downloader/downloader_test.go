package downloader

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/chunkshare/internal/catalog"
	"github.com/fruitsalade/chunkshare/internal/cipher"
	"github.com/fruitsalade/chunkshare/internal/client"
	"github.com/fruitsalade/chunkshare/internal/errkind"
	"github.com/fruitsalade/chunkshare/internal/logging"
	"github.com/fruitsalade/chunkshare/internal/node"
	"github.com/fruitsalade/chunkshare/internal/resume"
	"github.com/fruitsalade/chunkshare/internal/retry"
	"github.com/fruitsalade/chunkshare/pkg/protocol"
)

var testCipher *cipher.Cipher

func TestMain(m *testing.M) {
	logging.InitNop()
	c, err := cipher.New("downloader-test-key")
	if err != nil {
		panic(err)
	}
	testCipher = c
	os.Exit(m.Run())
}

type fixture struct {
	addr        string
	downloadDir string
	store       *resume.Store
}

func newFixture(t *testing.T, files map[string][]byte) *fixture {
	t.Helper()
	share := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(share, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	cat, err := catalog.New(share)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Scan(); err != nil {
		t.Fatal(err)
	}
	srv := node.New(cat, testCipher, node.Config{Addr: "127.0.0.1:0"})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go srv.Serve(context.Background())
	t.Cleanup(func() { srv.Close() })

	store, err := resume.Open(filepath.Join(t.TempDir(), "download_state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		addr:        srv.Addr().String(),
		downloadDir: filepath.Join(t.TempDir(), "downloads"),
		store:       store,
	}
}

func (f *fixture) dial(t *testing.T) *client.Session {
	t.Helper()
	s, err := client.Dial(context.Background(), client.Config{
		Addr:        f.addr,
		RetryConfig: retry.Config{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (f *fixture) downloader(t *testing.T, sess Session, cfg Config) *Downloader {
	cfg.DownloadDir = f.downloadDir
	cfg.NodeAddr = f.addr
	return New(sess, testCipher, f.store, cfg)
}

// wrapSession records chunk requests and can inject failures.
type wrapSession struct {
	Session
	failAt     int64
	calls      []int64
	mutateInfo func(*protocol.FileInfo)
}

func wrap(s Session) *wrapSession {
	return &wrapSession{Session: s, failAt: -1}
}

func (w *wrapSession) FileInfo(ctx context.Context, name string) (*protocol.FileInfo, error) {
	info, err := w.Session.FileInfo(ctx, name)
	if err == nil && w.mutateInfo != nil {
		w.mutateInfo(info)
	}
	return info, err
}

func (w *wrapSession) DownloadChunk(ctx context.Context, name string, i int64) (*client.Chunk, error) {
	w.calls = append(w.calls, i)
	if i == w.failAt {
		return nil, errkind.E(errkind.Transport, "download_chunk", io.ErrUnexpectedEOF)
	}
	return w.Session.DownloadChunk(ctx, name, i)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: got %d bytes, want %d (content differs)", path, len(got), len(want))
	}
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s should not exist (err=%v)", path, err)
	}
}

const fourChunks = 3*protocol.ChunkSize + 777

func TestDownloadByteExact(t *testing.T) {
	data := randomBytes(t, fourChunks)
	f := newFixture(t, map[string][]byte{"big.bin": data})
	d := f.downloader(t, f.dial(t), Config{})

	var progress []Progress
	d.OnProgress = func(p Progress) { progress = append(progress, p) }

	res, err := d.Download(context.Background(), "big.bin")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	assertFile(t, res.Path, data)
	if res.Fetched != 4 || res.StartChunk != 0 || res.Size != fourChunks {
		t.Errorf("result = %+v", res)
	}

	_, temp := d.Paths("big.bin")
	assertMissing(t, temp)
	if _, ok := f.store.Get("big.bin"); ok {
		t.Error("resume entry not removed after completion")
	}
	if len(progress) != 4 || progress[3].Downloaded != fourChunks {
		t.Errorf("progress = %+v", progress)
	}
}

func TestDownloadSmallAndEmpty(t *testing.T) {
	f := newFixture(t, map[string][]byte{"tiny.txt": []byte("hello"), "empty": nil})
	d := f.downloader(t, f.dial(t), Config{VerifyHash: true})

	for name, want := range map[string][]byte{"tiny.txt": []byte("hello"), "empty": {}} {
		res, err := d.Download(context.Background(), name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		assertFile(t, res.Path, want)
	}
}

func TestResumeAfterInterruption(t *testing.T) {
	data := randomBytes(t, fourChunks)
	for _, k := range []int64{0, 1, 3} {
		f := newFixture(t, map[string][]byte{"f.bin": data})
		sess := f.dial(t)

		flaky := wrap(sess)
		flaky.failAt = k
		_, err := f.downloader(t, flaky, Config{}).Download(context.Background(), "f.bin")
		if !errkind.Is(err, errkind.Transport) {
			t.Fatalf("k=%d: err = %v, want transport error", k, err)
		}

		d := f.downloader(t, sess, Config{})
		final, temp := d.Paths("f.bin")
		st, err := os.Stat(temp)
		if err != nil {
			t.Fatalf("k=%d: partial file missing: %v", k, err)
		}
		if st.Size() != k*protocol.ChunkSize {
			t.Errorf("k=%d: partial size = %d", k, st.Size())
		}
		if state, ok := f.store.Get("f.bin"); !ok || !state.Active {
			t.Errorf("k=%d: resume entry missing", k)
		}
		assertMissing(t, final)

		counting := wrap(sess)
		res, err := f.downloader(t, counting, Config{}).Download(context.Background(), "f.bin")
		if err != nil {
			t.Fatalf("k=%d: resume: %v", k, err)
		}
		assertFile(t, final, data)
		if res.StartChunk != k || int64(len(counting.calls)) != 4-k || counting.calls[0] != k {
			t.Errorf("k=%d: resumed at %d with calls %v", k, res.StartChunk, counting.calls)
		}
	}
}

func TestResumeAfterCancel(t *testing.T) {
	data := randomBytes(t, fourChunks)
	f := newFixture(t, map[string][]byte{"f.bin": data})
	sess := f.dial(t)

	ctx, cancel := context.WithCancel(context.Background())
	d := f.downloader(t, sess, Config{})
	d.OnProgress = func(p Progress) {
		if p.Chunk == 1 {
			cancel()
		}
	}
	if _, err := d.Download(ctx, "f.bin"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	d.OnProgress = nil
	res, err := d.Download(context.Background(), "f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res.StartChunk != 2 {
		t.Errorf("StartChunk = %d, want 2", res.StartChunk)
	}
	assertFile(t, res.Path, data)
}

func TestOversizedPartialDiscarded(t *testing.T) {
	data := randomBytes(t, 2*protocol.ChunkSize+5)
	f := newFixture(t, map[string][]byte{"f.bin": data})
	d := f.downloader(t, f.dial(t), Config{})

	_, temp := d.Paths("f.bin")
	os.MkdirAll(f.downloadDir, 0755)
	if err := os.WriteFile(temp, randomBytes(t, len(data)+10), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := d.Download(context.Background(), "f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res.StartChunk != 0 {
		t.Errorf("StartChunk = %d, want 0", res.StartChunk)
	}
	assertFile(t, res.Path, data)
}

func TestUnalignedPartialTruncated(t *testing.T) {
	data := randomBytes(t, 2*protocol.ChunkSize+5)
	f := newFixture(t, map[string][]byte{"f.bin": data})
	sess := wrap(f.dial(t))
	d := f.downloader(t, sess, Config{})

	_, temp := d.Paths("f.bin")
	os.MkdirAll(f.downloadDir, 0755)
	partial := append(append([]byte{}, data[:protocol.ChunkSize]...), bytes.Repeat([]byte{0xEE}, 123)...)
	if err := os.WriteFile(temp, partial, 0644); err != nil {
		t.Fatal(err)
	}

	res, err := d.Download(context.Background(), "f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res.StartChunk != 1 || len(sess.calls) != 2 {
		t.Errorf("StartChunk = %d, calls = %v", res.StartChunk, sess.calls)
	}
	assertFile(t, res.Path, data)
}

func TestMissingFileIsRemoteError(t *testing.T) {
	f := newFixture(t, nil)
	d := f.downloader(t, f.dial(t), Config{})

	_, err := d.Download(context.Background(), "nope.txt")
	if !errkind.Is(err, errkind.Remote) || !errors.Is(err, protocol.ErrFileNotFound) {
		t.Fatalf("err = %v, want remote file-not-found", err)
	}
	_, temp := d.Paths("nope.txt")
	assertMissing(t, temp)
	if len(f.store.ListIncomplete()) != 0 {
		t.Error("resume entry created for missing file")
	}
}

func TestWrongKeyIsCryptoError(t *testing.T) {
	f := newFixture(t, map[string][]byte{"f.bin": randomBytes(t, 1000)})
	other, err := cipher.New("a different passphrase")
	if err != nil {
		t.Fatal(err)
	}
	d := New(f.dial(t), other, f.store, Config{DownloadDir: f.downloadDir})

	_, err = d.Download(context.Background(), "f.bin")
	if !errkind.Is(err, errkind.Crypto) || !errors.Is(err, cipher.ErrDecryption) {
		t.Fatalf("err = %v, want crypto error", err)
	}
	_, temp := d.Paths("f.bin")
	if _, err := os.Stat(temp); err != nil {
		t.Errorf("partial file removed on crypto error: %v", err)
	}
	if _, ok := f.store.Get("f.bin"); !ok {
		t.Error("resume entry removed on crypto error")
	}
}

func TestHashMismatchDiscardsPartial(t *testing.T) {
	f := newFixture(t, map[string][]byte{"f.bin": []byte("payload")})
	sess := wrap(f.dial(t))
	sess.mutateInfo = func(info *protocol.FileInfo) { info.Hash = strings.Repeat("0", 32) }
	d := f.downloader(t, sess, Config{VerifyHash: true})

	_, err := d.Download(context.Background(), "f.bin")
	if !errkind.Is(err, errkind.Protocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	final, temp := d.Paths("f.bin")
	assertMissing(t, temp)
	assertMissing(t, final)
	if _, ok := f.store.Get("f.bin"); ok {
		t.Error("resume entry kept after hash mismatch")
	}
}

func TestChunkSizeMismatch(t *testing.T) {
	f := newFixture(t, map[string][]byte{"f.bin": []byte("payload")})
	sess := wrap(f.dial(t))
	sess.mutateInfo = func(info *protocol.FileInfo) { info.ChunkSize = 512 }

	_, err := f.downloader(t, sess, Config{}).Download(context.Background(), "f.bin")
	if !errkind.Is(err, errkind.Protocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestInsufficientSpace(t *testing.T) {
	orig := freeSpace
	freeSpace = func(string) (uint64, error) { return 10, nil }
	defer func() { freeSpace = orig }()

	f := newFixture(t, map[string][]byte{"f.bin": randomBytes(t, 1000)})
	sess := wrap(f.dial(t))
	_, err := f.downloader(t, sess, Config{}).Download(context.Background(), "f.bin")
	if !errkind.Is(err, errkind.Storage) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if len(sess.calls) != 0 {
		t.Errorf("chunks requested despite insufficient space: %v", sess.calls)
	}
}

func TestInvalidFilename(t *testing.T) {
	f := newFixture(t, nil)
	d := f.downloader(t, f.dial(t), Config{})
	for _, name := range []string{"../escape", "a/b", ".hidden", ""} {
		if _, err := d.Download(context.Background(), name); !errkind.Is(err, errkind.Config) {
			t.Errorf("%q: err = %v, want config error", name, err)
		}
	}
}

func TestDisableResume(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize+10)
	f := newFixture(t, map[string][]byte{"f.bin": data})
	sess := wrap(f.dial(t))
	d := f.downloader(t, sess, Config{DisableResume: true})

	_, temp := d.Paths("f.bin")
	os.MkdirAll(f.downloadDir, 0755)
	os.WriteFile(temp, data[:protocol.ChunkSize], 0644)

	res, err := d.Download(context.Background(), "f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res.StartChunk != 0 || len(sess.calls) != 2 {
		t.Errorf("StartChunk = %d, calls = %v", res.StartChunk, sess.calls)
	}
	assertFile(t, res.Path, data)
}

func TestRemoteGrowthKeepsPrefix(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize+10)
	f := newFixture(t, map[string][]byte{"f.bin": data})
	sess := wrap(f.dial(t))
	d := f.downloader(t, sess, Config{})

	// partial written while the remote file was exactly one chunk long
	_, temp := d.Paths("f.bin")
	os.MkdirAll(f.downloadDir, 0755)
	os.WriteFile(temp, data[:protocol.ChunkSize], 0644)
	f.store.Register("f.bin", protocol.ChunkSize, temp)

	res, err := d.Download(context.Background(), "f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res.StartChunk != 1 || len(sess.calls) != 1 || sess.calls[0] != 1 {
		t.Errorf("StartChunk = %d, calls = %v; want resume at chunk 1", res.StartChunk, sess.calls)
	}
	assertFile(t, res.Path, data)
}

func TestRedialResumesAfterTransportFailure(t *testing.T) {
	data := randomBytes(t, fourChunks)
	f := newFixture(t, map[string][]byte{"f.bin": data})

	flaky := wrap(f.dial(t))
	flaky.failAt = 2
	d := f.downloader(t, flaky, Config{Retry: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond}})

	var sessions []*wrapSession
	d.Redial = func(ctx context.Context) (Session, error) {
		s := wrap(f.dial(t))
		sessions = append(sessions, s)
		return s, nil
	}

	res, err := d.Download(context.Background(), "f.bin")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	assertFile(t, res.Path, data)
	if len(sessions) != 1 {
		t.Fatalf("redialed %d times, want 1", len(sessions))
	}
	calls := sessions[0].calls
	if res.StartChunk != 2 || len(calls) != 2 || calls[0] != 2 || calls[1] != 3 {
		t.Errorf("second session resumed at %d with calls %v", res.StartChunk, calls)
	}
}

func TestRedialGivesUpAfterMaxAttempts(t *testing.T) {
	data := randomBytes(t, 2*protocol.ChunkSize)
	f := newFixture(t, map[string][]byte{"f.bin": data})

	broken := func() *wrapSession {
		s := wrap(f.dial(t))
		s.failAt = 0
		return s
	}
	d := f.downloader(t, broken(), Config{Retry: retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond}})
	redials := 0
	d.Redial = func(ctx context.Context) (Session, error) {
		redials++
		return broken(), nil
	}

	_, err := d.Download(context.Background(), "f.bin")
	if !errkind.Is(err, errkind.Transport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if redials != 1 {
		t.Errorf("redials = %d, want 1", redials)
	}
}

func TestSearchListAndNodeInfo(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"Report.pdf": []byte("12345"),
		"notes.txt":  []byte("abc"),
		"report-old": []byte("x"),
	})
	d := f.downloader(t, f.dial(t), Config{})
	ctx := context.Background()

	matches, err := d.Search(ctx, "REPORT")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 || matches[0].Name != "Report.pdf" || matches[1].Name != "report-old" {
		t.Errorf("Search = %+v", matches)
	}

	all, err := d.ListRemote(ctx)
	if err != nil || len(all) != 3 || all[0].Name != "Report.pdf" {
		t.Errorf("ListRemote = %+v, %v", all, err)
	}

	info, err := d.NodeInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Files != 3 || info.TotalBytes != 9 || !info.SupportsResume || info.ProtocolVersion != protocol.Version {
		t.Errorf("NodeInfo = %+v", info)
	}
	if info.Addr != f.addr {
		t.Errorf("Addr = %q", info.Addr)
	}
}

func TestIncompleteAndCleanup(t *testing.T) {
	data := randomBytes(t, 2*protocol.ChunkSize)
	f := newFixture(t, map[string][]byte{"a.bin": data, "b.bin": data})
	sess := f.dial(t)

	for _, name := range []string{"a.bin", "b.bin"} {
		flaky := wrap(sess)
		flaky.failAt = 1
		if _, err := f.downloader(t, flaky, Config{}).Download(context.Background(), name); err == nil {
			t.Fatalf("%s: expected interruption", name)
		}
	}

	d := f.downloader(t, sess, Config{})
	partials := d.Incomplete()
	if len(partials) != 2 {
		t.Fatalf("Incomplete = %+v", partials)
	}
	if partials[0].Filename != "a.bin" || partials[0].OnDisk != protocol.ChunkSize || partials[0].Percent() != 50 {
		t.Errorf("partial = %+v (%.1f%%)", partials[0], partials[0].Percent())
	}

	n, err := d.Cleanup("a.bin")
	if err != nil || n != 1 {
		t.Fatalf("Cleanup(a.bin) = %d, %v", n, err)
	}
	_, tempA := d.Paths("a.bin")
	assertMissing(t, tempA)

	n, err = d.Cleanup("")
	if err != nil || n != 1 {
		t.Fatalf("Cleanup() = %d, %v", n, err)
	}
	_, tempB := d.Paths("b.bin")
	assertMissing(t, tempB)
	if len(d.Incomplete()) != 0 {
		t.Error("entries left after cleanup")
	}
}
