package catalog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fruitsalade/chunkshare/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestScan_SizesAndStableHashes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", []byte("0123456789"))
	writeFile(t, dir, "b", nil)

	c := newCatalog(t, dir)
	n, err := c.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("Scan count = %d, want 2", n)
	}

	a, err := c.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup a: %v", err)
	}
	b, err := c.Lookup("b")
	if err != nil {
		t.Fatalf("Lookup b: %v", err)
	}
	if a.Size != 10 || b.Size != 0 {
		t.Errorf("sizes = %d, %d; want 10, 0", a.Size, b.Size)
	}
	if len(a.Hash) != 32 || len(b.Hash) != 32 {
		t.Errorf("hash lengths = %d, %d; want 32", len(a.Hash), len(b.Hash))
	}
	if b.Hash != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("empty file hash = %s", b.Hash)
	}

	if _, err := c.Scan(); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	a2, _ := c.Lookup("a")
	b2, _ := c.Lookup("b")
	if a2.Hash != a.Hash || b2.Hash != b.Hash {
		t.Error("hashes changed across scans of unmodified files")
	}
}

func TestScan_SkipsHiddenDirsAndSymlinks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "visible.txt", []byte("x"))
	writeFile(t, dir, ".hidden", []byte("x"))
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "subdir"), "nested.txt", []byte("x"))

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	c := newCatalog(t, dir)
	if _, err := c.Scan(); err != nil {
		t.Fatal(err)
	}

	list := c.List()
	if len(list) != 1 || list[0].Name != "visible.txt" {
		t.Fatalf("List = %+v, want only visible.txt", list)
	}

	entry, _ := c.Lookup("visible.txt")
	if !strings.HasPrefix(entry.StoragePath, c.Root()+string(filepath.Separator)) {
		t.Errorf("storage path %s outside root %s", entry.StoragePath, c.Root())
	}
}

func TestScan_FailureKeepsSnapshot(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "share")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "keep.txt", []byte("data"))

	c := newCatalog(t, dir)
	if _, err := c.Scan(); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Scan(); err == nil {
		t.Fatal("Scan of missing directory succeeded")
	}
	if _, err := c.Lookup("keep.txt"); err != nil {
		t.Errorf("previous snapshot lost: %v", err)
	}
}

func TestLookupNotFound(t *testing.T) {
	c := newCatalog(t, t.TempDir())
	if _, err := c.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListInsertionOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", []byte("b"))
	writeFile(t, dir, "a.txt", []byte("a"))

	c := newCatalog(t, dir)
	c.Scan()
	writeFile(t, dir, "0-late.txt", []byte("late"))
	if err := c.Refresh("0-late.txt"); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, s := range c.List() {
		names = append(names, s.Name)
	}
	want := []string{"a.txt", "b.txt", "0-late.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("List order = %v, want %v", names, want)
	}
}

func TestRefreshUpdatesAndRemoves(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", []byte("one"))

	c := newCatalog(t, dir)
	c.Scan()
	before, _ := c.Lookup("f.txt")

	writeFile(t, dir, "f.txt", []byte("two!"))
	if err := c.Refresh("f.txt"); err != nil {
		t.Fatal(err)
	}
	after, _ := c.Lookup("f.txt")
	if after.Hash == before.Hash || after.Size != 4 {
		t.Errorf("refresh did not rehash: %+v", after)
	}

	os.Remove(filepath.Join(dir, "f.txt"))
	if err := c.Refresh("f.txt"); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after removal", c.Len())
	}

	if err := c.Refresh("../escape"); err == nil {
		t.Error("Refresh accepted path with separator")
	}
}

func TestAdd(t *testing.T) {
	src := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newCatalog(t, t.TempDir())
	name, err := c.Add(src, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if name != "upload.bin" {
		t.Errorf("name = %q", name)
	}
	entry, err := c.Lookup(name)
	if err != nil || entry.Size != 7 {
		t.Fatalf("Lookup after Add = %+v, %v", entry, err)
	}

	leftovers, _ := filepath.Glob(filepath.Join(c.Root(), ".chunkshare-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestReadChunk(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789"), 25) // 250 bytes
	writeFile(t, dir, "data.bin", data)

	c := newCatalog(t, dir)
	c.Scan()

	var got []byte
	for i := int64(0); i < 3; i++ {
		chunk, err := c.ReadChunk("data.bin", i, 100)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, data) {
		t.Error("concatenated chunks differ from file")
	}

	last, _ := c.ReadChunk("data.bin", 2, 100)
	if len(last) != 50 {
		t.Errorf("last chunk len = %d, want 50", len(last))
	}

	for _, idx := range []int64{3, 999, -1} {
		if _, err := c.ReadChunk("data.bin", idx, 100); !errors.Is(err, ErrChunkOutOfRange) {
			t.Errorf("chunk %d: err = %v, want ErrChunkOutOfRange", idx, err)
		}
	}
	if _, err := c.ReadChunk("nope", 0, 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file: err = %v, want ErrNotFound", err)
	}
}

func TestReadChunkEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty", nil)
	c := newCatalog(t, dir)
	c.Scan()
	if _, err := c.ReadChunk("empty", 0, 100); !errors.Is(err, ErrChunkOutOfRange) {
		t.Fatalf("err = %v, want ErrChunkOutOfRange", err)
	}
}

func TestConcurrentReadsDuringScan(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, dir, n, bytes.Repeat([]byte(n), 1000))
	}
	c := newCatalog(t, dir)
	c.Scan()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := c.ReadChunk("a", 0, 100); err != nil {
					t.Errorf("ReadChunk: %v", err)
					return
				}
				c.List()
			}
		}()
	}
	for j := 0; j < 20; j++ {
		if _, err := c.Scan(); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
}

func TestCompareSnapshots(t *testing.T) {
	before := map[string]string{"a": "h1", "b": "h2", "e": "h5"}
	after := map[string]string{"b": "h2", "c": "h3", "d": "h4", "e": "h6"}

	d := Compare(before, after)
	if strings.Join(d.Added, ",") != "c,d" || strings.Join(d.Removed, ",") != "a" ||
		strings.Join(d.Modified, ",") != "e" {
		t.Errorf("diff = %+v", d)
	}
	if !Compare(after, after).Empty() {
		t.Error("identical snapshots should produce empty diff")
	}
}

func TestHashesTracksContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	cat, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Scan(); err != nil {
		t.Fatal(err)
	}
	before := cat.Hashes()

	if err := os.WriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Scan(); err != nil {
		t.Fatal(err)
	}
	d := Compare(before, cat.Hashes())
	if len(d.Modified) != 1 || d.Modified[0] != "notes.txt" || len(d.Added) != 0 {
		t.Errorf("diff after rewrite = %+v", d)
	}
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"a.txt", "report.pdf", "x"} {
		if !ValidName(ok) {
			t.Errorf("ValidName(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", ".", "..", ".hidden", "a/b", `a\b`, "../x"} {
		if ValidName(bad) {
			t.Errorf("ValidName(%q) = true", bad)
		}
	}
}
