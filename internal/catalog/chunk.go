package catalog

import (
	"errors"
	"io"
	"os"

	"github.com/fruitsalade/chunkshare/internal/errkind"
)

// ErrChunkOutOfRange is returned when a chunk starts at or past end of file.
var ErrChunkOutOfRange = errors.New("chunk out of range")

// ReadChunk reads the index-th chunk of chunkSize bytes from the named file.
// Only the path lookup holds the catalog lock; the read itself does not, and
// only the requested range is read into memory. The final chunk is shorter;
// an index at or past end of file yields ErrChunkOutOfRange.
func (c *Catalog) ReadChunk(name string, index int64, chunkSize int) ([]byte, error) {
	entry, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	if index < 0 || chunkSize <= 0 {
		return nil, ErrChunkOutOfRange
	}

	f, err := os.Open(entry.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errkind.E(errkind.Storage, "read chunk", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errkind.E(errkind.Storage, "read chunk", err)
	}

	offset := index * int64(chunkSize)
	if offset/int64(chunkSize) != index || offset >= info.Size() {
		return nil, ErrChunkOutOfRange
	}

	length := int64(chunkSize)
	if remaining := info.Size() - offset; remaining < length {
		length = remaining
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errkind.E(errkind.Storage, "read chunk", err)
	}
	if n == 0 {
		return nil, ErrChunkOutOfRange
	}
	return buf[:n], nil
}
