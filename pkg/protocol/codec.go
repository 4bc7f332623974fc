package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
)

// Reader splits a stream into newline terminated messages.
type Reader struct {
	br  *bufio.Reader
	max int
	eof bool
}

// NewReader returns a Reader that rejects messages longer than max bytes.
func NewReader(r io.Reader, max int) *Reader {
	size := 64 << 10
	if max < size {
		size = max
	}
	return &Reader{br: bufio.NewReaderSize(r, size), max: max}
}

// ReadMessage returns the next message without its trailing newline. A final
// message terminated by EOF instead of a newline is returned as is; the call
// after it reports io.EOF. Blank lines are skipped.
func (r *Reader) ReadMessage() ([]byte, error) {
	for {
		if r.eof {
			return nil, io.EOF
		}
		msg, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(trimSpace(msg)) == 0 {
			continue
		}
		return msg, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		if len(buf)+len(frag) > r.max+1 {
			return nil, ErrMessageTooLarge
		}
		buf = append(buf, frag...)
		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			r.eof = true
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		default:
			return nil, err
		}
	}
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// WriteMessage encodes v as one message and writes it with a single Write.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
