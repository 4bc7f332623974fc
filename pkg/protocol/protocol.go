// Package protocol defines the request/response messages exchanged between a
// client and a node over a TCP connection.
//
// Each message is a compact UTF-8 JSON object followed by a newline. A
// connection carries a strict sequence of request/response pairs: the client
// sends one request and waits for exactly one response before the next.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ChunkSize is the plaintext size of every chunk except a file's last.
	ChunkSize = 1 << 20

	// Version is reported by node info queries.
	Version = "1.0"

	// MaxRequestSize bounds a single request read by the node.
	MaxRequestSize = 64 << 10

	// MaxResponseSize bounds a single response read by the client. A full
	// chunk is about 1.4 MB once encrypted and base64 encoded.
	MaxResponseSize = 4 << 20
)

// Command identifies a request type.
type Command string

const (
	CmdListFiles     Command = "list_files"
	CmdGetFileInfo   Command = "get_file_info"
	CmdDownloadChunk Command = "download_chunk"
	CmdGetChanges    Command = "get_changes"
)

// Commands lists every command the node understands.
var Commands = []Command{CmdListFiles, CmdGetFileInfo, CmdDownloadChunk, CmdGetChanges}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CmdListFiles, CmdGetFileInfo, CmdDownloadChunk, CmdGetChanges:
		return true
	}
	return false
}

// Status is the outcome field carried by every response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Error codes sent alongside the human readable message.
const (
	CodeFileNotFound    = "file_not_found"
	CodeChunkOutOfRange = "chunk_out_of_range"
	CodeUnknownCommand  = "unknown_command"
	CodeInvalidRequest  = "invalid_request"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// Messages used in error responses. Clients match on Code first and fall
// back to these for peers that do not send codes.
const (
	MsgFileNotFound    = "File not found"
	MsgChunkNotAvail   = "Chunk not available"
	MsgUnknownCommand  = "Unknown command"
	MsgInvalidJSON     = "Invalid JSON"
	MsgMessageTooLarge = "Message too large"
)

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrChunkOutOfRange = errors.New("chunk out of range")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrMessageTooLarge = errors.New("message too large")
)

// Request is sent by the client. Fields not used by a command are omitted.
type Request struct {
	Command    Command `json:"command"`
	Filename   string  `json:"filename,omitempty"`
	ChunkIndex *int64  `json:"chunk_index,omitempty"`
	Since      uint64  `json:"since,omitempty"`
}

// ListFilesRequest builds a list_files request.
func ListFilesRequest() Request {
	return Request{Command: CmdListFiles}
}

// FileInfoRequest builds a get_file_info request.
func FileInfoRequest(filename string) Request {
	return Request{Command: CmdGetFileInfo, Filename: filename}
}

// DownloadChunkRequest builds a download_chunk request.
func DownloadChunkRequest(filename string, index int64) Request {
	return Request{Command: CmdDownloadChunk, Filename: filename, ChunkIndex: &index}
}

// ChangesRequest builds a get_changes request for changes after seq.
func ChangesRequest(since uint64) Request {
	return Request{Command: CmdGetChanges, Since: since}
}

// Result is embedded in every response.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// FileSummary is the per-file entry of a list_files response.
type FileSummary struct {
	Size uint64 `json:"size"`
	Hash string `json:"hash"`
}

// FileInfo describes one file. Path is node-local and meaningless to the
// client's filesystem.
type FileInfo struct {
	Size      uint64 `json:"size"`
	Hash      string `json:"hash"`
	Path      string `json:"path"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
}

// ListFilesResponse answers list_files.
type ListFilesResponse struct {
	Result
	Files map[string]FileSummary `json:"files"`
}

// FileInfoResponse answers get_file_info.
type FileInfoResponse struct {
	Result
	FileInfo *FileInfo `json:"file_info"`
}

// ChunkResponse answers download_chunk. ChunkData is the base64 encoded
// envelope; ChunkSize is the plaintext length.
type ChunkResponse struct {
	Result
	ChunkData string `json:"chunk_data"`
	ChunkSize int64  `json:"chunk_size"`
}

// Change is one catalog change reported by get_changes. Time is Unix
// seconds; Size and Hash are empty for removals.
type Change struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Name string `json:"name"`
	Size uint64 `json:"size,omitempty"`
	Hash string `json:"hash,omitempty"`
	Time int64  `json:"time"`
}

// ChangesResponse answers get_changes. Latest is the newest sequence number
// the node has; Truncated means changes after the requested one are no
// longer held and the client should list files again.
type ChangesResponse struct {
	Result
	Changes   []Change `json:"changes"`
	Latest    uint64   `json:"latest"`
	Truncated bool     `json:"truncated"`
}

// Response is the union used by clients to decode any response.
type Response struct {
	Result
	Files     map[string]FileSummary `json:"files,omitempty"`
	FileInfo  *FileInfo              `json:"file_info,omitempty"`
	ChunkData string                 `json:"chunk_data,omitempty"`
	ChunkSize int64                  `json:"chunk_size,omitempty"`
	Changes   []Change               `json:"changes,omitempty"`
	Latest    uint64                 `json:"latest,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
}

// Success returns a successful Result.
func Success() Result {
	return Result{Status: StatusSuccess}
}

// Failure returns an error Result.
func Failure(code, message string) Result {
	return Result{Status: StatusError, Code: code, Message: message}
}

// OK reports whether the response succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Err maps an error result to one of the package sentinels, wrapped with the
// remote message. It returns nil for a successful result.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	var base error
	switch {
	case r.Code == CodeFileNotFound || r.Message == MsgFileNotFound:
		base = ErrFileNotFound
	case r.Code == CodeChunkOutOfRange || r.Message == MsgChunkNotAvail:
		base = ErrChunkOutOfRange
	case r.Code == CodeUnknownCommand || r.Message == MsgUnknownCommand:
		base = ErrUnknownCommand
	case r.Code == CodeInvalidRequest:
		base = ErrInvalidRequest
	default:
		if r.Message == "" {
			return errors.New("remote error")
		}
		return errors.New(r.Message)
	}
	if r.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Message)
}

// DecodeRequest parses a request body.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse parses a response body.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Status != StatusSuccess && resp.Status != StatusError {
		return nil, fmt.Errorf("invalid status %q", resp.Status)
	}
	return &resp, nil
}

// ChunkCount returns how many chunks a file of size bytes has.
func ChunkCount(size uint64) int64 {
	return int64((size + ChunkSize - 1) / ChunkSize)
}
