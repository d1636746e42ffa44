package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MaxMessageSize is the largest envelope body accepted by ReadMessage.
const MaxMessageSize = 10 * 1024 * 1024

// MaxHeaderSize bounds the header block of one envelope, terminators
// included.
const MaxHeaderSize = 8 * 1024

const headerContentLength = "content-length"

// Framer reads and writes Content-Length framed envelopes.
//
// ReadMessage must only be called from one goroutine. WriteMessage is safe
// for concurrent use; envelopes are never interleaved.
type Framer struct {
	reader *bufio.Reader

	wmu    sync.Mutex
	writer *bufio.Writer
}

// NewFramer creates a framer reading from r and writing to w.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: bufio.NewWriter(w),
	}
}

// WriteMessage marshals v and writes it as one envelope, then flushes.
func (f *Framer) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if _, err := fmt.Fprintf(f.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// ReadMessage blocks until one complete envelope has been read and returns
// its body. It returns io.EOF when the stream closes cleanly between
// envelopes. Any other error means the stream is no longer usable.
func (f *Framer) ReadMessage() (json.RawMessage, error) {
	contentLength := -1
	first := true
	size := 0
	for {
		line, err := f.readLine(MaxHeaderSize - size)
		size += len(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if first && line == "" {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("%w: eof in header", ErrTruncated)
			}
			return nil, err
		}
		first = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, line)
		}
		if strings.ToLower(strings.TrimSpace(name)) != headerContentLength {
			// Content-Type and anything else is ignored
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content length %q", ErrInvalidHeader, value)
		}
		contentLength = n
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrInvalidHeader)
	}
	if contentLength > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, contentLength)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: want %d bytes", ErrTruncated, contentLength)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}

	return body, nil
}

// readLine reads one header line of at most limit bytes. Lines longer
// than the reader's buffer are gathered across ReadSlice calls.
func (f *Framer) readLine(limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := f.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			return "", fmt.Errorf("%w: header exceeds %d bytes", ErrInvalidHeader, MaxHeaderSize)
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), err
	}
}
