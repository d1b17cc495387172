package task

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Writer appends responses to a newline-delimited JSON file, one response
// per line. Writes are flushed per line so a crash loses at most the line
// being written.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	bw   *bufio.Writer
	path string
}

// NewWriter opens path for appending, creating it if needed.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result file %s: %w", path, err)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f), path: path}, nil
}

// Write appends one response line.
func (w *Writer) Write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response %s: %w", resp.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// WriteResponses replaces the file at path with the given responses, one
// per line. The write goes through a temp file plus rename so readers
// never see a half-written file.
func WriteResponses(path string, responses []*Response) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create result file %s: %w", tmp, err)
	}

	bw := bufio.NewWriter(f)
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode response %s: %w", resp.ID, err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadResponses loads all responses from a newline-delimited JSON file.
// A missing file yields an empty slice, not an error, so callers can
// treat "no prior results" and "empty prior results" the same way.
func ReadResponses(path string) ([]*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open result file %s: %w", path, err)
	}
	defer f.Close()

	var out []*Response
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", path, line, err)
		}
		out = append(out, &resp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}
